package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/model"
)

var (
	sessionLabel     string
	sessionStatusAll bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
	Long: `Manage agent sessions.

The current session of a worktree is remembered in its git directory, so
every agentlock invocation in the same checkout acts as the same session.
Use --session or $AGENTLOCK_SESSION to act as another one.`,
}

var sessionRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new session for this worktree and make it current",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			s, err := c.Register(cmd.Context(), sessionLabel)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(s)
			}
			fmt.Printf("Session registered: %s\n", s.ID)
			fmt.Printf("  Repo:     %s\n", s.RepoID)
			fmt.Printf("  Worktree: %s\n", s.WorktreePath)
			if s.Branch != "" {
				fmt.Printf("  Branch:   %s\n", s.Branch)
			}
			return nil
		})
	},
}

var sessionHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Mark the current session alive",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return sessionUpdate(cmd, "Heartbeat recorded", func(c *agentlock.Client, id string) (*model.Session, error) {
			return c.Sessions().Heartbeat(cmd.Context(), id)
		})
	},
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Mark the current session as waiting for instructions",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return sessionUpdate(cmd, "Session paused", func(c *agentlock.Client, id string) (*model.Session, error) {
			return c.Sessions().Pause(cmd.Context(), id)
		})
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Mark the current session as working",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return sessionUpdate(cmd, "Session resumed", func(c *agentlock.Client, id string) (*model.Session, error) {
			return c.Sessions().Resume(cmd.Context(), id)
		})
	},
}

func sessionUpdate(cmd *cobra.Command, done string, fn func(*agentlock.Client, string) (*model.Session, error)) error {
	return withClient(cmd, func(c *agentlock.Client) error {
		id, err := c.RequireSession()
		if err != nil {
			return err
		}
		s, err := fn(c, id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(s)
		}
		fmt.Printf("%s: %s (%s)\n", done, s.ID, s.State)
		return nil
	})
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List sessions with their tiers, reclaiming abandoned ones",
	Long: `List the sessions of this repository with their staleness tier.

Sessions that have not heartbeated for longer than sessions.abandoned_after
are reclaimed while listing: the session record is removed and its locks
and claims are released.`,
	Args: args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			repoID := c.Repo().RepoID
			if sessionStatusAll {
				repoID = ""
			}
			rows, err := c.Sessions().Status(cmd.Context(), repoID)
			if err != nil {
				return err
			}
			if jsonOutput {
				if rows == nil {
					rows = []model.SessionStatus{}
				}
				return outputJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("No sessions registered.")
				return nil
			}
			now := c.Now()
			fmt.Printf("%-38s %-10s %-7s %-22s %s\n", "SESSION", "TIER", "STATE", "CLAIM", "LAST HEARTBEAT")
			for _, row := range rows {
				s := row.Session
				id := s.ID
				if id == c.SessionID() {
					id += "*"
				}
				claimRef := "-"
				if s.Claim != nil {
					claimRef = fmt.Sprintf("%s#%d", s.Claim.RepoID, s.Claim.Issue)
				}
				fmt.Printf("%-38s %-10s %-7s %-22s %s ago\n",
					id, row.Tier, s.State, claimRef, s.HeartbeatAge(now).Round(time.Second))
				if row.Reclaimed {
					fmt.Printf("  %s released locks %v, claims %v\n",
						color.Warning("reclaimed:"), row.ReleasedLocks, row.ReleasedClaims)
				}
			}
			return nil
		})
	},
}

var sessionUnregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "End the current session, releasing its locks and claims",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			st, err := c.Unregister(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Printf("Session unregistered: %s\n", st.Session.ID)
			if len(st.ReleasedLocks) > 0 {
				fmt.Printf("  Released locks:  %v\n", st.ReleasedLocks)
			}
			if len(st.ReleasedClaims) > 0 {
				fmt.Printf("  Released claims: %v\n", st.ReleasedClaims)
			}
			return nil
		})
	},
}

func init() {
	sessionRegisterCmd.Flags().StringVar(&sessionLabel, "label", "", "human-readable label for the session")
	sessionStatusCmd.Flags().BoolVar(&sessionStatusAll, "all", false, "include sessions of every repository in the store")
	sessionCmd.AddCommand(sessionRegisterCmd)
	sessionCmd.AddCommand(sessionHeartbeatCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionUnregisterCmd)
	rootCmd.AddCommand(sessionCmd)
}
