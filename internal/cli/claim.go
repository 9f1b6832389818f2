package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/model"
)

var claimCmd = &cobra.Command{
	Use:   "claim <repoId> <issue> [title...]",
	Short: "Claim a work item for the current session",
	Long: `Claim a work item for the current session.

If another session owns the issue, its staleness tier decides:
  active, idle   the claim is refused (exit 1) with the owner and tier
  stale          the claim is taken over with a warning (exit 0)
  abandoned      the claim is taken over silently
Overrides are written to the audit log.`,
	Args: args(cobra.MinimumNArgs(2)),
	RunE: func(cmd *cobra.Command, a []string) error {
		issue, err := parseIssue(a[1])
		if err != nil {
			return err
		}
		title := strings.Join(a[2:], " ")
		return withClient(cmd, func(c *agentlock.Client) error {
			s, err := ensureSession(cmd, c)
			if err != nil {
				return err
			}
			res, err := c.Claims().Claim(cmd.Context(), a[0], issue, s.ID, title)
			if err != nil {
				return err
			}
			if res.Warning {
				fmt.Fprintf(os.Stderr, "%s overriding stale claim held by %s\n",
					color.Warning("warning:"), res.Previous.Claim.SessionID)
			}
			if jsonOutput {
				return outputJSON(res)
			}
			switch {
			case res.Renewed:
				fmt.Printf("Already claimed by this session: %s#%d\n", res.Claim.RepoID, res.Claim.Issue)
			case res.Previous != nil:
				fmt.Printf("Claimed %s#%d (took over from %s, %s)\n", res.Claim.RepoID, res.Claim.Issue,
					res.Previous.Claim.SessionID, color.Tier(res.Previous.Tier))
			default:
				fmt.Printf("Claimed %s#%d\n", res.Claim.RepoID, res.Claim.Issue)
			}
			return nil
		})
	},
}

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Inspect and release work-item claims",
}

var claimsListCmd = &cobra.Command{
	Use:   "list [repoId]",
	Short: "List claims with their owners' tiers",
	Args:  args(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			repoID := argAt(a, 0)
			if repoID == "" {
				repoID = c.Repo().RepoID
			}
			claims, err := c.Claims().List(cmd.Context(), repoID)
			if err != nil {
				return err
			}
			if jsonOutput {
				if claims == nil {
					claims = []model.ClaimInfo{}
				}
				return outputJSON(claims)
			}
			if len(claims) == 0 {
				fmt.Printf("No claims in %s.\n", repoID)
				return nil
			}
			fmt.Printf("%-7s %-38s %-10s %-26s %s\n", "ISSUE", "SESSION", "TIER", "CLAIMED", "TITLE")
			for _, ci := range claims {
				fmt.Printf("%-7d %-38s %-10s %-26s %s\n",
					ci.Claim.Issue, ci.Claim.SessionID, ci.Tier, formatTime(ci.Claim.ClaimedAt), ci.Claim.Title)
			}
			return nil
		})
	},
}

var claimsReleaseCmd = &cobra.Command{
	Use:   "release <repoId> <issue>",
	Short: "Release a claim owned by the current session",
	Args:  args(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, a []string) error {
		issue, err := parseIssue(a[1])
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *agentlock.Client) error {
			id, err := c.RequireSession()
			if err != nil {
				return err
			}
			if err := c.Claims().Release(cmd.Context(), a[0], issue, id); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"repo_id": a[0], "issue": issue, "released": true})
			}
			fmt.Printf("Claim released: %s#%d\n", a[0], issue)
			return nil
		})
	},
}

func parseIssue(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "#"))
	if err != nil || n <= 0 {
		return 0, usageError{fmt.Errorf("issue must be a positive number, got %q", s)}
	}
	return n, nil
}

func init() {
	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsReleaseCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(claimsCmd)
}
