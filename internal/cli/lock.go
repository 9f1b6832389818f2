package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/model"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage shared resource locks",
	Long: `Manage shared resource locks.

A lock name is either a resource key (pytest-myrepo, pr-create) or the
sentinel "work", which resolves from the current branch:
issue-<N>-* becomes issue:<N> and wave-<W>[.<N>]-* becomes wave:<W>[.<N>].`,
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <name> [timeoutSeconds]",
	Short: "Acquire a lock, failing immediately if another session holds it",
	Long: `Acquire a lock for the current session.

Never waits: if another session holds the lock the command exits 1 and
prints the holder and the remaining lease. A session is registered
automatically when this worktree has none.`,
	Args: args(cobra.RangeArgs(1, 2)),
	RunE: func(cmd *cobra.Command, a []string) error {
		ttl, err := parseTTL(argAt(a, 1))
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *agentlock.Client) error {
			if _, err := ensureSession(cmd, c); err != nil {
				return err
			}
			rec, err := c.Locks().Acquire(cmd.Context(), a[0], ttl)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rec)
			}
			fmt.Printf("Lock acquired: %s\n", color.LockName(rec.Name))
			fmt.Printf("  Holder:  %s\n", rec.Holder)
			fmt.Printf("  Expires: %s\n", formatTime(rec.ExpiresAt))
			return nil
		})
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <name>",
	Short: "Release a lock held by the current session",
	Args:  args(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			if _, err := c.RequireSession(); err != nil {
				return err
			}
			locks := c.Locks()
			name, err := locks.Resolve(a[0])
			if err != nil {
				return err
			}
			if err := locks.Release(cmd.Context(), name); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"name": name, "released": true})
			}
			fmt.Printf("Lock released: %s\n", color.LockName(name))
			return nil
		})
	},
}

var lockForceReleaseCmd = &cobra.Command{
	Use:   "force-release <name>",
	Short: "Delete a lock regardless of its holder (privileged, audited)",
	Long: `Delete a lock regardless of who holds it.

This can break another process's exclusivity. Every force release is
logged as privileged, appended to the audit log and sent to configured
webhooks. Succeeds even when the lock is not held.`,
	Args: args(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			locks := c.Locks()
			name, err := locks.Resolve(a[0])
			if err != nil {
				return err
			}
			prev, err := locks.ForceRelease(cmd.Context(), name)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"name": name, "previous": prev})
			}
			if prev == nil {
				fmt.Printf("Lock %s was not held\n", color.LockName(name))
				return nil
			}
			fmt.Printf("%s %s (was held by %s)\n",
				color.Warning("Force-released"), color.LockName(name), prev.Holder)
			return nil
		})
	},
}

var lockRenewCmd = &cobra.Command{
	Use:   "renew <name> [timeoutSeconds]",
	Short: "Extend a lock held by the current session",
	Args:  args(cobra.RangeArgs(1, 2)),
	RunE: func(cmd *cobra.Command, a []string) error {
		ttl, err := parseTTL(argAt(a, 1))
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *agentlock.Client) error {
			if _, err := c.RequireSession(); err != nil {
				return err
			}
			rec, err := c.Locks().Renew(cmd.Context(), a[0], ttl)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rec)
			}
			fmt.Printf("Lock renewed: %s, expires %s\n", color.LockName(rec.Name), formatTime(rec.ExpiresAt))
			return nil
		})
	},
}

var lockStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show whether a lock is held, and by whom",
	Args:  args(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			st, err := c.Locks().Status(cmd.Context(), a[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Printf("Lock: %s\n", color.LockName(st.Name))
			fmt.Printf("  State: %s\n", st.State)
			if st.Lock != nil {
				holder := st.Lock.Holder
				if st.Mine {
					holder += " (this session)"
				}
				fmt.Printf("  Holder:    %s\n", holder)
				fmt.Printf("  Acquired:  %s\n", formatTime(st.Lock.AcquiredAt))
				fmt.Printf("  Remaining: %s\n", time.Duration(st.RemainingSeconds)*time.Second)
			}
			return nil
		})
	},
}

var lockListCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List live locks, optionally filtered by a glob or prefix",
	Args:  args(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			locks, err := c.Locks().List(cmd.Context(), argAt(a, 0))
			if err != nil {
				return err
			}
			if jsonOutput {
				if locks == nil {
					locks = []model.LockInfo{}
				}
				return outputJSON(locks)
			}
			if len(locks) == 0 {
				fmt.Println("No locks held.")
				return nil
			}
			fmt.Printf("%-30s %-38s %-26s %s\n", "NAME", "HOLDER", "EXPIRES", "REMAINING")
			for _, l := range locks {
				fmt.Printf("%-30s %-38s %-26s %s\n",
					l.Lock.Name, l.Lock.Holder, formatTime(l.Lock.ExpiresAt),
					time.Duration(l.RemainingSeconds)*time.Second)
			}
			return nil
		})
	},
}

func argAt(a []string, i int) string {
	if i < len(a) {
		return a[i]
	}
	return ""
}

func init() {
	lockCmd.AddCommand(lockAcquireCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockForceReleaseCmd)
	lockCmd.AddCommand(lockRenewCmd)
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockListCmd)
	rootCmd.AddCommand(lockCmd)
}
