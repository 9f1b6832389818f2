package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/model"
)

var (
	auditLimit int
	auditEvent string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log of privileged operations",
	Long: `Inspect the audit log.

Force releases, claim overrides and session reclamations are appended to a
hash-chained JSONL file in the shared state directory.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records, newest last",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			records, err := c.Audit().Records()
			if err != nil {
				return err
			}
			records = filterAudit(records, model.AuditEventType(auditEvent), auditLimit)
			if jsonOutput {
				return outputJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No audit records.")
				return nil
			}
			for _, r := range records {
				actor := r.Actor
				if actor == "" {
					actor = "-"
				}
				fmt.Printf("%s  %-20s %-40s by %s\n",
					formatTime(r.Timestamp), color.Warning(string(r.EventType)), r.Subject, actor)
			}
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			n, err := c.Audit().Verify()
			if jsonOutput {
				out := map[string]any{"records": n, "valid": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				if encErr := outputJSON(out); encErr != nil {
					return encErr
				}
				if err != nil {
					return exitError{code: exitRefused}
				}
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %d record(s) verified\n", color.Success("OK"), n)
			return nil
		})
	},
}

// filterAudit keeps records of the given type (all when empty) and, when
// limit is positive, only the last limit of them.
func filterAudit(records []*model.AuditRecord, event model.AuditEventType, limit int) []*model.AuditRecord {
	out := make([]*model.AuditRecord, 0, len(records))
	for _, r := range records {
		if event == "" || r.EventType == event {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func init() {
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 0, "show only the last N records")
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "filter by event type (lock.force_released, claim.overridden, session.reclaimed)")
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
