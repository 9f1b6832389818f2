package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/internal/doctor"
	"github.com/jvs-project/agentlock/pkg/agentlock"
)

var (
	doctorFix bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check backend and audit log health",
	Long: `Check backend and audit log health.

Pings the backend and reports expired records still on disk, orphan temp
files, sessions whose worktree has vanished, locks and claims held by
unknown sessions, and breaks in the audit hash chain.
Use --fix to sweep expired records and temp files.`,
	Args: args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			result, err := c.Doctor().Check(cmd.Context(), doctorFix)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := outputJSON(result); err != nil {
					return err
				}
			} else {
				if len(result.Findings) == 0 {
					fmt.Println("agentlock is healthy.")
				} else {
					fmt.Printf("Findings (%d):\n", len(result.Findings))
					for _, f := range result.Findings {
						fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Category, f.Description)
					}
				}
				for _, r := range result.Repaired {
					fmt.Printf("Repaired: %s\n", r)
				}
			}

			if !result.Healthy {
				return exitError{code: doctorExitCode(result)}
			}
			return nil
		})
	},
}

// doctorExitCode reports an unreachable backend the same way every other
// command does.
func doctorExitCode(result *doctor.Result) int {
	for _, f := range result.Findings {
		if f.Category == "backend" && f.Severity == doctor.SeverityCritical {
			return exitUnavailable
		}
	}
	return exitRefused
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "sweep expired records and orphan temp files")
	rootCmd.AddCommand(doctorCmd)
}
