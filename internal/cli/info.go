package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show repository, backend and current session",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			r := c.Repo()
			cfg := c.Config()
			info := map[string]any{
				"repo_root":    r.Root,
				"repo_id":      r.RepoID,
				"branch":       r.Branch,
				"state_dir":    r.StateDir(),
				"backend":      cfg.Backend.Type,
				"backend_path": cfg.BackendPath(r.StateDir()),
				"namespace":    cfg.Backend.Namespace,
				"audit_log":    c.Audit().Path(),
				"session_id":   c.SessionID(),
			}

			if jsonOutput {
				return outputJSON(info)
			}

			branch := r.Branch
			if branch == "" {
				branch = "(detached)"
			}
			session := c.SessionID()
			if session == "" {
				session = "(none)"
			}
			fmt.Printf("Repository: %s\n", r.Root)
			fmt.Printf("  Repo ID:   %s\n", r.RepoID)
			fmt.Printf("  Branch:    %s\n", branch)
			fmt.Printf("  State dir: %s\n", r.StateDir())
			fmt.Printf("  Backend:   %s (%s)\n", cfg.Backend.Type, backendLocation(cfg, r.StateDir()))
			fmt.Printf("  Session:   %s\n", session)
			return nil
		})
	},
}

func backendLocation(cfg *config.Config, stateDir string) string {
	if cfg.Backend.Type != config.BackendKubernetes {
		return cfg.BackendPath(stateDir)
	}
	loc := "namespace " + cfg.Backend.Namespace
	if cfg.Backend.Namespace == "" {
		loc = "kubeconfig namespace"
	}
	if cfg.Backend.Context != "" {
		loc += ", context " + cfg.Backend.Context
	}
	return loc
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
