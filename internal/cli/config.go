package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/agentlock/internal/repo"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/webhook"
)

var (
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage agentlock configuration",
	Long: `Manage agentlock configuration stored in <git-common-dir>/agentlock/config.yaml.

The file is shared by every worktree of the repository. Environment
variables override it:
  AGENTLOCK_BACKEND, AGENTLOCK_BACKEND_PATH, AGENTLOCK_LOCK_TTL,
  AGENTLOCK_HEARTBEAT_TTL, AGENTLOCK_LOG_LEVEL, AGENTLOCK_LOG_FORMAT,
  AGENTLOCK_METRICS_TEXTFILE

Available commands:
  show   - Show the effective configuration
  init   - Write a config file with the defaults
  path   - Print the config file location`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Show the configuration after environment overrides. Validation problems are reported but do not hide the values.",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		r, err := discoverRepo(cmd)
		if err != nil {
			return err
		}
		cfg, err := config.Load(r.StateDir())
		if err != nil {
			return err
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return err
		}
		invalid := cfg.Validate()

		if jsonOutput {
			out := map[string]any{
				"path":   config.Path(r.StateDir()),
				"config": cfg,
				"valid":  invalid == nil,
			}
			if invalid != nil {
				out["error"] = invalid.Error()
			}
			return outputJSON(out)
		}

		shown := *cfg
		shown.Webhooks.Hooks = redactSecrets(cfg.Webhooks.Hooks)
		data, err := yaml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Println("# agentlock configuration")
		fmt.Printf("# Location: %s\n", config.Path(r.StateDir()))
		fmt.Printf("# Backend:  %s\n\n", backendLocation(cfg, r.StateDir()))
		fmt.Print(string(data))
		if invalid != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.Warning("invalid:"), invalid)
		}
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		r, err := discoverRepo(cmd)
		if err != nil {
			return err
		}
		path := config.Path(r.StateDir())
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return usageError{fmt.Errorf("%s already exists (use --force to overwrite)", path)}
		}
		if err := config.Save(r.StateDir(), config.Default()); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"path": path})
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		r, err := discoverRepo(cmd)
		if err != nil {
			return err
		}
		fmt.Println(config.Path(r.StateDir()))
		return nil
	},
}

func redactSecrets(hooks []webhook.HookConfig) []webhook.HookConfig {
	out := make([]webhook.HookConfig, len(hooks))
	for i, h := range hooks {
		if h.Secret != "" {
			h.Secret = "********"
		}
		out[i] = h
	}
	return out
}

// discoverRepo finds the checkout without opening the backend, so that a
// broken configuration can still be inspected and fixed.
func discoverRepo(cmd *cobra.Command) (*repo.Repo, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cannot get current directory: %w", err)
	}
	return repo.Discover(cmd.Context(), cwd)
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
