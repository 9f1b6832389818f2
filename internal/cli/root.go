package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/errclass"
)

// Exit codes.
const (
	exitOK          = 0
	exitRefused     = 1 // held, not owned, conflict, unknown session
	exitUnavailable = 2
	exitUsage       = 3
)

var (
	jsonOutput  bool
	noColor     bool
	sessionFlag string
	rootCmd     = &cobra.Command{
		Use:   "agentlock",
		Short: "agentlock - locks, sessions and claims for parallel coding agents",
		Long: `agentlock coordinates independent agent processes working in separate
checkouts of the same repository. It provides TTL-bounded resource locks,
heartbeat-tracked sessions and work-item claims arbitrated by session
staleness, all through one shared backend in the git common directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "act as this session ID (overrides $AGENTLOCK_SESSION)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

// Execute runs the root command and exits with the code for its outcome.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var reported exitError
	if !errors.As(err, &reported) {
		fmtErr("%v", err)
		if hint := hintFor(err); hint != "" {
			fmt.Fprintln(os.Stderr, color.Dim("  "+hint))
		}
	}
	os.Exit(exitCode(err))
}

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitError carries an exit code for an outcome already written to stdout.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var reported exitError
	if errors.As(err, &reported) {
		return reported.code
	}
	var usage usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	switch errclass.Code(err) {
	case errclass.ErrBackendUnavailable.Code:
		return exitUnavailable
	case errclass.ErrConfigInvalid.Code, errclass.ErrNameAmbiguous.Code, errclass.ErrNameInvalid.Code:
		return exitUsage
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return exitUsage
	}
	return exitRefused
}

// args wraps a cobra positional-argument check so failures exit as usage errors.
func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := check(cmd, a); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
