package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/color"
	"github.com/jvs-project/agentlock/pkg/logging"
	"github.com/jvs-project/agentlock/pkg/model"
)

// clientClock replaces the wall clock of every opened client when set.
var clientClock func() time.Time

// openClient opens the engine for the repository containing the working
// directory. The caller must Close it.
func openClient(cmd *cobra.Command) (*agentlock.Client, error) {
	c, err := agentlock.Open(cmd.Context(), agentlock.Options{SessionID: sessionFlag, Now: clientClock})
	if err != nil {
		return nil, err
	}
	logging.SetGlobal(c.Logger())
	return c, nil
}

// withClient opens a client, runs fn and closes the client.
func withClient(cmd *cobra.Command, fn func(c *agentlock.Client) error) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	runErr := fn(c)
	if err := c.Close(); err != nil {
		logging.Warn("close failed", map[string]any{"error": err.Error()})
	}
	return runErr
}

// ensureSession returns the current session, registering one when needed.
func ensureSession(cmd *cobra.Command, c *agentlock.Client) (*model.Session, error) {
	s, created, err := c.EnsureSession(cmd.Context())
	if err != nil {
		return nil, err
	}
	if created {
		fmt.Fprintf(os.Stderr, "Registered session %s\n", s.ID)
	}
	return s, nil
}

// parseTTL accepts whole seconds ("300") or a Go duration ("5m"). An empty
// string yields zero, meaning the configured default.
func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		if secs <= 0 {
			return 0, usageError{fmt.Errorf("timeout must be positive, got %d", secs)}
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, usageError{fmt.Errorf("invalid timeout %q (want seconds or a duration like 5m)", s)}
	}
	return d, nil
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.RFC3339)
}

func fmtErr(format string, args ...any) {
	prefix := "agentlock: "
	if color.Enabled() {
		prefix = color.Error("agentlock:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
