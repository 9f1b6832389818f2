package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

// buildBinary compiles the agentlock command into a temp dir.
func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "agentlock")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "agentlock")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "agentlock")
	assert.Contains(t, string(out), "lock")
	assert.Contains(t, string(out), "session")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Equal(t, 3, exitCodeOf(err))
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestMainOutsideRepository(t *testing.T) {
	bin := buildBinary(t)
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	cmd := exec.Command(bin, "lock", "list")
	cmd.Dir = t.TempDir()
	out, err := cmd.CombinedOutput()
	assert.Equal(t, 1, exitCodeOf(err))
	assert.Contains(t, string(out), "not inside a git repository")
}

// TestMainEntryPoints is a compile-time check that main() exists.
func TestMainEntryPoints(t *testing.T) {
	_ = main
}
