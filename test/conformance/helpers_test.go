//go:build conformance

package conformance

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var agentlockBinary string

func init() {
	// Walk up to find bin/agentlock
	cwd, _ := os.Getwd()
	for {
		binPath := filepath.Join(cwd, "bin", "agentlock")
		if _, err := os.Stat(binPath); err == nil {
			agentlockBinary = binPath
			return
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	// Fallback to PATH
	agentlockBinary = "agentlock"
}

// initTestRepo creates a git repository on branch and returns its path.
func initTestRepo(t *testing.T, branch string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repoPath := filepath.Join(t.TempDir(), "testrepo")
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		t.Fatalf("create repo dir: %v", err)
	}
	runGit(t, repoPath, "init", "-q")
	runGit(t, repoPath, "checkout", "-q", "-b", branch)
	return repoPath
}

// addWorktree creates a second checkout of repoPath on a new branch.
func addWorktree(t *testing.T, repoPath, branch string) string {
	t.Helper()
	runGit(t, repoPath, "-c", "user.email=t@example.com", "-c", "user.name=t",
		"commit", "-q", "--allow-empty", "-m", "init")
	wt := filepath.Join(filepath.Dir(repoPath), branch)
	runGit(t, repoPath, "worktree", "add", "-q", "-b", branch, wt)
	return wt
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// agentlockCmd prepares the binary with args in cwd, isolated from the
// caller's AGENTLOCK_* environment.
func agentlockCmd(cwd string, env []string, args ...string) *exec.Cmd {
	cmd := exec.Command(agentlockBinary, args...)
	cmd.Dir = cwd
	var base []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "AGENTLOCK_") {
			base = append(base, kv)
		}
	}
	cmd.Env = append(append(base, "NO_COLOR=1"), env...)
	return cmd
}

// runAgentlock executes the agentlock binary with args in cwd.
func runAgentlock(t *testing.T, cwd string, env []string, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()
	cmd := agentlockCmd(cwd, env, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.Fatalf("run agentlock: %v", err)
		}
	}
	return
}

// registerSession registers a new session in cwd and returns its ID. The
// session becomes the worktree's current session.
func registerSession(t *testing.T, cwd string, env []string) string {
	t.Helper()
	stdout, stderr, code := runAgentlock(t, cwd, env, "--json", "session", "register")
	if code != 0 {
		t.Fatalf("session register failed (%d): %s", code, stderr)
	}
	var s struct {
		ID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(stdout), &s); err != nil || s.ID == "" {
		t.Fatalf("parse session register output %q: %v", stdout, err)
	}
	return s.ID
}

// backends lists the store backends every behavior is checked against.
var backends = []string{"file", "sqlite"}

// env builds an environment selecting backend, optionally acting as session.
func env(backend, session string, extra ...string) []string {
	out := []string{"AGENTLOCK_BACKEND=" + backend}
	if session != "" {
		out = append(out, "AGENTLOCK_SESSION="+session)
	}
	return append(out, extra...)
}

// forEachBackend runs fn as a subtest per backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, b := range backends {
		t.Run(b, func(t *testing.T) { fn(t, b) })
	}
}
