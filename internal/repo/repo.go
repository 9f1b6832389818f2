// Package repo locates the git checkout agentlock runs in: its identity,
// the current branch, and the directories shared by all of its worktrees.
package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jvs-project/agentlock/pkg/fsutil"
)

const (
	// StateDirName is created inside the git common dir and holds the
	// config, file store, sqlite database and audit log.
	StateDirName = "agentlock"
	// SessionFileName holds the current session of one worktree.
	SessionFileName = "session.json"
)

// Repo describes the checkout the process runs in.
type Repo struct {
	// Root is the top-level directory of the current worktree.
	Root string
	// GitDir is the per-worktree git directory.
	GitDir string
	// CommonDir is shared by every worktree of the repository.
	CommonDir string
	RepoID    string
	// Branch is empty on a detached HEAD.
	Branch string
}

// StateDir returns the directory shared by all worktrees.
func (r *Repo) StateDir() string {
	return filepath.Join(r.CommonDir, StateDirName)
}

// SessionFile returns the path of this worktree's session file.
func (r *Repo) SessionFile() string {
	return filepath.Join(r.GitDir, StateDirName, SessionFileName)
}

// AuditPath returns the audit log path.
func (r *Repo) AuditPath() string {
	return filepath.Join(r.StateDir(), "audit", "audit.jsonl")
}

// Discover finds the git checkout containing cwd.
func Discover(ctx context.Context, cwd string) (*Repo, error) {
	out, err := git(ctx, cwd, "rev-parse", "--show-toplevel", "--git-dir", "--git-common-dir")
	if err != nil {
		return nil, fmt.Errorf("not inside a git repository: %w", err)
	}
	lines := strings.Split(out, "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("unexpected git rev-parse output: %q", out)
	}

	r := &Repo{
		Root:      lines[0],
		GitDir:    absFrom(cwd, lines[1]),
		CommonDir: absFrom(cwd, lines[2]),
	}
	if branch, err := git(ctx, cwd, "symbolic-ref", "--short", "-q", "HEAD"); err == nil {
		r.Branch = branch
	}
	r.RepoID = r.deriveRepoID(ctx)
	return r, nil
}

// deriveRepoID uses the origin remote ("owner/name") and falls back to the
// name of the main checkout directory.
func (r *Repo) deriveRepoID(ctx context.Context) string {
	if url, err := git(ctx, r.Root, "config", "--get", "remote.origin.url"); err == nil && url != "" {
		if id := RepoIDFromRemote(url); id != "" {
			return id
		}
	}
	main := r.CommonDir
	if filepath.Base(main) == ".git" {
		main = filepath.Dir(main)
	}
	return sanitizeID(filepath.Base(main))
}

// RepoIDFromRemote extracts "owner/name" from a remote URL.
func RepoIDFromRemote(url string) string {
	url = strings.TrimSuffix(strings.TrimSpace(url), "/")
	url = strings.TrimSuffix(url, ".git")

	// git@github.com:owner/name
	if i := strings.Index(url, "://"); i < 0 {
		if j := strings.LastIndex(url, ":"); j >= 0 {
			url = url[j+1:]
		}
	} else {
		url = url[i+3:]
		if j := strings.Index(url, "/"); j >= 0 {
			url = url[j+1:]
		} else {
			url = ""
		}
	}

	parts := strings.FieldsFunc(url, func(r rune) bool { return r == '/' })
	switch {
	case len(parts) >= 2:
		return sanitizeID(parts[len(parts)-2]) + "/" + sanitizeID(parts[len(parts)-1])
	case len(parts) == 1:
		return sanitizeID(parts[0])
	}
	return ""
}

func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func absFrom(cwd, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(cwd, p)
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("git %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentSession is persisted per worktree so separate invocations in the
// same checkout act as the same session.
type CurrentSession struct {
	SessionID    string    `json:"session_id"`
	RepoID       string    `json:"repo_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// LoadSession reads the session file. A missing file returns nil.
func LoadSession(path string) (*CurrentSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var cur CurrentSession
	if err := json.Unmarshal(data, &cur); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", path, err)
	}
	if cur.SessionID == "" {
		return nil, nil
	}
	return &cur, nil
}

// SaveSession writes the session file atomically.
func SaveSession(path string, cur *CurrentSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session file: %w", err)
	}
	return fsutil.AtomicWrite(path, data, 0644)
}

// ClearSession removes the session file.
func ClearSession(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
