//go:build conformance

package conformance

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// Test 1: acquire, contention, release by non-owner, force release
func TestLock_AcquireReleaseContention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		repoPath := initTestRepo(t, "main")
		a := registerSession(t, repoPath, env(backend, ""))
		b := registerSession(t, repoPath, env(backend, ""))

		stdout, stderr, code := runAgentlock(t, repoPath, env(backend, a), "lock", "acquire", "pytest-myrepo", "300")
		if code != 0 {
			t.Fatalf("acquire failed (%d): %s", code, stderr)
		}
		if !strings.Contains(stdout, "Lock acquired") {
			t.Errorf("expected 'Lock acquired' in output, got: %s", stdout)
		}

		_, stderr, code = runAgentlock(t, repoPath, env(backend, b), "lock", "acquire", "pytest-myrepo")
		if code != 1 {
			t.Fatalf("contended acquire: expected exit 1, got %d", code)
		}
		if !strings.Contains(stderr, a) {
			t.Errorf("contended acquire should name holder %s, got: %s", a, stderr)
		}

		_, _, code = runAgentlock(t, repoPath, env(backend, b), "lock", "release", "pytest-myrepo")
		if code != 1 {
			t.Errorf("release by non-owner: expected exit 1, got %d", code)
		}

		stdout, _, code = runAgentlock(t, repoPath, env(backend, b), "lock", "force-release", "pytest-myrepo")
		if code != 0 {
			t.Fatalf("force-release: expected exit 0, got %d", code)
		}
		if !strings.Contains(stdout, a) {
			t.Errorf("force-release should report previous holder, got: %s", stdout)
		}

		_, _, code = runAgentlock(t, repoPath, env(backend, b), "lock", "acquire", "pytest-myrepo")
		if code != 0 {
			t.Errorf("acquire after force-release failed with %d", code)
		}
	})
}

// Test 2: N processes race for one lock; exactly one wins
func TestLock_ProcessRace(t *testing.T) {
	const racers = 8
	forEachBackend(t, func(t *testing.T, backend string) {
		repoPath := initTestRepo(t, "main")
		ids := make([]string, racers)
		for i := range ids {
			ids[i] = registerSession(t, repoPath, env(backend, ""))
		}

		type outcome struct {
			stderr string
			code   int
		}
		results := make([]outcome, racers)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, stderr, code := runAgentlock(t, repoPath, env(backend, ids[i]), "lock", "acquire", "pytest-myrepo", "300")
				results[i] = outcome{stderr, code}
			}(i)
		}
		wg.Wait()

		winner := -1
		for i, r := range results {
			switch r.code {
			case 0:
				if winner != -1 {
					t.Fatalf("both %s and %s acquired the lock", ids[winner], ids[i])
				}
				winner = i
			case 1:
			default:
				t.Fatalf("racer %d exited %d: %s", i, r.code, r.stderr)
			}
		}
		if winner == -1 {
			t.Fatal("no racer acquired the lock")
		}
		for i, r := range results {
			if i != winner && !strings.Contains(r.stderr, ids[winner]) {
				t.Errorf("loser %d should name winner %s, got: %s", i, ids[winner], r.stderr)
			}
		}
	})
}

// Test 3: an unrenewed lock can be taken after its TTL
func TestLock_TTLExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		repoPath := initTestRepo(t, "main")
		a := registerSession(t, repoPath, env(backend, ""))
		b := registerSession(t, repoPath, env(backend, ""))

		if _, stderr, code := runAgentlock(t, repoPath, env(backend, a), "lock", "acquire", "ci-runner", "1"); code != 0 {
			t.Fatalf("acquire failed: %s", stderr)
		}
		if _, _, code := runAgentlock(t, repoPath, env(backend, b), "lock", "acquire", "ci-runner"); code != 1 {
			t.Fatalf("expected lock to be held, exit %d", code)
		}

		time.Sleep(1500 * time.Millisecond)

		if _, stderr, code := runAgentlock(t, repoPath, env(backend, b), "lock", "acquire", "ci-runner"); code != 0 {
			t.Fatalf("acquire after expiry failed (%d): %s", code, stderr)
		}
	})
}

// Test 4: "work" resolves from each worktree's branch; locks are shared
func TestLock_WorkSentinelAcrossWorktrees(t *testing.T) {
	repoPath := initTestRepo(t, "issue-42-fix-login")
	wt := addWorktree(t, repoPath, "wave-5c.1-feature")

	stdout, stderr, code := runAgentlock(t, repoPath, nil, "lock", "acquire", "work")
	if code != 0 {
		t.Fatalf("acquire work in main checkout failed: %s", stderr)
	}
	if !strings.Contains(stdout, "issue:42") {
		t.Errorf("expected issue:42, got: %s", stdout)
	}

	stdout, stderr, code = runAgentlock(t, wt, nil, "lock", "acquire", "work")
	if code != 0 {
		t.Fatalf("acquire work in worktree failed: %s", stderr)
	}
	if !strings.Contains(stdout, "wave:5c.1") {
		t.Errorf("expected wave:5c.1, got: %s", stdout)
	}

	// The worktree has its own session, and sees the main checkout's lock.
	_, stderr, code = runAgentlock(t, wt, nil, "lock", "acquire", "issue:42")
	if code != 1 {
		t.Fatalf("expected issue:42 to be held from the other worktree, exit %d: %s", code, stderr)
	}

	stdout, _, _ = runAgentlock(t, wt, nil, "lock", "list")
	if !strings.Contains(stdout, "issue:42") || !strings.Contains(stdout, "wave:5c.1") {
		t.Errorf("lock list should show both locks, got: %s", stdout)
	}
}

// Test 5: "work" on a branch without a convention is rejected
func TestLock_WorkSentinelAmbiguous(t *testing.T) {
	repoPath := initTestRepo(t, "main")

	_, stderr, code := runAgentlock(t, repoPath, nil, "lock", "acquire", "work")
	if code != 3 {
		t.Fatalf("expected exit 3 for ambiguous name, got %d: %s", code, stderr)
	}
	if !strings.Contains(stderr, "E_NAME_AMBIGUOUS") {
		t.Errorf("expected E_NAME_AMBIGUOUS, got: %s", stderr)
	}
}
