// Package stress provides contention stress tests for agentlock.
// These tests hammer the store backends from many goroutines to find
// mutual-exclusion violations and throughput limits with:
// - 64 concurrent acquirers per lock
// - 1k+ lock keys
// - 100+ sessions racing for the same claims
//
// Run with: go test -v -timeout=30m ./test/stress/...
package stress

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jvs-project/agentlock/internal/claim"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/internal/session"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/model"
)

var backends = []config.BackendType{config.BackendFile, config.BackendSQLite}

func openStore(tb testing.TB, typ config.BackendType) store.Store {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "store")
	if typ == config.BackendSQLite {
		path += ".db"
	}
	st, err := store.Open(typ, path, store.Options{})
	if err != nil {
		tb.Fatalf("open %s store: %v", typ, err)
	}
	tb.Cleanup(func() { st.Close() })
	return st
}

// TestStress_MutualExclusion checks that at most one holder is inside the
// critical section of a lock at any moment.
func TestStress_MutualExclusion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	for _, typ := range backends {
		t.Run(string(typ), func(t *testing.T) {
			st := openStore(t, typ)
			ctx := context.Background()

			const workers = 64
			const rounds = 50
			var inside, maxInside, acquired int64
			var wg sync.WaitGroup

			start := time.Now()
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					m := lock.NewManager(st, lock.Options{Holder: fmt.Sprintf("sess-%02d", w)})
					for i := 0; i < rounds; i++ {
						_, err := m.Acquire(ctx, "pytest-myrepo", time.Minute)
						if err != nil {
							if !errors.Is(err, errclass.ErrLockHeld) {
								t.Errorf("worker %d: %v", w, err)
								return
							}
							runtime.Gosched()
							continue
						}
						n := atomic.AddInt64(&inside, 1)
						for {
							old := atomic.LoadInt64(&maxInside)
							if n <= old || atomic.CompareAndSwapInt64(&maxInside, old, n) {
								break
							}
						}
						atomic.AddInt64(&acquired, 1)
						atomic.AddInt64(&inside, -1)
						if err := m.Release(ctx, "pytest-myrepo"); err != nil {
							t.Errorf("worker %d release: %v", w, err)
							return
						}
					}
				}(w)
			}
			wg.Wait()

			t.Logf("%d acquisitions by %d workers in %v", acquired, workers, time.Since(start))
			if maxInside > 1 {
				t.Fatalf("mutual exclusion violated: %d holders at once", maxInside)
			}
			if acquired == 0 {
				t.Fatal("no worker ever acquired the lock")
			}
		})
	}
}

// TestStress_ManyLocks acquires and lists 1,000 distinct locks.
func TestStress_ManyLocks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	for _, typ := range backends {
		t.Run(string(typ), func(t *testing.T) {
			st := openStore(t, typ)
			ctx := context.Background()
			m := lock.NewManager(st, lock.Options{Holder: "sess-bulk"})

			const count = 1000
			start := time.Now()
			for i := 0; i < count; i++ {
				if _, err := m.Acquire(ctx, fmt.Sprintf("build-%04d", i), time.Hour); err != nil {
					t.Fatalf("acquire %d: %v", i, err)
				}
			}
			t.Logf("Acquired %d locks in %v", count, time.Since(start))

			start = time.Now()
			locks, err := m.List(ctx, "build-*")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			t.Logf("Listed %d locks in %v", len(locks), time.Since(start))
			if len(locks) != count {
				t.Fatalf("expected %d locks, got %d", count, len(locks))
			}

			released, err := lock.ReleaseHeldBy(ctx, st, "sess-bulk")
			if err != nil {
				t.Fatalf("release all: %v", err)
			}
			if len(released) != count {
				t.Fatalf("expected %d released, got %d", count, len(released))
			}
		})
	}
}

// TestStress_ClaimRace races many registered sessions for each issue and
// checks that every issue ends up with exactly one owner.
func TestStress_ClaimRace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	for _, typ := range backends {
		t.Run(string(typ), func(t *testing.T) {
			st := openStore(t, typ)
			ctx := context.Background()
			reg := session.NewRegistry(st, session.Options{})
			res := claim.NewResolver(st, reg, claim.Options{})

			const sessions = 100
			const issues = 10
			ids := make([]string, sessions)
			for i := range ids {
				s, err := reg.Register(ctx, model.SessionMetadata{
					RepoID:       "acme/widgets",
					WorktreePath: fmt.Sprintf("/work/%d", i),
				})
				if err != nil {
					t.Fatalf("register %d: %v", i, err)
				}
				ids[i] = s.ID
			}

			var wins [issues]int64
			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					for issue := 1; issue <= issues; issue++ {
						_, err := res.Claim(ctx, "acme/widgets", issue, id, "race")
						switch {
						case err == nil:
							atomic.AddInt64(&wins[issue-1], 1)
						case errors.Is(err, errclass.ErrClaimConflict):
						default:
							t.Errorf("session %s issue %d: %v", id, issue, err)
						}
					}
				}(id)
			}
			wg.Wait()

			for i, n := range wins {
				if n != 1 {
					t.Errorf("issue %d claimed %d times, want exactly 1", i+1, n)
				}
			}
			claims, err := res.List(ctx, "acme/widgets")
			if err != nil {
				t.Fatalf("list claims: %v", err)
			}
			if len(claims) != issues {
				t.Errorf("expected %d claims, got %d", issues, len(claims))
			}
		})
	}
}

// TestStress_MemoryUsage cycles acquire/release on one manager and checks
// that the heap does not grow with the number of operations.
func TestStress_MemoryUsage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	st := openStore(t, config.BackendSQLite)
	ctx := context.Background()
	m := lock.NewManager(st, lock.Options{Holder: "sess-mem"})

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	for i := 0; i < 5000; i++ {
		if _, err := m.Acquire(ctx, "cycle", time.Minute); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if err := m.Release(ctx, "cycle"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	runtime.GC()
	runtime.ReadMemStats(&after)
	t.Logf("Heap in use: %d KB -> %d KB", before.HeapInuse/1024, after.HeapInuse/1024)
}

// Benchmark for comparison with stress tests
func BenchmarkAcquireRelease(b *testing.B) {
	for _, typ := range backends {
		b.Run(string(typ), func(b *testing.B) {
			st := openStore(b, typ)
			ctx := context.Background()
			m := lock.NewManager(st, lock.Options{Holder: "sess-bench"})

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := m.Acquire(ctx, "bench", time.Minute); err != nil {
					b.Fatal(err)
				}
				if err := m.Release(ctx, "bench"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
