package doctor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/internal/clock"
	"github.com/jvs-project/agentlock/internal/doctor"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/internal/session"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/model"
)

type fixture struct {
	ctx       context.Context
	dir       string
	clk       *clock.FakeClock
	store     *store.FileStore
	auditPath string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clk := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.OpenFile(filepath.Join(dir, "store"), store.Options{Now: clk.Now})
	require.NoError(t, err)
	return &fixture{ctx: context.Background(), dir: dir, clk: clk, store: st, auditPath: filepath.Join(dir, "audit.jsonl")}
}

func (f *fixture) doctor(cfg *config.Config) *doctor.Doctor {
	return doctor.NewDoctor(f.store, doctor.Options{Config: cfg, AuditPath: f.auditPath, Now: f.clk.Now})
}

func categories(r *doctor.Result) []string {
	var out []string
	for _, f := range r.Findings {
		out = append(out, f.Category)
	}
	return out
}

func TestDoctor_Check_Healthy(t *testing.T) {
	f := setup(t)
	result, err := f.doctor(config.Default()).Check(f.ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Check_LiveSessionAndLock(t *testing.T) {
	f := setup(t)
	reg := session.NewRegistry(f.store, session.Options{Now: f.clk.Now})
	s, err := reg.Register(f.ctx, model.SessionMetadata{RepoID: "myrepo", WorktreePath: f.dir})
	require.NoError(t, err)
	_, err = lock.NewManager(f.store, lock.Options{Holder: s.ID, Now: f.clk.Now}).Acquire(f.ctx, "build", time.Minute)
	require.NoError(t, err)

	result, err := f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
}

func TestDoctor_Check_UnknownHolder(t *testing.T) {
	f := setup(t)
	_, err := lock.NewManager(f.store, lock.Options{Holder: "ghost", Now: f.clk.Now}).Acquire(f.ctx, "build", time.Minute)
	require.NoError(t, err)

	result, err := f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy, "warnings do not make the state unhealthy")
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "lock", result.Findings[0].Category)
	assert.Contains(t, result.Findings[0].Description, "ghost")
}

func TestDoctor_Check_ExpiredAndFix(t *testing.T) {
	f := setup(t)
	_, err := f.store.TryAcquire(f.ctx, "lock/old", "ghost", time.Second, nil)
	require.NoError(t, err)
	f.clk.Advance(time.Minute)

	result, err := f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	assert.Contains(t, categories(result), "expired")
	assert.Empty(t, result.Repaired)

	result, err = f.doctor(nil).Check(f.ctx, true)
	require.NoError(t, err)
	require.Len(t, result.Repaired, 1)

	result, err = f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	assert.NotContains(t, categories(result), "expired")
}

func TestDoctor_Check_MissingWorktree(t *testing.T) {
	f := setup(t)
	reg := session.NewRegistry(f.store, session.Options{Now: f.clk.Now})
	_, err := reg.Register(f.ctx, model.SessionMetadata{RepoID: "myrepo", WorktreePath: filepath.Join(f.dir, "gone")})
	require.NoError(t, err)

	result, err := f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "session", result.Findings[0].Category)
	assert.Equal(t, doctor.SeverityWarning, result.Findings[0].Severity)
}

func TestDoctor_Check_AbandonedSession(t *testing.T) {
	f := setup(t)
	reg := session.NewRegistry(f.store, session.Options{Now: f.clk.Now})
	_, err := reg.Register(f.ctx, model.SessionMetadata{RepoID: "myrepo", WorktreePath: f.dir})
	require.NoError(t, err)
	f.clk.Advance(30 * time.Hour)

	result, err := f.doctor(config.Default()).Check(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, result.Findings, 1)
	assert.Contains(t, result.Findings[0].Description, "abandoned")
}

func TestDoctor_Check_BackendDown(t *testing.T) {
	f := setup(t)
	require.NoError(t, os.RemoveAll(f.store.Root()))

	result, err := f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, []string{"backend"}, categories(result))
}

func TestDoctor_Check_AuditTampered(t *testing.T) {
	f := setup(t)
	ap := audit.NewFileAppender(f.auditPath)
	require.NoError(t, ap.Append(model.EventLockForceReleased, "x", "s", nil))
	require.NoError(t, os.WriteFile(f.auditPath, []byte("not json\n"), 0644))

	result, err := f.doctor(nil).Check(f.ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "audit")
}

func TestDoctor_Check_InvalidConfig(t *testing.T) {
	f := setup(t)
	cfg := config.Default()
	cfg.Backend.Type = "etcd"

	result, err := f.doctor(cfg).Check(f.ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "config")
}
