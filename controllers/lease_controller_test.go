package controllers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/jvs-project/agentlock/internal/claim"
	"github.com/jvs-project/agentlock/internal/clock"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/internal/session"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/model"
)

const ns = "agents"

type fixture struct {
	c        client.Client
	store    *store.KubeStore
	clk      *clock.FakeClock
	sessions *session.Registry
	r        *LeaseReconciler
}

func setup(t *testing.T, objs ...client.Object) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	c := fake.NewClientBuilder().WithObjects(objs...).Build()
	ks := store.NewKube(c, ns, store.Options{Now: clk.Now})
	reg := session.NewRegistry(ks, session.Options{Now: clk.Now})
	return &fixture{
		c:        c,
		store:    ks,
		clk:      clk,
		sessions: reg,
		r:        &LeaseReconciler{Client: c, Sessions: reg, Now: clk.Now},
	}
}

func (f *fixture) reconcile(t *testing.T, key string) ctrl.Result {
	t.Helper()
	res, err := f.r.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Namespace: ns, Name: store.LeaseName(key)},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) register(t *testing.T) *model.Session {
	t.Helper()
	s, err := f.sessions.Register(context.Background(), model.SessionMetadata{
		RepoID:       "acme/widgets",
		WorktreePath: "/work/a",
	})
	require.NoError(t, err)
	return s
}

func TestReconcile_MissingLease(t *testing.T) {
	f := setup(t)
	res := f.reconcile(t, "lock/gone")
	assert.Equal(t, ctrl.Result{}, res)
}

func TestReconcile_IgnoresForeignLease(t *testing.T) {
	foreign := &coordinationv1.Lease{}
	foreign.Namespace = ns
	foreign.Name = "kube-scheduler"
	f := setup(t, foreign)

	res, err := f.r.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Namespace: ns, Name: "kube-scheduler"},
	})
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, res)

	var l coordinationv1.Lease
	assert.NoError(t, f.c.Get(context.Background(), client.ObjectKey{Namespace: ns, Name: "kube-scheduler"}, &l))
}

func TestReconcile_LockRequeuesUntilExpiry(t *testing.T) {
	f := setup(t)
	m := lock.NewManager(f.store, lock.Options{Holder: "sess-a", Now: f.clk.Now})
	_, err := m.Acquire(context.Background(), "pytest-myrepo", 10*time.Minute)
	require.NoError(t, err)

	res := f.reconcile(t, model.LockKey("pytest-myrepo"))
	assert.Equal(t, 10*time.Minute, res.RequeueAfter)
}

func TestReconcile_SweepsExpiredLock(t *testing.T) {
	f := setup(t)
	m := lock.NewManager(f.store, lock.Options{Holder: "sess-a", Now: f.clk.Now})
	_, err := m.Acquire(context.Background(), "pytest-myrepo", time.Minute)
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	f.reconcile(t, model.LockKey("pytest-myrepo"))

	n, err := f.store.ExpiredRecords(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_ActiveSessionRequeuesUntilAbandoned(t *testing.T) {
	f := setup(t)
	s := f.register(t)

	f.clk.Advance(time.Hour)
	res := f.reconcile(t, model.SessionKey(s.ID))
	assert.Equal(t, f.sessions.Thresholds().AbandonedAfter-time.Hour, res.RequeueAfter)
}

func TestReconcile_ReclaimsAbandonedSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	s := f.register(t)

	m := lock.NewManager(f.store, lock.Options{Holder: s.ID, Now: f.clk.Now})
	_, err := m.Acquire(ctx, "pr-create", 48*time.Hour)
	require.NoError(t, err)
	claims := claim.NewResolver(f.store, f.sessions, claim.Options{Now: f.clk.Now})
	_, err = claims.Claim(ctx, "acme/widgets", 7, s.ID, "Fix login")
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)
	f.reconcile(t, model.SessionKey(s.ID))

	_, err = f.sessions.Get(ctx, s.ID)
	assert.Error(t, err, "reclaimed session is gone")

	st, err := lock.NewManager(f.store, lock.Options{Holder: "other", Now: f.clk.Now}).Status(ctx, "pr-create")
	require.NoError(t, err)
	assert.Equal(t, model.LockStateFree, st.State)

	list, err := claims.List(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Empty(t, list)
}
