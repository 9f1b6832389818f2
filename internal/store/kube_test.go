package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/errclass"
)

func TestKubeStore_LeaseLayout(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	c := fake.NewClientBuilder().Build()
	s := NewKube(c, "agents", Options{Now: clk.Now})

	ok, err := s.TryAcquire(ctx, "lock/issue:42", "sess-a", 90*time.Second, []byte(`{"name":"issue:42"}`))
	require.NoError(t, err)
	require.True(t, ok)

	var l coordinationv1.Lease
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "agents", Name: LeaseName("lock/issue:42")}, &l))
	assert.Equal(t, "agentlock", l.Labels[kubeManagedByLabel])
	assert.Equal(t, "lock", l.Labels[kubeKindLabel])
	assert.Equal(t, "lock/issue:42", l.Annotations[kubeKeyAnnotation])
	require.NotNil(t, l.Spec.HolderIdentity)
	assert.Equal(t, "sess-a", *l.Spec.HolderIdentity)
	require.NotNil(t, l.Spec.LeaseDurationSeconds)
	assert.Equal(t, int32(90), *l.Spec.LeaseDurationSeconds)
}

func TestKubeStore_ZeroTTLHasNoLeaseDuration(t *testing.T) {
	ctx := context.Background()
	c := fake.NewClientBuilder().Build()
	s := NewKube(c, "", Options{})
	assert.Equal(t, "default", s.Namespace())

	_, err := s.TryAcquire(ctx, "claim/acme/widgets/7", "sess-a", 0, nil)
	require.NoError(t, err)

	var l coordinationv1.Lease
	require.NoError(t, c.Get(ctx, client.ObjectKey{Namespace: "default", Name: LeaseName("claim/acme/widgets/7")}, &l))
	assert.Nil(t, l.Spec.LeaseDurationSeconds)
}

func TestKubeStore_IgnoresForeignLeases(t *testing.T) {
	ctx := context.Background()
	foreign := &coordinationv1.Lease{}
	foreign.Namespace = "agents"
	foreign.Name = "kube-scheduler"
	c := fake.NewClientBuilder().WithObjects(foreign).Build()
	s := NewKube(c, "agents", Options{})

	recs, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestKubeStore_APIErrorsFailClosed(t *testing.T) {
	ctx := context.Background()
	down := errors.New("connection refused")
	c := fake.NewClientBuilder().WithInterceptorFuncs(interceptor.Funcs{
		Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
			return down
		},
		List: func(ctx context.Context, c client.WithWatch, list client.ObjectList, opts ...client.ListOption) error {
			return down
		},
	}).Build()
	s := NewKube(c, "agents", Options{})

	ok, err := s.TryAcquire(ctx, "lock/x", "sess-a", time.Minute, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errclass.ErrBackendUnavailable)

	_, err = s.List(ctx, "lock/")
	assert.ErrorIs(t, err, errclass.ErrBackendUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), errclass.ErrBackendUnavailable)
}

func TestOpenKube_MissingKubeconfig(t *testing.T) {
	_, err := Open(config.BackendKubernetes, filepath.Join(t.TempDir(), "nope.yaml"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrBackendUnavailable)
}

func TestKeyKind(t *testing.T) {
	assert.Equal(t, "lock", keyKind("lock/"))
	assert.Equal(t, "claim", keyKind("claim/acme/widgets/"))
	assert.Equal(t, "", keyKind("lock"))
	assert.Equal(t, "", keyKind("/x"))
	assert.Equal(t, "", keyKind("bad kind/x"))
}
