package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	kubeManagedByLabel    = "app.kubernetes.io/managed-by"
	kubeManagedBy         = "agentlock"
	kubeKindLabel         = "agentlock.dev/kind"
	kubeKeyAnnotation     = "agentlock.dev/key"
	kubeValueAnnotation   = "agentlock.dev/value"
	kubeCreatedAnnotation = "agentlock.dev/created-at"
	kubeExpiryAnnotation  = "agentlock.dev/expires-at"
	kubeRequestTimeout    = 10 * time.Second
	kubeDefaultNamespace  = "default"
)

// KubeStore keeps each record in a coordination.k8s.io/v1 Lease so agents
// on different machines can share one cluster as their backend. Conditional
// writes carry the resourceVersion they read; a lost race comes back from
// the API server as Conflict or AlreadyExists and is reported as a refusal.
type KubeStore struct {
	c         client.Client
	rest      *rest.Config
	namespace string
	now       func() time.Time
}

// OpenKube connects to the cluster described by kubeconfig. An empty path
// uses the default loading rules ($KUBECONFIG, ~/.kube/config, in-cluster).
func OpenKube(kubeconfig string, opts Options) (*KubeStore, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules,
		&clientcmd.ConfigOverrides{CurrentContext: opts.KubeContext})

	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, unavailable("load kubeconfig", err)
	}
	restCfg.Timeout = kubeRequestTimeout

	ns := opts.Namespace
	if ns == "" {
		if ns, _, err = cc.Namespace(); err != nil || ns == "" {
			ns = kubeDefaultNamespace
		}
	}

	c, err := client.New(restCfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		return nil, unavailable("create kubernetes client", err)
	}
	s := NewKube(c, ns, opts)
	s.rest = restCfg
	return s, nil
}

// NewKube wraps an existing controller-runtime client.
func NewKube(c client.Client, namespace string, opts Options) *KubeStore {
	if namespace == "" {
		namespace = kubeDefaultNamespace
	}
	return &KubeStore{c: c, namespace: namespace, now: opts.now()}
}

// RESTConfig returns the cluster connection, or nil for a store built
// with NewKube.
func (s *KubeStore) RESTConfig() *rest.Config {
	return s.rest
}

// Namespace returns the namespace holding the leases.
func (s *KubeStore) Namespace() string {
	return s.namespace
}

// LeaseName maps a store key to a valid object name. Keys contain '/' and
// ':' which object names may not, so the key itself lives in an annotation.
func LeaseName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "agentlock-" + hex.EncodeToString(sum[:16])
}

// IsManagedLease reports whether o is a lease written by KubeStore.
func IsManagedLease(o client.Object) bool {
	return o.GetLabels()[kubeManagedByLabel] == kubeManagedBy
}

// keyKind returns the namespace segment of key when it is usable as a
// label value, so List can filter server-side.
func keyKind(key string) string {
	i := strings.IndexByte(key, '/')
	if i <= 0 {
		return ""
	}
	if len(validation.IsValidLabelValue(key[:i])) > 0 {
		return ""
	}
	return key[:i]
}

func (s *KubeStore) get(ctx context.Context, key string) (*coordinationv1.Lease, error) {
	l := &coordinationv1.Lease{}
	err := s.c.Get(ctx, client.ObjectKey{Namespace: s.namespace, Name: LeaseName(key)}, l)
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get "+key, err)
	}
	return l, nil
}

// LeaseRecord decodes the record kept in an agentlock lease.
func LeaseRecord(l *coordinationv1.Lease) *Record {
	r := &Record{Key: l.Annotations[kubeKeyAnnotation]}
	if v, ok := l.Annotations[kubeValueAnnotation]; ok {
		r.Value = []byte(v)
	}
	if l.Spec.HolderIdentity != nil {
		r.Holder = *l.Spec.HolderIdentity
	}
	r.CreatedAt = annotationTime(l, kubeCreatedAnnotation)
	r.ExpiresAt = annotationTime(l, kubeExpiryAnnotation)
	return r
}

func annotationTime(l *coordinationv1.Lease, name string) time.Time {
	n, err := strconv.ParseInt(l.Annotations[name], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromNanos(n)
}

// fill writes a record into l, keeping its identity and resourceVersion.
func (s *KubeStore) fill(l *coordinationv1.Lease, key, holder string, ttl time.Duration, value []byte, created, now time.Time) {
	l.Namespace = s.namespace
	l.Name = LeaseName(key)
	if l.Labels == nil {
		l.Labels = map[string]string{}
	}
	l.Labels[kubeManagedByLabel] = kubeManagedBy
	if kind := keyKind(key); kind != "" {
		l.Labels[kubeKindLabel] = kind
	}
	if l.Annotations == nil {
		l.Annotations = map[string]string{}
	}
	l.Annotations[kubeKeyAnnotation] = key
	if value != nil {
		l.Annotations[kubeValueAnnotation] = string(value)
	} else {
		delete(l.Annotations, kubeValueAnnotation)
	}
	l.Annotations[kubeCreatedAnnotation] = strconv.FormatInt(toNanos(created), 10)
	l.Annotations[kubeExpiryAnnotation] = strconv.FormatInt(toNanos(expiryFor(now, ttl)), 10)

	acquired, renewed := metav1.NewMicroTime(created), metav1.NewMicroTime(now)
	l.Spec.HolderIdentity = &holder
	l.Spec.AcquireTime = &acquired
	l.Spec.RenewTime = &renewed
	l.Spec.LeaseDurationSeconds = nil
	if ttl > 0 {
		secs := int32((ttl + time.Second - 1) / time.Second)
		l.Spec.LeaseDurationSeconds = &secs
	}
}

// update reports a lost optimistic-concurrency race as a refusal.
func (s *KubeStore) update(ctx context.Context, l *coordinationv1.Lease, op string) (bool, error) {
	err := s.c.Update(ctx, l)
	if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(op, err)
	}
	return true, nil
}

// remove deletes l only if it is unchanged since it was read.
func (s *KubeStore) remove(ctx context.Context, l *coordinationv1.Lease, op string) (bool, error) {
	rv := l.ResourceVersion
	err := s.c.Delete(ctx, l, client.Preconditions{ResourceVersion: &rv})
	if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(op, err)
	}
	return true, nil
}

// TryAcquire implements Store.
func (s *KubeStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration, value []byte) (bool, error) {
	now := s.now()
	cur, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	if cur == nil {
		l := &coordinationv1.Lease{}
		s.fill(l, key, holder, ttl, value, now, now)
		err := s.c.Create(ctx, l)
		if apierrors.IsAlreadyExists(err) {
			return false, nil
		}
		if err != nil {
			return false, unavailable("acquire "+key, err)
		}
		return true, nil
	}
	if !LeaseRecord(cur).Expired(now) {
		return false, nil
	}
	s.fill(cur, key, holder, ttl, value, now, now)
	return s.update(ctx, cur, "acquire "+key)
}

// Replace implements Store.
func (s *KubeStore) Replace(ctx context.Context, key, expectHolder, holder string, ttl time.Duration, value []byte) (bool, error) {
	now := s.now()
	cur, err := s.get(ctx, key)
	if err != nil || cur == nil {
		return false, err
	}
	rec := LeaseRecord(cur)
	if rec.Expired(now) || rec.Holder != expectHolder {
		return false, nil
	}
	created := rec.CreatedAt
	if holder != rec.Holder {
		created = now
	}
	s.fill(cur, key, holder, ttl, value, created, now)
	return s.update(ctx, cur, "replace "+key)
}

// Release implements Store. An expired lease is deleted on the way out.
func (s *KubeStore) Release(ctx context.Context, key, holder string) (bool, error) {
	cur, err := s.get(ctx, key)
	if err != nil || cur == nil {
		return false, err
	}
	rec := LeaseRecord(cur)
	if rec.Expired(s.now()) {
		_, err := s.remove(ctx, cur, "release "+key)
		return false, err
	}
	if rec.Holder != holder {
		return false, nil
	}
	return s.remove(ctx, cur, "release "+key)
}

// ReleaseIfUnchanged implements Store. The delete is preconditioned on the
// resourceVersion that was compared.
func (s *KubeStore) ReleaseIfUnchanged(ctx context.Context, key, holder string, value []byte) (bool, error) {
	cur, err := s.get(ctx, key)
	if err != nil || cur == nil {
		return false, err
	}
	rec := LeaseRecord(cur)
	if rec.Expired(s.now()) || rec.Holder != holder || !bytes.Equal(rec.Value, value) {
		return false, nil
	}
	return s.remove(ctx, cur, "release "+key)
}

// Delete implements Store.
func (s *KubeStore) Delete(ctx context.Context, key string) (bool, error) {
	cur, err := s.get(ctx, key)
	if err != nil || cur == nil {
		return false, err
	}
	live := !LeaseRecord(cur).Expired(s.now())
	err = s.c.Delete(ctx, cur)
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("delete "+key, err)
	}
	return live, nil
}

// Get implements Store.
func (s *KubeStore) Get(ctx context.Context, key string) (*Record, error) {
	cur, err := s.get(ctx, key)
	if err != nil || cur == nil {
		return nil, err
	}
	rec := LeaseRecord(cur)
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *KubeStore) list(ctx context.Context, prefix string) ([]coordinationv1.Lease, error) {
	sel := client.MatchingLabels{kubeManagedByLabel: kubeManagedBy}
	if kind := keyKind(prefix); kind != "" {
		sel[kubeKindLabel] = kind
	}
	var leases coordinationv1.LeaseList
	if err := s.c.List(ctx, &leases, client.InNamespace(s.namespace), sel); err != nil {
		return nil, unavailable("list "+prefix, err)
	}
	return leases.Items, nil
}

// List implements Store.
func (s *KubeStore) List(ctx context.Context, prefix string) ([]*Record, error) {
	leases, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []*Record
	for i := range leases {
		rec := LeaseRecord(&leases[i])
		if rec.Key == "" || !strings.HasPrefix(rec.Key, prefix) || rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Sweep implements Store.
func (s *KubeStore) Sweep(ctx context.Context) (int, error) {
	leases, err := s.list(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for i := range leases {
		if !LeaseRecord(&leases[i]).Expired(now) {
			continue
		}
		ok, err := s.remove(ctx, &leases[i], "sweep")
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ExpiredRecords counts expired leases not yet swept.
func (s *KubeStore) ExpiredRecords(ctx context.Context) (int, error) {
	leases, err := s.list(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for i := range leases {
		if LeaseRecord(&leases[i]).Expired(now) {
			n++
		}
	}
	return n, nil
}

// Ping implements Store.
func (s *KubeStore) Ping(ctx context.Context) error {
	var leases coordinationv1.LeaseList
	if err := s.c.List(ctx, &leases, client.InNamespace(s.namespace), client.Limit(1)); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *KubeStore) Close() error {
	return nil
}
