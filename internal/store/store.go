// Package store is the only component that talks to the shared backend.
//
// A Store holds small records keyed by string, each with a holder and an
// optional expiry. All mutual exclusion in agentlock comes from the atomic
// primitives a Store offers; callers never add client-side locking. Every
// backend failure is reported as errclass.ErrBackendUnavailable so that no
// caller can mistake an unreachable backend for a granted lease.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/errclass"
)

// Record is one entry in the shared store.
type Record struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	Value     []byte    `json:"value,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is zero for records that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record is past its expiry.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Decode unmarshals the record value into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Key, err)
	}
	return nil
}

// Store is the contract every backend implements. A ttl of zero means the
// record never expires. Expired records are treated as absent by every
// operation.
type Store interface {
	// TryAcquire creates key for holder if it is absent or expired.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration, value []byte) (bool, error)
	// Replace overwrites key only if its live holder is expectHolder.
	Replace(ctx context.Context, key, expectHolder, holder string, ttl time.Duration, value []byte) (bool, error)
	// Release deletes key only if its live holder is holder.
	Release(ctx context.Context, key, holder string) (bool, error)
	// ReleaseIfUnchanged deletes key only if its live holder is holder and
	// its value is still value, so a record rewritten since it was read
	// survives.
	ReleaseIfUnchanged(ctx context.Context, key, holder string, value []byte) (bool, error)
	// Delete removes key unconditionally and reports whether a live record existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Get returns the live record at key, or nil.
	Get(ctx context.Context, key string) (*Record, error)
	// List returns live records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Record, error)
	// Sweep physically removes expired records and returns how many.
	Sweep(ctx context.Context) (int, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a backend.
type Options struct {
	// Now overrides the clock used to stamp and expire records.
	Now func() time.Time
	// Namespace and KubeContext select where the kubernetes backend keeps
	// its leases.
	Namespace   string
	KubeContext string
}

func (o Options) now() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// Open opens the backend selected by typ at path. For the kubernetes
// backend path is the kubeconfig file.
func Open(typ config.BackendType, path string, opts Options) (Store, error) {
	switch typ {
	case config.BackendFile:
		return OpenFile(path, opts)
	case config.BackendSQLite:
		return OpenSQLite(path, opts)
	case config.BackendKubernetes:
		return OpenKube(path, opts)
	default:
		return nil, errclass.ErrConfigInvalid.WithMessagef("unknown backend %q", typ)
	}
}

func unavailable(op string, err error) error {
	return errclass.ErrBackendUnavailable.WithMessagef("%s: %v", op, err)
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
