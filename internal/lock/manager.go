// Package lock implements named, exclusive, time-bounded leases on shared
// resources. All exclusion comes from the store's atomic primitives; the
// Manager never blocks waiting for a lock to free up.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moby/patternmatcher"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/internal/naming"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/logging"
	"github.com/jvs-project/agentlock/pkg/metrics"
	"github.com/jvs-project/agentlock/pkg/model"
	"github.com/jvs-project/agentlock/pkg/webhook"
)

// DefaultTTL is used when neither the caller nor the config gives one.
const DefaultTTL = 5 * time.Minute

// acquireAttempts bounds the retry when a lock disappears between a failed
// TryAcquire and the Get that reports its holder.
const acquireAttempts = 3

// HeldError is returned by Acquire when another holder has the lock.
type HeldError struct {
	Lock      *model.LockRecord
	Remaining time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %q is held by %s (expires in %s)",
		e.Lock.Name, e.Lock.Holder, e.Remaining.Round(time.Second))
}

// Unwrap lets errors.Is match errclass.ErrLockHeld.
func (e *HeldError) Unwrap() error {
	return errclass.ErrLockHeld
}

// Options configures a Manager.
type Options struct {
	// Holder is the session ID that owns acquired locks.
	Holder string
	// Branch is used to resolve the "work" sentinel.
	Branch     string
	Worktree   string
	RepoID     string
	DefaultTTL time.Duration
	Now        func() time.Time
	Logger     *logging.Logger
	Audit      audit.Appender
	Webhooks   webhook.Sender
	Metrics    *metrics.Registry
}

// Manager handles lock operations on behalf of one session.
type Manager struct {
	store store.Store
	opts  Options
	now   func() time.Time
	log   *logging.Logger
}

// NewManager creates a new lock manager.
func NewManager(st store.Store, opts Options) *Manager {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store: st,
		opts:  opts,
		now:   now,
		log:   logging.OrGlobal(opts.Logger),
	}
}

// Holder returns the session ID the manager acts as.
func (m *Manager) Holder() string {
	return m.opts.Holder
}

// Resolve maps a raw name to its canonical lock name.
func (m *Manager) Resolve(rawName string) (string, error) {
	return naming.Resolve(rawName, m.opts.Branch)
}

// Acquire takes the named lock for ttl (DefaultTTL when zero). If the lock
// is held, the returned error is a *HeldError naming the holder.
func (m *Manager) Acquire(ctx context.Context, rawName string, ttl time.Duration) (*model.LockRecord, error) {
	if m.opts.Holder == "" {
		return nil, errclass.ErrSessionNotFound.WithMessage("no current session; register first")
	}
	name, err := m.Resolve(rawName)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	key := model.LockKey(name)

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		now := m.now().UTC()
		rec := &model.LockRecord{
			Name:       name,
			Holder:     m.opts.Holder,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			TTLSeconds: int(ttl / time.Second),
			Worktree:   m.opts.Worktree,
		}
		value, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal lock: %w", err)
		}

		ok, err := m.store.TryAcquire(ctx, key, m.opts.Holder, ttl, value)
		if err != nil {
			m.failed("acquire", err)
			return nil, err
		}
		if ok {
			m.opts.Metrics.RecordLock("acquire", "ok")
			m.log.Info("lock acquired", map[string]any{"lock": name, "holder": m.opts.Holder, "ttl": ttl.String()})
			return rec, nil
		}

		cur, err := m.store.Get(ctx, key)
		if err != nil {
			m.failed("acquire", err)
			return nil, err
		}
		if cur == nil {
			continue
		}
		held := decodeLock(cur, name)
		m.opts.Metrics.RecordLock("acquire", "held")
		m.log.Debug("lock held", map[string]any{"lock": name, "holder": held.Holder})
		return nil, &HeldError{Lock: held, Remaining: held.Remaining(m.now())}
	}
	return nil, errclass.ErrBackendUnavailable.WithMessagef("lock %s kept changing hands during acquire", name)
}

// Release frees a lock held by this session.
func (m *Manager) Release(ctx context.Context, rawName string) error {
	name, err := m.Resolve(rawName)
	if err != nil {
		return err
	}
	key := model.LockKey(name)

	ok, err := m.store.Release(ctx, key, m.opts.Holder)
	if err != nil {
		m.failed("release", err)
		return err
	}
	if !ok {
		m.opts.Metrics.RecordLock("release", "not_owned")
		cur, err := m.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return errclass.ErrLockNotOwned.WithMessagef("lock %s is not held", name)
		}
		return errclass.ErrLockNotOwned.WithMessagef("lock %s is held by %s", name, cur.Holder)
	}

	m.opts.Metrics.RecordLock("release", "ok")
	m.log.Info("lock released", map[string]any{"lock": name, "holder": m.opts.Holder})
	return nil
}

// ForceRelease deletes a lock regardless of its holder and returns the
// record that was removed, or nil if the lock was free. It is logged at WARN
// and written to the audit log.
func (m *Manager) ForceRelease(ctx context.Context, rawName string) (*model.LockRecord, error) {
	name, err := m.Resolve(rawName)
	if err != nil {
		return nil, err
	}
	key := model.LockKey(name)

	var prev *model.LockRecord
	cur, err := m.store.Get(ctx, key)
	if err != nil {
		m.failed("force_release", err)
		return nil, err
	}
	if cur != nil {
		prev = decodeLock(cur, name)
	}
	if _, err := m.store.Delete(ctx, key); err != nil {
		m.failed("force_release", err)
		return nil, err
	}

	details := map[string]any{"lock": name, "existed": prev != nil}
	fields := map[string]any{"lock": name, "actor": m.opts.Holder, "privileged": true}
	if prev != nil {
		details["previous_holder"] = prev.Holder
		details["expires_at"] = prev.ExpiresAt.Format(time.RFC3339)
		fields["previous_holder"] = prev.Holder
	}
	m.opts.Metrics.RecordLock("force_release", "ok")
	m.log.Warn("lock force-released", fields)

	m.notify(ctx, model.EventLockForceReleased, name, details)
	return prev, nil
}

// Renew extends a lock held by this session to expire ttl from now.
func (m *Manager) Renew(ctx context.Context, rawName string, ttl time.Duration) (*model.LockRecord, error) {
	name, err := m.Resolve(rawName)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	key := model.LockKey(name)

	cur, err := m.store.Get(ctx, key)
	if err != nil {
		m.failed("renew", err)
		return nil, err
	}
	if cur == nil || cur.Holder != m.opts.Holder {
		m.opts.Metrics.RecordLock("renew", "not_owned")
		return nil, errclass.ErrLockNotOwned.WithMessagef("lock %s is not held by this session", name)
	}

	rec := decodeLock(cur, name)
	rec.ExpiresAt = m.now().UTC().Add(ttl)
	rec.TTLSeconds = int(ttl / time.Second)
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	ok, err := m.store.Replace(ctx, key, m.opts.Holder, m.opts.Holder, ttl, value)
	if err != nil {
		m.failed("renew", err)
		return nil, err
	}
	if !ok {
		m.opts.Metrics.RecordLock("renew", "not_owned")
		return nil, errclass.ErrLockNotOwned.WithMessagef("lock %s expired before it could be renewed", name)
	}
	m.opts.Metrics.RecordLock("renew", "ok")
	m.log.Debug("lock renewed", map[string]any{"lock": name, "ttl": ttl.String()})
	return rec, nil
}

// Status describes one named lock.
type Status struct {
	Name             string            `json:"name"`
	State            model.LockState   `json:"state"`
	Lock             *model.LockRecord `json:"lock,omitempty"`
	RemainingSeconds int               `json:"remaining_seconds,omitempty"`
	Mine             bool              `json:"mine,omitempty"`
}

// Status reports whether the named lock is held, and by whom.
func (m *Manager) Status(ctx context.Context, rawName string) (*Status, error) {
	name, err := m.Resolve(rawName)
	if err != nil {
		return nil, err
	}
	cur, err := m.store.Get(ctx, model.LockKey(name))
	if err != nil {
		m.failed("status", err)
		return nil, err
	}
	if cur == nil {
		return &Status{Name: name, State: model.LockStateFree}, nil
	}
	rec := decodeLock(cur, name)
	return &Status{
		Name:             name,
		State:            model.LockStateHeld,
		Lock:             rec,
		RemainingSeconds: int(rec.Remaining(m.now()) / time.Second),
		Mine:             m.opts.Holder != "" && rec.Holder == m.opts.Holder,
	}, nil
}

// List returns live locks whose name matches pattern, ordered by name. An
// empty pattern matches everything; a pattern without glob characters is
// treated as a prefix.
func (m *Manager) List(ctx context.Context, pattern string) ([]model.LockInfo, error) {
	match, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.List(ctx, model.LockKeyPrefix)
	if err != nil {
		m.failed("list", err)
		return nil, err
	}

	now := m.now()
	out := make([]model.LockInfo, 0, len(recs))
	for _, r := range recs {
		name := model.LockNameFromKey(r.Key)
		ok, err := match(name)
		if err != nil {
			return nil, errclass.ErrNameInvalid.WithMessagef("pattern %q: %v", pattern, err)
		}
		if !ok {
			continue
		}
		rec := decodeLock(r, name)
		out = append(out, model.LockInfo{
			Lock:             rec,
			RemainingSeconds: int(rec.Remaining(now) / time.Second),
		})
	}
	return out, nil
}

func compilePattern(pattern string) (func(string) (bool, error), error) {
	if pattern == "" {
		return func(string) (bool, error) { return true, nil }, nil
	}
	if !strings.ContainsAny(pattern, "*?[") {
		pattern += "*"
	}
	pm, err := patternmatcher.New([]string{pattern})
	if err != nil {
		return nil, errclass.ErrNameInvalid.WithMessagef("pattern %q: %v", pattern, err)
	}
	return pm.MatchesOrParentMatches, nil
}

// ReleaseHeldBy releases every lock whose holder is sessionID and returns
// their names. It is the lock half of session reclamation.
func ReleaseHeldBy(ctx context.Context, st store.Store, sessionID string) ([]string, error) {
	recs, err := st.List(ctx, model.LockKeyPrefix)
	if err != nil {
		return nil, err
	}
	var released []string
	for _, r := range recs {
		if r.Holder != sessionID {
			continue
		}
		ok, err := st.Release(ctx, r.Key, sessionID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, model.LockNameFromKey(r.Key))
		}
	}
	return released, nil
}

func (m *Manager) notify(ctx context.Context, event model.AuditEventType, subject string, details map[string]any) {
	if m.opts.Audit != nil {
		if err := m.opts.Audit.Append(event, subject, m.opts.Holder, details); err != nil {
			m.log.ErrorErr("audit append failed", err, map[string]any{"event": string(event), "subject": subject})
		}
	}
	if m.opts.Webhooks != nil {
		err := m.opts.Webhooks.Send(ctx, webhook.Event{
			Event:     event,
			Timestamp: m.now().UTC().Format(time.RFC3339),
			RepoID:    m.opts.RepoID,
			Subject:   subject,
			Actor:     m.opts.Holder,
			Details:   details,
		})
		if err != nil {
			m.log.Warn("webhook delivery failed", map[string]any{"event": string(event), "error": err.Error()})
		}
	}
}

func (m *Manager) failed(op string, err error) {
	if errors.Is(err, errclass.ErrBackendUnavailable) {
		m.opts.Metrics.RecordBackendError("lock_" + op)
	}
	m.opts.Metrics.RecordLock(op, "error")
}

// decodeLock reads the lock payload of r, falling back to the store's own
// holder and expiry when the payload is unreadable.
func decodeLock(r *store.Record, name string) *model.LockRecord {
	var rec model.LockRecord
	if err := r.Decode(&rec); err != nil || rec.Holder == "" {
		rec = model.LockRecord{
			Name:       name,
			Holder:     r.Holder,
			AcquiredAt: r.CreatedAt,
			ExpiresAt:  r.ExpiresAt,
		}
	}
	rec.Name = name
	rec.Holder = r.Holder
	rec.ExpiresAt = r.ExpiresAt
	return &rec
}
