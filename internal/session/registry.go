// Package session tracks one record per agent session and reclaims the
// locks and claims of sessions that went silent.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/internal/claim"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/internal/staleness"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/logging"
	"github.com/jvs-project/agentlock/pkg/metrics"
	"github.com/jvs-project/agentlock/pkg/model"
	"github.com/jvs-project/agentlock/pkg/pathutil"
	"github.com/jvs-project/agentlock/pkg/uuidutil"
	"github.com/jvs-project/agentlock/pkg/webhook"
)

// DefaultHeartbeatTTL is the backing TTL of a session record. It must
// outlive the Abandoned threshold so abandonment is observed before the
// record disappears.
const DefaultHeartbeatTTL = 48 * time.Hour

// Options configures a Registry.
type Options struct {
	HeartbeatTTL time.Duration
	Thresholds   staleness.Thresholds
	// Actor is recorded as the reclaimer in audit entries.
	Actor    string
	Now      func() time.Time
	Logger   *logging.Logger
	Audit    audit.Appender
	Webhooks webhook.Sender
	Metrics  *metrics.Registry
}

// Registry manages session records.
type Registry struct {
	store store.Store
	opts  Options
	now   func() time.Time
	log   *logging.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(st store.Store, opts Options) *Registry {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if opts.Thresholds == (staleness.Thresholds{}) {
		opts.Thresholds = staleness.DefaultThresholds()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store: st,
		opts:  opts,
		now:   now,
		log:   logging.OrGlobal(opts.Logger),
	}
}

// Thresholds returns the tier boundaries in use.
func (r *Registry) Thresholds() staleness.Thresholds {
	return r.opts.Thresholds
}

// Register creates an Active session.
func (r *Registry) Register(ctx context.Context, meta model.SessionMetadata) (*model.Session, error) {
	if err := pathutil.ValidateRepoID(meta.RepoID); err != nil {
		return nil, err
	}
	if meta.Host == "" {
		meta.Host, _ = os.Hostname()
	}

	now := r.now().UTC()
	s := &model.Session{
		ID:              uuidutil.NewV4(),
		RepoID:          meta.RepoID,
		WorktreePath:    meta.WorktreePath,
		Branch:          meta.Branch,
		Host:            meta.Host,
		PID:             meta.PID,
		Label:           meta.Label,
		State:           model.SessionActive,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}
	value, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	ok, err := r.store.TryAcquire(ctx, model.SessionKey(s.ID), s.ID, r.opts.HeartbeatTTL, value)
	if err != nil {
		r.failed(err)
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session id %s already exists", s.ID)
	}

	r.opts.Metrics.RecordSession("register")
	r.log.Info("session registered", map[string]any{"session": s.ID, "repo": s.RepoID, "worktree": s.WorktreePath})
	return s, nil
}

// Heartbeat marks the session alive now and extends its backing TTL.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*model.Session, error) {
	s, err := r.update(ctx, id, true, func(s *model.Session) {
		s.LastHeartbeatAt = r.now().UTC()
	})
	if err != nil {
		return nil, err
	}
	r.opts.Metrics.RecordSession("heartbeat")
	r.log.Debug("session heartbeat", map[string]any{"session": id})
	return s, nil
}

// Pause marks the session as waiting for instructions. The heartbeat is
// not touched.
func (r *Registry) Pause(ctx context.Context, id string) (*model.Session, error) {
	return r.setState(ctx, id, model.SessionPaused, "pause")
}

// Resume marks the session as working again.
func (r *Registry) Resume(ctx context.Context, id string) (*model.Session, error) {
	return r.setState(ctx, id, model.SessionActive, "resume")
}

func (r *Registry) setState(ctx context.Context, id string, state model.SessionState, op string) (*model.Session, error) {
	s, err := r.update(ctx, id, false, func(s *model.Session) {
		s.State = state
	})
	if err != nil {
		return nil, err
	}
	r.opts.Metrics.RecordSession(op)
	r.log.Info("session "+op+"d", map[string]any{"session": id})
	return s, nil
}

// SetClaim records ref as the session's current claim; nil clears it.
func (r *Registry) SetClaim(ctx context.Context, id string, ref *model.IssueRef) error {
	_, err := r.update(ctx, id, false, func(s *model.Session) {
		s.Claim = ref
	})
	return err
}

// update applies fn to the session record with a compare-and-swap on the
// holder. extend resets the backing TTL; otherwise the current expiry is kept.
func (r *Registry) update(ctx context.Context, id string, extend bool, fn func(*model.Session)) (*model.Session, error) {
	key := model.SessionKey(id)
	rec, err := r.store.Get(ctx, key)
	if err != nil {
		r.failed(err)
		return nil, err
	}
	if rec == nil {
		return nil, notFound(id)
	}
	var s model.Session
	if err := rec.Decode(&s); err != nil {
		return nil, err
	}
	fn(&s)

	ttl := r.opts.HeartbeatTTL
	if !extend && !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(r.now())
		if ttl <= 0 {
			return nil, notFound(id)
		}
	}
	value, err := json.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.store.Replace(ctx, key, id, id, ttl, value)
	if err != nil {
		r.failed(err)
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}
	return &s, nil
}

// Get returns the session record.
func (r *Registry) Get(ctx context.Context, id string) (*model.Session, error) {
	rec, err := r.store.Get(ctx, model.SessionKey(id))
	if err != nil {
		r.failed(err)
		return nil, err
	}
	if rec == nil {
		return nil, notFound(id)
	}
	var s model.Session
	if err := rec.Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Lookup returns the session and its tier. A session whose record is gone
// is reported as Abandoned with a nil session.
func (r *Registry) Lookup(ctx context.Context, id string) (*model.Session, model.Tier, error) {
	s, err := r.Get(ctx, id)
	if errors.Is(err, errclass.ErrSessionNotFound) {
		return nil, model.TierAbandoned, nil
	}
	if err != nil {
		return nil, "", err
	}
	return s, r.opts.Thresholds.Of(s, r.now()), nil
}

// Status returns every session of repoID (all repos when empty) with its
// tier, oldest first. Abandoned sessions are reclaimed before returning and
// reported with Reclaimed set.
func (r *Registry) Status(ctx context.Context, repoID string) ([]model.SessionStatus, error) {
	recs, err := r.store.List(ctx, model.SessionKeyPrefix)
	if err != nil {
		r.failed(err)
		return nil, err
	}

	now := r.now()
	var out []model.SessionStatus
	for _, rec := range recs {
		var s model.Session
		if err := rec.Decode(&s); err != nil {
			r.log.Warn("skipping unreadable session record", map[string]any{"key": rec.Key, "error": err.Error()})
			continue
		}
		if repoID != "" && s.RepoID != repoID {
			continue
		}
		st := model.SessionStatus{Session: &s, Tier: r.opts.Thresholds.Of(&s, now)}
		if st.Tier == model.TierAbandoned {
			if err := r.reclaim(ctx, &st, rec.Value); err != nil {
				return nil, err
			}
			if !st.Reclaimed {
				if err := r.refresh(ctx, &st, now); err != nil {
					return nil, err
				}
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt)
	})
	return out, nil
}

// Unregister removes a session and releases its locks and claims.
func (r *Registry) Unregister(ctx context.Context, id string) (*model.SessionStatus, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &model.SessionStatus{Session: s, Tier: r.opts.Thresholds.Of(s, r.now())}
	removed, err := r.releaseAll(ctx, st, nil)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, notFound(id)
	}
	r.opts.Metrics.RecordSession("unregister")
	r.log.Info("session unregistered", map[string]any{
		"session": id, "locks": len(st.ReleasedLocks), "claims": len(st.ReleasedClaims),
	})
	return st, nil
}

// reclaim drops an Abandoned session whose record still holds seen, the
// value it was classified from. When several processes observe the same
// session concurrently only the one that deletes the record audits it, and
// a session that heartbeated in the meantime is left alone.
func (r *Registry) reclaim(ctx context.Context, st *model.SessionStatus, seen []byte) error {
	removed, err := r.releaseAll(ctx, st, seen)
	if err != nil || !removed {
		return err
	}
	st.Reclaimed = true

	s := st.Session
	r.opts.Metrics.RecordReclaim(len(st.ReleasedLocks), len(st.ReleasedClaims))
	details := map[string]any{
		"repo_id":           s.RepoID,
		"worktree_path":     s.WorktreePath,
		"last_heartbeat_at": s.LastHeartbeatAt.Format(time.RFC3339),
		"released_locks":    st.ReleasedLocks,
		"released_claims":   st.ReleasedClaims,
	}
	r.log.Warn("abandoned session reclaimed", map[string]any{
		"session": s.ID, "last_heartbeat": s.LastHeartbeatAt.Format(time.RFC3339),
		"locks": len(st.ReleasedLocks), "claims": len(st.ReleasedClaims),
	})

	if r.opts.Audit != nil {
		if err := r.opts.Audit.Append(model.EventSessionReclaimed, s.ID, r.opts.Actor, details); err != nil {
			r.log.ErrorErr("audit append failed", err, map[string]any{"session": s.ID})
		}
	}
	if r.opts.Webhooks != nil {
		err := r.opts.Webhooks.Send(ctx, webhook.Event{
			Event:     model.EventSessionReclaimed,
			Timestamp: r.now().UTC().Format(time.RFC3339),
			RepoID:    s.RepoID,
			Subject:   s.ID,
			Actor:     r.opts.Actor,
			Details:   details,
		})
		if err != nil {
			r.log.Warn("webhook delivery failed", map[string]any{"event": string(model.EventSessionReclaimed), "error": err.Error()})
		}
	}
	return nil
}

// releaseAll deletes the session record first, so a racing heartbeat fails
// with ErrSessionNotFound, then frees the session's locks and claims. With
// seen set the record is deleted only if it still holds that value; nothing
// else is released when it does not.
func (r *Registry) releaseAll(ctx context.Context, st *model.SessionStatus, seen []byte) (bool, error) {
	id := st.Session.ID
	key := model.SessionKey(id)
	var (
		removed bool
		err     error
	)
	if seen != nil {
		removed, err = r.store.ReleaseIfUnchanged(ctx, key, id, seen)
	} else {
		removed, err = r.store.Release(ctx, key, id)
	}
	if err != nil {
		r.failed(err)
		return false, err
	}
	if seen != nil && !removed {
		return false, nil
	}

	locks, err := lock.ReleaseHeldBy(ctx, r.store, id)
	if err != nil {
		r.failed(err)
		return removed, err
	}
	claims, err := claim.ReleaseOwnedBy(ctx, r.store, id)
	if err != nil {
		r.failed(err)
		return removed, err
	}

	st.ReleasedLocks = locks
	for _, ref := range claims {
		st.ReleasedClaims = append(st.ReleasedClaims, ref.Issue)
	}
	return removed, nil
}

// refresh re-reads a session that could not be reclaimed. A record that is
// gone was reclaimed elsewhere and keeps its Abandoned row.
func (r *Registry) refresh(ctx context.Context, st *model.SessionStatus, now time.Time) error {
	s, err := r.Get(ctx, st.Session.ID)
	if errors.Is(err, errclass.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	st.Session = s
	st.Tier = r.opts.Thresholds.Of(s, now)
	return nil
}

func (r *Registry) failed(err error) {
	if errors.Is(err, errclass.ErrBackendUnavailable) {
		r.opts.Metrics.RecordBackendError("session")
	}
}

func notFound(id string) error {
	return errclass.ErrSessionNotFound.WithMessagef("session %s not found; register again", id)
}
