// Package claim arbitrates exclusive claims on tracked work items. Whether a
// new claim may take over an existing one depends on the owner's tier.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/logging"
	"github.com/jvs-project/agentlock/pkg/metrics"
	"github.com/jvs-project/agentlock/pkg/model"
	"github.com/jvs-project/agentlock/pkg/pathutil"
	"github.com/jvs-project/agentlock/pkg/webhook"
)

const claimAttempts = 3

// Sessions is what the resolver needs from the session registry.
type Sessions interface {
	// Lookup returns the session and its tier. A missing session is
	// reported as (nil, TierAbandoned, nil).
	Lookup(ctx context.Context, sessionID string) (*model.Session, model.Tier, error)
	// SetClaim records the session's current claim, nil to clear it.
	SetClaim(ctx context.Context, sessionID string, ref *model.IssueRef) error
}

// ConflictError is returned when the current owner is Active or Idle.
type ConflictError struct {
	Claim *model.Claim
	// Owner is nil when only the claim record is known.
	Owner *model.Session
	Tier  model.Tier
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("issue %s#%d is claimed by %s (%s)",
		e.Claim.RepoID, e.Claim.Issue, e.Claim.SessionID, e.Tier)
}

// Unwrap lets errors.Is match errclass.ErrClaimConflict.
func (e *ConflictError) Unwrap() error {
	return errclass.ErrClaimConflict
}

// Result describes a successful claim.
type Result struct {
	Claim *model.Claim `json:"claim"`
	// Warning is set when a Stale owner's claim was overridden.
	Warning bool `json:"warning"`
	// Previous is the overridden claim and its owner's tier.
	Previous *model.ClaimInfo `json:"previous,omitempty"`
	// Renewed is set when the caller already owned the claim.
	Renewed bool `json:"renewed,omitempty"`
}

// Options configures a Resolver.
type Options struct {
	RepoID   string
	Now      func() time.Time
	Logger   *logging.Logger
	Audit    audit.Appender
	Webhooks webhook.Sender
	Metrics  *metrics.Registry
}

// Resolver handles claims.
type Resolver struct {
	store    store.Store
	sessions Sessions
	opts     Options
	now      func() time.Time
	log      *logging.Logger
}

// NewResolver creates a claim resolver.
func NewResolver(st store.Store, sessions Sessions, opts Options) *Resolver {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:    st,
		sessions: sessions,
		opts:     opts,
		now:      now,
		log:      logging.OrGlobal(opts.Logger),
	}
}

// Claim claims issue in repoID for sessionID. An existing claim is taken
// over when its owner is Stale (with Warning set) or Abandoned; an Active
// or Idle owner yields a *ConflictError.
func (r *Resolver) Claim(ctx context.Context, repoID string, issue int, sessionID, title string) (*Result, error) {
	if err := validate(repoID, issue); err != nil {
		return nil, err
	}
	self, _, err := r.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if self == nil {
		return nil, errclass.ErrSessionNotFound.WithMessagef("session %s is not registered", sessionID)
	}

	key := model.ClaimKey(repoID, issue)
	for attempt := 0; attempt < claimAttempts; attempt++ {
		c := &model.Claim{
			RepoID:    repoID,
			Issue:     issue,
			SessionID: sessionID,
			Title:     title,
			ClaimedAt: r.now().UTC(),
		}

		ok, err := r.store.TryAcquire(ctx, key, sessionID, 0, mustMarshal(c))
		if err != nil {
			r.failed(err)
			return nil, err
		}
		if ok {
			r.claimed(ctx, c, "claimed")
			return &Result{Claim: c}, nil
		}

		cur, err := r.store.Get(ctx, key)
		if err != nil {
			r.failed(err)
			return nil, err
		}
		if cur == nil {
			continue
		}
		existing := decodeClaim(cur)

		if cur.Holder == sessionID {
			c.ClaimedAt = existing.ClaimedAt
			if c.Title == "" {
				c.Title = existing.Title
			}
			ok, err := r.store.Replace(ctx, key, sessionID, sessionID, 0, mustMarshal(c))
			if err != nil {
				r.failed(err)
				return nil, err
			}
			if !ok {
				continue
			}
			r.claimed(ctx, c, "renewed")
			return &Result{Claim: c, Renewed: true}, nil
		}

		owner, tier, err := r.sessions.Lookup(ctx, cur.Holder)
		if err != nil {
			return nil, err
		}
		if tier.BlocksClaims() {
			r.opts.Metrics.RecordClaim("conflict")
			r.log.Info("claim blocked", map[string]any{"repo": repoID, "issue": issue, "owner": cur.Holder, "tier": string(tier)})
			return nil, &ConflictError{Claim: existing, Owner: owner, Tier: tier}
		}

		ok, err = r.store.Replace(ctx, key, cur.Holder, sessionID, 0, mustMarshal(c))
		if err != nil {
			r.failed(err)
			return nil, err
		}
		if !ok {
			continue
		}

		prev := &model.ClaimInfo{Claim: existing, Tier: tier}
		r.overridden(ctx, c, prev, owner)
		return &Result{Claim: c, Warning: tier == model.TierStale, Previous: prev}, nil
	}
	return nil, errclass.ErrBackendUnavailable.WithMessagef("claim %s kept changing hands", key)
}

// Release drops sessionID's claim on issue.
func (r *Resolver) Release(ctx context.Context, repoID string, issue int, sessionID string) error {
	if err := validate(repoID, issue); err != nil {
		return err
	}
	key := model.ClaimKey(repoID, issue)

	ok, err := r.store.Release(ctx, key, sessionID)
	if err != nil {
		r.failed(err)
		return err
	}
	if !ok {
		cur, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return errclass.ErrClaimNotOwned.WithMessagef("issue %s#%d is not claimed", repoID, issue)
		}
		return errclass.ErrClaimNotOwned.WithMessagef("issue %s#%d is claimed by %s", repoID, issue, cur.Holder)
	}

	r.clearSessionClaim(ctx, sessionID, model.IssueRef{RepoID: repoID, Issue: issue})
	r.opts.Metrics.RecordClaim("released")
	r.log.Info("claim released", map[string]any{"repo": repoID, "issue": issue, "session": sessionID})
	return nil
}

// List returns every claim in repoID with its owner's tier, ordered by issue.
func (r *Resolver) List(ctx context.Context, repoID string) ([]model.ClaimInfo, error) {
	if err := pathutil.ValidateRepoID(repoID); err != nil {
		return nil, err
	}
	recs, err := r.store.List(ctx, model.ClaimRepoPrefix(repoID))
	if err != nil {
		r.failed(err)
		return nil, err
	}

	out := make([]model.ClaimInfo, 0, len(recs))
	for _, rec := range recs {
		c := decodeClaim(rec)
		// "owner" is a prefix of "owner/repo"; keep only exact matches.
		if c.RepoID != repoID {
			continue
		}
		_, tier, err := r.sessions.Lookup(ctx, c.SessionID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.ClaimInfo{Claim: c, Tier: tier})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Claim.Issue < out[j].Claim.Issue })
	return out, nil
}

// ReleaseOwnedBy releases every claim held by sessionID, in any repo. It is
// the claim half of session reclamation.
func ReleaseOwnedBy(ctx context.Context, st store.Store, sessionID string) ([]model.IssueRef, error) {
	recs, err := st.List(ctx, model.ClaimKeyPrefix)
	if err != nil {
		return nil, err
	}
	var released []model.IssueRef
	for _, rec := range recs {
		if rec.Holder != sessionID {
			continue
		}
		ok, err := st.Release(ctx, rec.Key, sessionID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, decodeClaim(rec).Ref())
		}
	}
	return released, nil
}

func (r *Resolver) claimed(ctx context.Context, c *model.Claim, result string) {
	ref := c.Ref()
	if err := r.sessions.SetClaim(ctx, c.SessionID, &ref); err != nil {
		r.log.Warn("could not record claim on session", map[string]any{"session": c.SessionID, "error": err.Error()})
	}
	r.opts.Metrics.RecordClaim(result)
	r.log.Info("issue claimed", map[string]any{"repo": c.RepoID, "issue": c.Issue, "session": c.SessionID})
}

func (r *Resolver) overridden(ctx context.Context, c *model.Claim, prev *model.ClaimInfo, prevOwner *model.Session) {
	r.claimed(ctx, c, "overridden")
	if prevOwner != nil {
		r.clearSessionClaim(ctx, prevOwner.ID, c.Ref())
	}

	subject := fmt.Sprintf("%s#%d", c.RepoID, c.Issue)
	details := map[string]any{
		"repo_id":        c.RepoID,
		"issue":          c.Issue,
		"previous_owner": prev.Claim.SessionID,
		"previous_tier":  string(prev.Tier),
	}
	r.log.Warn("claim overridden", map[string]any{
		"repo": c.RepoID, "issue": c.Issue, "session": c.SessionID,
		"previous_owner": prev.Claim.SessionID, "previous_tier": string(prev.Tier),
	})

	if r.opts.Audit != nil {
		if err := r.opts.Audit.Append(model.EventClaimOverridden, subject, c.SessionID, details); err != nil {
			r.log.ErrorErr("audit append failed", err, map[string]any{"subject": subject})
		}
	}
	if r.opts.Webhooks != nil {
		err := r.opts.Webhooks.Send(ctx, webhook.Event{
			Event:     model.EventClaimOverridden,
			Timestamp: r.now().UTC().Format(time.RFC3339),
			RepoID:    c.RepoID,
			Subject:   subject,
			Actor:     c.SessionID,
			Details:   details,
		})
		if err != nil {
			r.log.Warn("webhook delivery failed", map[string]any{"event": string(model.EventClaimOverridden), "error": err.Error()})
		}
	}
}

// clearSessionClaim drops ref from the session record if it is still the
// session's current claim.
func (r *Resolver) clearSessionClaim(ctx context.Context, sessionID string, ref model.IssueRef) {
	s, _, err := r.sessions.Lookup(ctx, sessionID)
	if err != nil || s == nil || s.Claim == nil || *s.Claim != ref {
		return
	}
	if err := r.sessions.SetClaim(ctx, sessionID, nil); err != nil && !errors.Is(err, errclass.ErrSessionNotFound) {
		r.log.Warn("could not clear claim on session", map[string]any{"session": sessionID, "error": err.Error()})
	}
}

func (r *Resolver) failed(err error) {
	if errors.Is(err, errclass.ErrBackendUnavailable) {
		r.opts.Metrics.RecordBackendError("claim")
	}
}

func validate(repoID string, issue int) error {
	if err := pathutil.ValidateRepoID(repoID); err != nil {
		return err
	}
	if issue <= 0 {
		return errclass.ErrNameInvalid.WithMessagef("issue number must be positive: %d", issue)
	}
	return nil
}

func mustMarshal(c *model.Claim) []byte {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("marshal claim: %v", err))
	}
	return data
}

func decodeClaim(rec *store.Record) *model.Claim {
	var c model.Claim
	if err := rec.Decode(&c); err != nil {
		c = model.Claim{ClaimedAt: rec.CreatedAt}
	}
	c.SessionID = rec.Holder
	return &c
}
