// Package doctor checks the health of the shared state and repairs what can
// be repaired without guessing.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/internal/staleness"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/model"
)

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	Key         string `json:"key,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
	Repaired []string  `json:"repaired,omitempty"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Options configures a Doctor.
type Options struct {
	Config    *config.Config
	AuditPath string
	Now       func() time.Time
}

// Doctor performs health checks against one store.
type Doctor struct {
	store store.Store
	opts  Options
	now   func() time.Time
}

// NewDoctor creates a new doctor.
func NewDoctor(st store.Store, opts Options) *Doctor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Doctor{store: st, opts: opts, now: now}
}

type expiredCounter interface {
	ExpiredRecords(ctx context.Context) (int, error)
}

type tempScanner interface {
	OrphanTempFiles() ([]string, error)
}

// Check runs all diagnostic checks. With fix, expired records and orphan
// temp files are swept.
func (d *Doctor) Check(ctx context.Context, fix bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkConfig(result)

	if err := d.store.Ping(ctx); err != nil {
		result.add(Finding{
			Category:    "backend",
			Description: fmt.Sprintf("backend unreachable: %v", err),
			Severity:    SeverityCritical,
		})
		return result, nil
	}

	needSweep := d.checkExpired(ctx, result)
	if d.checkOrphanTmp(result) {
		needSweep = true
	}
	sessions := d.checkSessions(ctx, result)
	d.checkLockHolders(ctx, result, sessions)
	d.checkClaimOwners(ctx, result, sessions)
	d.checkAudit(result)

	if fix && needSweep {
		n, err := d.store.Sweep(ctx)
		if err != nil {
			return result, fmt.Errorf("sweep: %w", err)
		}
		result.Repaired = append(result.Repaired, fmt.Sprintf("swept %d expired record(s) and temp file(s)", n))
	}
	return result, nil
}

func (d *Doctor) checkConfig(result *Result) {
	if d.opts.Config == nil {
		return
	}
	if err := d.opts.Config.Validate(); err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    SeverityError,
		})
	}
}

func (d *Doctor) checkExpired(ctx context.Context, result *Result) bool {
	c, ok := d.store.(expiredCounter)
	if !ok {
		return false
	}
	n, err := c.ExpiredRecords(ctx)
	if err != nil {
		result.add(Finding{Category: "backend", Description: fmt.Sprintf("cannot count expired records: %v", err), Severity: SeverityError})
		return false
	}
	if n == 0 {
		return false
	}
	result.add(Finding{
		Category:    "expired",
		Description: fmt.Sprintf("%d expired record(s) not yet swept", n),
		Severity:    SeverityInfo,
	})
	return true
}

func (d *Doctor) checkOrphanTmp(result *Result) bool {
	s, ok := d.store.(tempScanner)
	if !ok {
		return false
	}
	files, err := s.OrphanTempFiles()
	if err != nil {
		result.add(Finding{Category: "tmp", Description: fmt.Sprintf("cannot scan temp files: %v", err), Severity: SeverityWarning})
		return false
	}
	for _, f := range files {
		result.add(Finding{
			Category:    "tmp",
			Description: "orphan temp file",
			Severity:    SeverityInfo,
			Path:        f,
		})
	}
	return len(files) > 0
}

// checkSessions returns the live sessions by ID.
func (d *Doctor) checkSessions(ctx context.Context, result *Result) map[string]*model.Session {
	sessions := map[string]*model.Session{}
	recs, err := d.store.List(ctx, model.SessionKeyPrefix)
	if err != nil {
		result.add(Finding{Category: "session", Description: fmt.Sprintf("cannot list sessions: %v", err), Severity: SeverityError})
		return sessions
	}

	thresholds := staleness.DefaultThresholds()
	if d.opts.Config != nil {
		thresholds = staleness.FromConfig(d.opts.Config.Sessions)
	}
	now := d.now()
	for _, rec := range recs {
		var s model.Session
		if err := rec.Decode(&s); err != nil {
			result.add(Finding{Category: "session", Description: fmt.Sprintf("unreadable session record: %v", err), Severity: SeverityWarning, Key: rec.Key})
			continue
		}
		sessions[s.ID] = &s

		if s.WorktreePath != "" {
			if _, err := os.Stat(s.WorktreePath); errors.Is(err, os.ErrNotExist) {
				result.add(Finding{
					Category:    "session",
					Description: fmt.Sprintf("session %s points at a worktree that no longer exists", s.ID),
					Severity:    SeverityWarning,
					Path:        s.WorktreePath,
				})
			}
		}
		if thresholds.Of(&s, now) == model.TierAbandoned {
			result.add(Finding{
				Category:    "session",
				Description: fmt.Sprintf("session %s is abandoned and will be reclaimed by the next status", s.ID),
				Severity:    SeverityInfo,
				Key:         rec.Key,
			})
		}
	}
	return sessions
}

func (d *Doctor) checkLockHolders(ctx context.Context, result *Result, sessions map[string]*model.Session) {
	recs, err := d.store.List(ctx, model.LockKeyPrefix)
	if err != nil {
		result.add(Finding{Category: "lock", Description: fmt.Sprintf("cannot list locks: %v", err), Severity: SeverityError})
		return
	}
	for _, rec := range recs {
		if _, ok := sessions[rec.Holder]; ok {
			continue
		}
		result.add(Finding{
			Category: "lock",
			Description: fmt.Sprintf("lock %s is held by unknown session %s until %s",
				model.LockNameFromKey(rec.Key), rec.Holder, rec.ExpiresAt.Format(time.RFC3339)),
			Severity: SeverityWarning,
			Key:      rec.Key,
		})
	}
}

func (d *Doctor) checkClaimOwners(ctx context.Context, result *Result, sessions map[string]*model.Session) {
	recs, err := d.store.List(ctx, model.ClaimKeyPrefix)
	if err != nil {
		result.add(Finding{Category: "claim", Description: fmt.Sprintf("cannot list claims: %v", err), Severity: SeverityError})
		return
	}
	for _, rec := range recs {
		if _, ok := sessions[rec.Holder]; ok {
			continue
		}
		result.add(Finding{
			Category:    "claim",
			Description: fmt.Sprintf("claim %s is owned by unknown session %s and can be taken over", rec.Key, rec.Holder),
			Severity:    SeverityWarning,
			Key:         rec.Key,
		})
	}
}

func (d *Doctor) checkAudit(result *Result) {
	if d.opts.AuditPath == "" {
		return
	}
	if _, err := audit.NewFileAppender(d.opts.AuditPath).Verify(); err != nil {
		result.add(Finding{
			Category:    "audit",
			Description: err.Error(),
			Severity:    SeverityCritical,
			Path:        d.opts.AuditPath,
		})
	}
}
