package agentlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jvs-project/agentlock/internal/audit"
	"github.com/jvs-project/agentlock/internal/claim"
	"github.com/jvs-project/agentlock/internal/doctor"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/internal/repo"
	"github.com/jvs-project/agentlock/internal/session"
	"github.com/jvs-project/agentlock/internal/staleness"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/logging"
	"github.com/jvs-project/agentlock/pkg/metrics"
	"github.com/jvs-project/agentlock/pkg/model"
	"github.com/jvs-project/agentlock/pkg/template"
	"github.com/jvs-project/agentlock/pkg/webhook"
)

// EnvSession names the session a process acts as, overriding the
// worktree's session file.
const EnvSession = "AGENTLOCK_SESSION"

// Outcome payloads, for errors.As on results of Locks() and Claims().
type (
	HeldError     = lock.HeldError
	ConflictError = claim.ConflictError
)

// Options configures Open.
type Options struct {
	Dir       string     // Directory inside the checkout; defaults to the working directory
	Repo      *repo.Repo // Skips git discovery when set
	SessionID string     // Session to act as; defaults to $AGENTLOCK_SESSION, then the session file
	Config    *config.Config
	Logger    *logging.Logger
	Metrics   *metrics.Registry
	LookupEnv func(string) (string, bool) // defaults to os.LookupEnv
	Now       func() time.Time
}

// Client wires the store, audit log, webhooks and metrics of one
// repository and hands out the lock, session and claim components.
type Client struct {
	repo    *repo.Repo
	cfg     *config.Config
	store   store.Store
	log     *logging.Logger
	audit   *audit.FileAppender
	hooks   *webhook.Client
	metrics *metrics.Registry
	now     func() time.Time

	sessionID string
}

// Open discovers the repository, loads its configuration and opens the
// configured backend.
func Open(ctx context.Context, opts Options) (*Client, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := opts.Repo
	if r == nil {
		dir := opts.Dir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("agentlock open: %w", err)
			}
			dir = wd
		}
		var err error
		r, err = repo.Discover(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("agentlock open: %w", err)
		}
	}

	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(r.StateDir())
		if err != nil {
			return nil, err
		}
		if err := loaded.ApplyEnv(lookup); err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logging.NewLogger(logging.ParseLevel(cfg.Logging.Level))
		log.SetFormat(logging.Format(cfg.Logging.Format))
	}

	reg := opts.Metrics
	if reg == nil && cfg.Metrics.Textfile != "" {
		reg = metrics.NewRegistry()
		if err := reg.LoadTextfile(cfg.Metrics.Textfile); err != nil {
			log.Warn("ignoring unreadable metrics textfile", map[string]any{
				"path":  cfg.Metrics.Textfile,
				"error": err.Error(),
			})
		}
	}

	st, err := store.Open(cfg.Backend.Type, cfg.BackendPath(r.StateDir()), store.Options{
		Now:         now,
		Namespace:   cfg.Backend.Namespace,
		KubeContext: cfg.Backend.Context,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		repo:    r,
		cfg:     cfg,
		store:   st,
		log:     log,
		audit:   audit.NewFileAppender(r.AuditPath()).WithClock(now),
		hooks:   webhook.NewClient(cfg.Webhooks),
		metrics: reg,
		now:     now,
	}
	if err := c.resolveSession(opts.SessionID, lookup); err != nil {
		st.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) resolveSession(explicit string, lookup func(string) (string, bool)) error {
	if explicit != "" {
		c.sessionID = explicit
		return nil
	}
	if v, ok := lookup(EnvSession); ok && v != "" {
		c.sessionID = v
		return nil
	}
	cur, err := repo.LoadSession(c.repo.SessionFile())
	if err != nil {
		return err
	}
	if cur != nil {
		c.sessionID = cur.SessionID
	}
	return nil
}

// Repo returns the repository the client operates on.
func (c *Client) Repo() *repo.Repo { return c.repo }

// Config returns the effective configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Logger returns the client's logger.
func (c *Client) Logger() *logging.Logger { return c.log }

// Now returns the current time on the client's clock.
func (c *Client) Now() time.Time { return c.now() }

// SessionID returns the session the client acts as, or "".
func (c *Client) SessionID() string { return c.sessionID }

// Audit returns the audit log of privileged operations.
func (c *Client) Audit() *audit.FileAppender { return c.audit }

// Store returns the backend the client operates on.
func (c *Client) Store() store.Store { return c.store }

// Locks returns a lock manager acting as the current session.
func (c *Client) Locks() *lock.Manager {
	return lock.NewManager(c.store, lock.Options{
		Holder:     c.sessionID,
		Branch:     c.repo.Branch,
		Worktree:   c.repo.Root,
		RepoID:     c.repo.RepoID,
		DefaultTTL: c.cfg.Locks.DefaultTTL,
		Now:        c.now,
		Logger:     c.log,
		Audit:      c.audit,
		Webhooks:   c.hooks,
		Metrics:    c.metrics,
	})
}

// Sessions returns the session registry.
func (c *Client) Sessions() *session.Registry {
	return session.NewRegistry(c.store, session.Options{
		HeartbeatTTL: c.cfg.Sessions.HeartbeatTTL,
		Thresholds:   staleness.FromConfig(c.cfg.Sessions),
		Actor:        c.sessionID,
		Now:          c.now,
		Logger:       c.log,
		Audit:        c.audit,
		Webhooks:     c.hooks,
		Metrics:      c.metrics,
	})
}

// Claims returns the claim resolver.
func (c *Client) Claims() *claim.Resolver {
	return claim.NewResolver(c.store, c.Sessions(), claim.Options{
		RepoID:   c.repo.RepoID,
		Now:      c.now,
		Logger:   c.log,
		Audit:    c.audit,
		Webhooks: c.hooks,
		Metrics:  c.metrics,
	})
}

// Doctor returns a health checker for the backend and audit log.
func (c *Client) Doctor() *doctor.Doctor {
	return doctor.NewDoctor(c.store, doctor.Options{
		Config:    c.cfg,
		AuditPath: c.audit.Path(),
		Now:       c.now,
	})
}

// RequireSession returns the current session ID or E_SESSION_NOT_FOUND.
func (c *Client) RequireSession() (string, error) {
	if c.sessionID == "" {
		return "", errclass.ErrSessionNotFound.WithMessage(
			"no session registered in this worktree (run 'agentlock session register')")
	}
	return c.sessionID, nil
}

// Register creates a session for this worktree, makes it current and
// records it in the worktree's session file. label (or the configured
// sessions.label template when empty) may use {repo}, {branch}, {worktree}
// and the built-in placeholders of package template.
func (c *Client) Register(ctx context.Context, label string) (*model.Session, error) {
	if label == "" {
		label = c.cfg.Sessions.LabelTemplate
	}
	label = template.Expand(label, map[string]string{
		"repo":     c.repo.RepoID,
		"branch":   c.repo.Branch,
		"worktree": filepath.Base(c.repo.Root),
	})
	s, err := c.Sessions().Register(ctx, model.SessionMetadata{
		RepoID:       c.repo.RepoID,
		WorktreePath: c.repo.Root,
		Branch:       c.repo.Branch,
		PID:          os.Getpid(),
		Label:        label,
	})
	if err != nil {
		return nil, err
	}
	c.sessionID = s.ID
	err = repo.SaveSession(c.repo.SessionFile(), &repo.CurrentSession{
		SessionID:    s.ID,
		RepoID:       s.RepoID,
		RegisteredAt: s.CreatedAt,
	})
	if err != nil {
		c.log.Warn("session registered but session file not written", map[string]any{
			"session": s.ID,
			"error":   err.Error(),
		})
	}
	return s, nil
}

// EnsureSession returns the current session, registering a new one when
// there is none or the current one has been reclaimed. created reports
// whether a registration happened.
func (c *Client) EnsureSession(ctx context.Context) (s *model.Session, created bool, err error) {
	if c.sessionID != "" {
		s, err = c.Sessions().Get(ctx, c.sessionID)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, errclass.ErrSessionNotFound) {
			return nil, false, err
		}
		c.log.Info("current session no longer registered; registering a new one", map[string]any{
			"session": c.sessionID,
		})
	}
	s, err = c.Register(ctx, "")
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Unregister removes the current session, releasing its locks and claims,
// and forgets it in the session file.
func (c *Client) Unregister(ctx context.Context) (*model.SessionStatus, error) {
	id, err := c.RequireSession()
	if err != nil {
		return nil, err
	}
	st, err := c.Sessions().Unregister(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.forgetSession(id); err != nil {
		return st, err
	}
	c.sessionID = ""
	return st, nil
}

// forgetSession clears the session file if it still names id.
func (c *Client) forgetSession(id string) error {
	cur, err := repo.LoadSession(c.repo.SessionFile())
	if err != nil || cur == nil || cur.SessionID != id {
		return err
	}
	return repo.ClearSession(c.repo.SessionFile())
}

// Close writes the metrics textfile, if configured, and closes the backend.
func (c *Client) Close() error {
	var errs []error
	if c.metrics != nil && c.cfg.Metrics.Textfile != "" {
		if err := c.metrics.WriteTextfile(c.cfg.Metrics.Textfile); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
