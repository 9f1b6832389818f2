// Package webhook sends HTTP notifications for privileged coordination
// events: forced lock releases, claim overrides and session reclamation.
//
// agentlock commands are short-lived, so delivery is synchronous with a
// bounded number of retries instead of a background queue.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jvs-project/agentlock/pkg/model"
)

// EventType mirrors the audit event types that are worth notifying about.
type EventType = model.AuditEventType

// Event is the payload POSTed to each matching hook.
type Event struct {
	Event     EventType      `json:"event"`
	Timestamp string         `json:"timestamp"`
	RepoID    string         `json:"repo_id,omitempty"`
	Subject   string         `json:"subject"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HookConfig represents a single webhook target.
type HookConfig struct {
	URL      string      `yaml:"url" json:"url"`
	Secret   string      `yaml:"secret,omitempty" json:"-"`
	Events   []EventType `yaml:"events" json:"events"`
	Disabled bool        `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Config represents the webhook configuration.
type Config struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	Hooks      []HookConfig  `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		MaxRetries: 2,
		RetryDelay: time.Second,
		Timeout:    5 * time.Second,
	}
}

// Sender is what the engine components need from a notifier.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// Client delivers events to configured hooks. A nil *Client sends nothing.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a new webhook client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: timeout},
	}
}

// Send delivers event to all matching hooks and returns the last delivery
// error, if any. Every hook is attempted even if an earlier one fails.
func (c *Client) Send(ctx context.Context, event Event) error {
	if c == nil || !c.config.Enabled {
		return nil
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for _, hook := range c.config.Hooks {
		if hook.Disabled || !matchesEvent(hook, event.Event) {
			continue
		}
		if err := c.deliver(ctx, hook, event.Event, payload); err != nil {
			lastErr = fmt.Errorf("webhook %s: %w", hook.URL, err)
		}
	}
	return lastErr
}

func (c *Client) deliver(ctx context.Context, hook HookConfig, eventType EventType, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, err := c.createRequest(ctx, hook, eventType, payload)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return lastErr
}

func (c *Client) createRequest(ctx context.Context, hook HookConfig, eventType EventType, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentlock-webhook/1.0")
	req.Header.Set("X-Agentlock-Event", string(eventType))

	if hook.Secret != "" {
		req.Header.Set("X-Agentlock-Signature", Sign(payload, hook.Secret))
	}
	return req, nil
}

// Sign creates an HMAC-SHA256 signature for the payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
