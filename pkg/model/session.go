package model

import "time"

// SessionState distinguishes an agent that is working from one that is
// waiting for its next instruction. It does not affect the tier.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionPaused SessionState = "paused"
)

// IssueRef points at a tracked work item.
type IssueRef struct {
	RepoID string `json:"repo_id"`
	Issue  int    `json:"issue"`
}

// Session is the registered identity of one running agent process,
// stored under SessionKey(ID).
type Session struct {
	ID              string       `json:"session_id"`
	RepoID          string       `json:"repo_id"`
	WorktreePath    string       `json:"worktree_path"`
	Branch          string       `json:"branch,omitempty"`
	Host            string       `json:"host,omitempty"`
	PID             int          `json:"pid,omitempty"`
	Label           string       `json:"label,omitempty"`
	State           SessionState `json:"state"`
	Claim           *IssueRef    `json:"claim,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// HeartbeatAge returns how long ago the session last heartbeated.
func (s *Session) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeatAt)
}

// SessionMetadata is supplied on registration.
type SessionMetadata struct {
	RepoID       string `json:"repo_id"`
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch,omitempty"`
	Host         string `json:"host,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Label        string `json:"label,omitempty"`
}

// SessionStatus is one row of a status report.
type SessionStatus struct {
	Session   *Session `json:"session"`
	Tier      Tier     `json:"tier"`
	Reclaimed bool     `json:"reclaimed,omitempty"`
	// ReleasedLocks lists the locks freed when the session was reclaimed.
	ReleasedLocks []string `json:"released_locks,omitempty"`
	// ReleasedClaims lists the issues freed when the session was reclaimed.
	ReleasedClaims []int `json:"released_claims,omitempty"`
}
