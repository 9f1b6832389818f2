package model

import "time"

// LockRecord is the payload stored under LockKey(name).
type LockRecord struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Worktree   string    `json:"worktree,omitempty"`
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the time left on the lease, never negative.
func (l *LockRecord) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// LockState is the observable state of a named lock.
type LockState string

const (
	LockStateFree LockState = "free"
	LockStateHeld LockState = "held"
)

// LockInfo is a lock annotated for listing.
type LockInfo struct {
	Lock             *LockRecord `json:"lock"`
	RemainingSeconds int         `json:"remaining_seconds"`
}
