// Package staleness classifies sessions by heartbeat age. It is the only
// place tier boundaries are defined.
//
// The defaults follow the session model, where a session is Abandoned only
// after more than 24h without a heartbeat: Active under 5m, Idle under 1h,
// Stale under 24h, Abandoned from 24h on. Heartbeat ages between 4h and 24h
// are therefore Stale.
package staleness

import (
	"time"

	"github.com/jvs-project/agentlock/pkg/config"
	"github.com/jvs-project/agentlock/pkg/model"
)

// Thresholds are the lower bounds of the Idle, Stale and Abandoned tiers.
type Thresholds struct {
	IdleAfter      time.Duration
	StaleAfter     time.Duration
	AbandonedAfter time.Duration
}

// DefaultThresholds returns the built-in tier boundaries.
func DefaultThresholds() Thresholds {
	return FromConfig(config.Default().Sessions)
}

// FromConfig builds thresholds from the sessions config section.
func FromConfig(c config.SessionsConfig) Thresholds {
	return Thresholds{
		IdleAfter:      c.IdleAfter,
		StaleAfter:     c.StaleAfter,
		AbandonedAfter: c.AbandonedAfter,
	}
}

// Classify maps a heartbeat age to a tier. A negative age, from clock skew
// between hosts, counts as Active.
func (t Thresholds) Classify(age time.Duration) model.Tier {
	switch {
	case age < t.IdleAfter:
		return model.TierActive
	case age < t.StaleAfter:
		return model.TierIdle
	case age < t.AbandonedAfter:
		return model.TierStale
	default:
		return model.TierAbandoned
	}
}

// Of returns the tier of s at now.
func (t Thresholds) Of(s *model.Session, now time.Time) model.Tier {
	return t.Classify(s.HeartbeatAge(now))
}
