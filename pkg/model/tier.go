package model

// Tier classifies how stale a session is, derived from its heartbeat age.
// It is never stored.
type Tier string

const (
	TierActive    Tier = "active"
	TierIdle      Tier = "idle"
	TierStale     Tier = "stale"
	TierAbandoned Tier = "abandoned"
)

// BlocksClaims reports whether an owner in this tier prevents another
// session from taking over its claim.
func (t Tier) BlocksClaims() bool {
	return t == TierActive || t == TierIdle
}
