package model

import "time"

// Claim associates one session with one tracked work item. Stored under
// ClaimKey(RepoID, Issue).
type Claim struct {
	RepoID    string    `json:"repo_id"`
	Issue     int       `json:"issue"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Ref returns the issue reference of the claim.
func (c *Claim) Ref() IssueRef {
	return IssueRef{RepoID: c.RepoID, Issue: c.Issue}
}

// ClaimInfo is a claim annotated with its owner's tier.
type ClaimInfo struct {
	Claim *Claim `json:"claim"`
	Tier  Tier   `json:"tier"`
}
