package model

import (
	"strconv"
	"strings"
)

// Store key namespaces. Every record in the backend lives under one of these.
const (
	LockKeyPrefix    = "lock/"
	SessionKeyPrefix = "session/"
	ClaimKeyPrefix   = "claim/"
)

// LockKey returns the store key of a canonical lock name.
func LockKey(name string) string {
	return LockKeyPrefix + name
}

// SessionKey returns the store key of a session record.
func SessionKey(sessionID string) string {
	return SessionKeyPrefix + sessionID
}

// ClaimKey returns the store key of the claim on (repoID, issue).
func ClaimKey(repoID string, issue int) string {
	return ClaimRepoPrefix(repoID) + strconv.Itoa(issue)
}

// ClaimRepoPrefix returns the prefix shared by all claims of a repo.
func ClaimRepoPrefix(repoID string) string {
	return ClaimKeyPrefix + repoID + "/"
}

// LockNameFromKey strips the lock namespace from a store key.
func LockNameFromKey(key string) string {
	return strings.TrimPrefix(key, LockKeyPrefix)
}
