package cli

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jvs-project/agentlock/internal/claim"
	"github.com/jvs-project/agentlock/internal/lock"
	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/model"
)

func TestHintFor(t *testing.T) {
	t.Run("held lock points at status", func(t *testing.T) {
		err := &lock.HeldError{Lock: &model.LockRecord{Name: "pytest-widgets", Holder: "a"}}
		assert.Contains(t, hintFor(err), "lock status pytest-widgets")
	})

	t.Run("conflict names the tier", func(t *testing.T) {
		err := &claim.ConflictError{Claim: &model.Claim{RepoID: "r", Issue: 1}, Tier: model.TierIdle}
		assert.Contains(t, hintFor(err), "idle")
	})

	t.Run("missing session suggests register", func(t *testing.T) {
		err := fmt.Errorf("pause: %w", errclass.ErrSessionNotFound.WithMessage("gone"))
		assert.Contains(t, hintFor(err), "session register")
	})

	t.Run("not owned mentions force-release", func(t *testing.T) {
		assert.Contains(t, hintFor(errclass.ErrLockNotOwned), "force-release")
	})

	t.Run("backend suggests doctor", func(t *testing.T) {
		assert.Contains(t, hintFor(errclass.ErrBackendUnavailable), "doctor")
	})

	t.Run("plain errors have no hint", func(t *testing.T) {
		assert.Empty(t, hintFor(fmt.Errorf("boom")))
	})
}

func TestFilterAudit(t *testing.T) {
	records := []*model.AuditRecord{
		{EventType: model.EventLockForceReleased, Subject: "a"},
		{EventType: model.EventSessionReclaimed, Subject: "s"},
		{EventType: model.EventLockForceReleased, Subject: "b"},
		{EventType: model.EventLockForceReleased, Subject: "c"},
	}

	all := filterAudit(records, "", 0)
	assert.Len(t, all, 4)

	forced := filterAudit(records, model.EventLockForceReleased, 0)
	assert.Len(t, forced, 3)

	last := filterAudit(records, model.EventLockForceReleased, 2)
	if assert.Len(t, last, 2) {
		assert.Equal(t, "b", last[0].Subject)
		assert.Equal(t, "c", last[1].Subject)
	}
}
