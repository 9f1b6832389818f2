package staleness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jvs-project/agentlock/pkg/model"
)

func TestClassify_Defaults(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		age  time.Duration
		want model.Tier
	}{
		{-time.Minute, model.TierActive},
		{0, model.TierActive},
		{30 * time.Second, model.TierActive},
		{5*time.Minute - time.Nanosecond, model.TierActive},
		{5 * time.Minute, model.TierIdle},
		{59 * time.Minute, model.TierIdle},
		{time.Hour, model.TierStale},
		{90 * time.Minute, model.TierStale},
		{2 * time.Hour, model.TierStale},
		{4 * time.Hour, model.TierStale},
		{23 * time.Hour, model.TierStale},
		{24*time.Hour - time.Nanosecond, model.TierStale},
		{24 * time.Hour, model.TierAbandoned},
		{25 * time.Hour, model.TierAbandoned},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(tt.age))
		})
	}
}

func TestClassify_Custom(t *testing.T) {
	th := Thresholds{IdleAfter: time.Second, StaleAfter: 2 * time.Second, AbandonedAfter: 3 * time.Second}
	assert.Equal(t, model.TierIdle, th.Classify(time.Second))
	assert.Equal(t, model.TierStale, th.Classify(2500*time.Millisecond))
	assert.Equal(t, model.TierAbandoned, th.Classify(3*time.Second))
}

func TestOf(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &model.Session{LastHeartbeatAt: now.Add(-90 * time.Minute)}
	assert.Equal(t, model.TierStale, DefaultThresholds().Of(s, now))
}
