package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKnownEventType(t *testing.T) {
	assert.True(t, KnownEventType(EventCheckoutCompleted))
	assert.True(t, KnownEventType(EventSubscriptionCancelled))
	assert.False(t, KnownEventType("charge.refunded"))
	assert.False(t, KnownEventType(""))
}

func TestEventOlderThan(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name    string
		event   Event
		lastSeq int64
		lastAt  time.Time
		want    bool
	}{
		{
			name:    "lower sequence is stale",
			event:   Event{Sequence: 3, OccurredAt: now},
			lastSeq: 5,
			lastAt:  now.Add(-time.Hour),
			want:    true,
		},
		{
			name:    "higher sequence is fresh",
			event:   Event{Sequence: 7, OccurredAt: now.Add(-time.Hour)},
			lastSeq: 5,
			lastAt:  now,
			want:    false,
		},
		{
			name:    "equal sequence applies in receipt order",
			event:   Event{Sequence: 5, OccurredAt: now},
			lastSeq: 5,
			lastAt:  now,
			want:    false,
		},
		{
			name:   "timestamp fallback when sequences missing",
			event:  Event{OccurredAt: now.Add(-time.Hour)},
			lastAt: now,
			want:   true,
		},
		{
			name:   "timestamp tie applies in receipt order",
			event:  Event{OccurredAt: now},
			lastAt: now,
			want:   false,
		},
		{
			name:  "missing timestamps never stale",
			event: Event{},
			want:  false,
		},
		{
			name:    "event sequence without applied sequence falls back to time",
			event:   Event{Sequence: 2, OccurredAt: now},
			lastSeq: 0,
			lastAt:  now.Add(time.Hour),
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.olderThan(tt.lastSeq, tt.lastAt))
		})
	}
}
