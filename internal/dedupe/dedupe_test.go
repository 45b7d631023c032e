// ABOUTME: Tests for the message ID suppressor.
// ABOUTME: Covers TTL expiry, capacity eviction, and atomic check-and-record.

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuppressor_FirstSeenRecords(t *testing.T) {
	s := New(time.Minute, 100)

	assert.False(t, s.Seen("wamid.1"))
	assert.True(t, s.Seen("wamid.1"))
	assert.False(t, s.Seen("wamid.2"))
	assert.Equal(t, 2, s.Len())
}

func TestSuppressor_ExpiryAllowsReprocessing(t *testing.T) {
	s := New(time.Minute, 100)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.False(t, s.Seen("wamid.1"))

	now = now.Add(59 * time.Second)
	assert.True(t, s.Seen("wamid.1"))

	now = now.Add(2 * time.Second)
	assert.False(t, s.Seen("wamid.1"))
	assert.Equal(t, 1, s.Len())
}

func TestSuppressor_CapacityEvictsOldest(t *testing.T) {
	s := New(time.Hour, 2)

	assert.False(t, s.Seen("a"))
	assert.False(t, s.Seen("b"))
	assert.False(t, s.Seen("c")) // evicts a

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Seen("a")) // evicts b, a is fresh again
	assert.True(t, s.Seen("c"))
}

func TestSuppressor_ForgetAllowsRedelivery(t *testing.T) {
	s := New(time.Minute, 100)

	assert.False(t, s.Seen("wamid.1"))
	s.Forget("wamid.1")

	assert.False(t, s.Seen("wamid.1"))
	assert.True(t, s.Seen("wamid.1"))
}

func TestSuppressor_ForgetSurvivesStaleQueueEntry(t *testing.T) {
	s := New(time.Minute, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Seen("a")
	s.Forget("a")

	now = now.Add(time.Second)
	assert.False(t, s.Seen("a"))

	// The first generation's queue entry expires without touching the
	// re-recorded ID.
	now = now.Add(59 * time.Second)
	assert.True(t, s.Seen("a"))
}

func TestSuppressor_PruneDropsExpiredBeforeEviction(t *testing.T) {
	s := New(time.Minute, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Seen("a")
	s.Seen("b")

	now = now.Add(2 * time.Minute)
	assert.False(t, s.Seen("c"))
	assert.Equal(t, 1, s.Len())
}
