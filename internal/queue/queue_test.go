// ABOUTME: Tests for the escalation queue
// ABOUTME: Verifies single-entry invariant and priority/FIFO selection order

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/store"
)

func item(conversationID string, priority int, startTime time.Time) *store.QueueItem {
	return &store.QueueItem{
		ConversationID: conversationID,
		PhoneNumberID:  "15550001111",
		FromNumber:     "15552223333",
		StartTime:      startTime,
		Priority:       priority,
	}
}

func TestQueue_Enqueue_SecondEntryRejected(t *testing.T) {
	q := New(nil)
	now := time.Now()

	assert.True(t, q.Enqueue(item("c1", 0, now)))
	assert.False(t, q.Enqueue(item("c1", 5, now)), "one live entry per conversation")
	assert.Equal(t, 1, q.Len())

	// The original entry wins; the duplicate must not mutate it
	got, ok := q.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 0, got.Priority)
}

func TestQueue_Next_PriorityBeatsArrival(t *testing.T) {
	q := New(nil)
	base := time.Now()

	q.Enqueue(item("c1", 0, base))
	q.Enqueue(item("c2", 5, base.Add(time.Second)))

	next := q.Next()
	require.NotNil(t, next)
	assert.Equal(t, "c2", next.ConversationID, "priority wins despite later arrival")
}

func TestQueue_Next_FIFOWithinPriorityBand(t *testing.T) {
	q := New(nil)
	base := time.Now()

	q.Enqueue(item("c-late", 3, base.Add(time.Minute)))
	q.Enqueue(item("c-early", 3, base))

	next := q.Next()
	require.NotNil(t, next)
	assert.Equal(t, "c-early", next.ConversationID)
}

func TestQueue_Next_Empty(t *testing.T) {
	q := New(nil)
	assert.Nil(t, q.Next())
}

func TestQueue_Remove(t *testing.T) {
	q := New(nil)
	q.Enqueue(item("c1", 0, time.Now()))

	assert.True(t, q.Remove("c1"))
	assert.False(t, q.Remove("c1"), "second removal is a no-op")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Snapshot_AssignmentOrder(t *testing.T) {
	q := New(nil)
	base := time.Now()

	q.Enqueue(item("c-low", 0, base))
	q.Enqueue(item("c-high-late", 5, base.Add(time.Second)))
	q.Enqueue(item("c-high-early", 5, base))

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "c-high-early", snap[0].ConversationID)
	assert.Equal(t, "c-high-late", snap[1].ConversationID)
	assert.Equal(t, "c-low", snap[2].ConversationID)
}

func TestQueue_Rehydrate(t *testing.T) {
	q := New(nil)
	base := time.Now()
	q.Enqueue(item("stale", 0, base))

	q.Rehydrate([]*store.QueueItem{
		item("c1", 1, base),
		item("c2", 2, base),
	})

	assert.Equal(t, 2, q.Len())
	_, ok := q.Get("stale")
	assert.False(t, ok)

	next := q.Next()
	require.NotNil(t, next)
	assert.Equal(t, "c2", next.ConversationID)
}

func TestQueue_CopiesAreIsolated(t *testing.T) {
	q := New(nil)
	src := item("c1", 1, time.Now())
	q.Enqueue(src)

	src.Priority = 99
	got, ok := q.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 1, got.Priority)

	got.Priority = 42
	again, _ := q.Get("c1")
	assert.Equal(t, 1, again.Priority)
}
