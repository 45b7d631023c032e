// ABOUTME: In-memory escalation queue of conversations waiting for a human agent.
// ABOUTME: One live entry per conversation; selection is priority-desc then FIFO within a band.

package queue

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/handoff-gateway/internal/store"
)

// Queue holds the waiting conversations. It is a projection of the persisted
// queue_items table and is rebuilt from the store on startup. All methods are
// safe for concurrent use; cross-entry match cycles are serialized by the
// lifecycle coordinator's match lock, not here.
type Queue struct {
	items  map[string]*store.QueueItem
	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates an empty Queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:  make(map[string]*store.QueueItem),
		logger: logger.With("component", "queue"),
	}
}

// Rehydrate replaces the queue contents with persisted entries.
func (q *Queue) Rehydrate(items []*store.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*store.QueueItem, len(items))
	for _, item := range items {
		copied := *item
		q.items[copied.ConversationID] = &copied
	}
	q.logger.Info("queue rehydrated", "entries", len(q.items))
}

// Enqueue adds a waiting conversation. Returns false if the conversation
// already has a live entry, which makes re-delivered escalation events
// harmless.
func (q *Queue) Enqueue(item *store.QueueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[item.ConversationID]; exists {
		return false
	}
	copied := *item
	q.items[copied.ConversationID] = &copied

	q.logger.Debug("enqueued",
		"conversation_id", copied.ConversationID,
		"priority", copied.Priority,
		"depth", len(q.items),
	)
	return true
}

// Remove deletes a conversation's entry. Returns false if no entry existed.
func (q *Queue) Remove(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[conversationID]; !exists {
		return false
	}
	delete(q.items, conversationID)

	q.logger.Debug("removed", "conversation_id", conversationID, "depth", len(q.items))
	return true
}

// Get returns a copy of a conversation's entry.
func (q *Queue) Get(conversationID string) (*store.QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[conversationID]
	if !ok {
		return nil, false
	}
	copied := *item
	return &copied, true
}

// Len returns the number of waiting conversations.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Next returns the entry that should be assigned first: highest priority,
// ties broken by earliest start time. Returns nil when the queue is empty.
// Low-priority entries can starve behind a steady high-priority stream; that
// is the intended policy.
func (q *Queue) Next() *store.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var best *store.QueueItem
	for _, item := range q.items {
		if best == nil || less(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil
	}
	copied := *best
	return &copied
}

// Snapshot returns all entries in assignment order.
func (q *Queue) Snapshot() []*store.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*store.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		copied := *item
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// less orders a before b in assignment order.
func less(a, b *store.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ConversationID < b.ConversationID
}
