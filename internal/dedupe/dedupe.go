// ABOUTME: TTL-based suppression of already-processed channel message IDs.
// ABOUTME: The webhook consults this before handing a message to the lifecycle.

package dedupe

import (
	"sync"
	"time"
)

type entry struct {
	id        string
	expiresAt time.Time
}

// Suppressor remembers channel message IDs for a fixed TTL so webhook
// redeliveries are dropped instead of reprocessed. Every entry shares the
// same TTL, so insertion order doubles as expiry order and expired entries
// are pruned from the front of a queue on each call.
type Suppressor struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	queue   []entry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a suppressor holding at most maxSize IDs for ttl each.
func New(ttl time.Duration, maxSize int) *Suppressor {
	return &Suppressor{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether id was already recorded within the TTL, recording it
// if not. The check and the record are a single atomic step.
func (s *Suppressor) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if exp, ok := s.seen[id]; ok && now.Before(exp) {
		return true
	}

	if len(s.queue) >= s.maxSize {
		s.dropOldestLocked()
	}
	exp := now.Add(s.ttl)
	s.seen[id] = exp
	s.queue = append(s.queue, entry{id: id, expiresAt: exp})
	return false
}

// Forget releases id so a later delivery is processed again. The caller uses
// this when handling the message failed after Seen recorded it; the stale
// queue entry is skipped by the generation check when it expires.
func (s *Suppressor) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
}

// Len returns the number of live entries.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.seen)
}

func (s *Suppressor) pruneLocked(now time.Time) {
	for len(s.queue) > 0 && !now.Before(s.queue[0].expiresAt) {
		s.dropOldestLocked()
	}
}

func (s *Suppressor) dropOldestLocked() {
	oldest := s.queue[0]
	s.queue = s.queue[1:]
	// Only delete if the map still points at this generation of the ID;
	// a re-recorded ID has a newer expiry and its own queue entry.
	if exp, ok := s.seen[oldest.id]; ok && exp.Equal(oldest.expiresAt) {
		delete(s.seen, oldest.id)
	}
}
