// ABOUTME: Per-conversation staged timeout timers plus the periodic inactivity sweep.
// ABOUTME: Stage 1 nudges the waiting user; stage 2 redirects the conversation back to the bot.

package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// retryInitialDelay is the first re-arm delay after a failed stage firing.
	retryInitialDelay = 2 * time.Second
	// retryMaxDelay caps the exponential re-arm backoff.
	retryMaxDelay = time.Minute
)

// Stage identifies which step of the timeout chain fired.
type Stage int

const (
	StageWaiting  Stage = 1 // send the waiting message
	StageRedirect Stage = 2 // send the redirect message and hand back to the bot
)

// FireFunc handles a stage firing for a conversation. A returned error means
// the obligation was not discharged (typically a persistence failure); the
// scheduler re-arms the stage with exponential backoff rather than dropping it.
type FireFunc func(conversationID string, stage Stage) error

// Scheduler owns at most one timer chain per waiting/assigned conversation.
// Both stages are armed together when the conversation enters the escalation
// path: stage 1 at responseTimeout, stage 2 at responseTimeout times the
// redirect multiplier, both counted from entry (cumulative, not restarted at
// stage 1).
type Scheduler struct {
	clock           Clock
	responseTimeout time.Duration
	multiplier      int
	fire            FireFunc
	logger          *slog.Logger

	mu     sync.Mutex
	chains map[string]*chain
	gen    uint64
	sweep  Timer
	closed bool
}

// chain tracks the live timers of one conversation. gen guards against a
// stale timer firing after the chain was cancelled and re-armed.
type chain struct {
	gen    uint64
	stage1 Timer
	stage2 Timer
}

// New creates a Scheduler. fire is invoked from timer goroutines; it must be
// safe for concurrent use.
func New(clock Clock, responseTimeout time.Duration, multiplier int, fire FireFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:           clock,
		responseTimeout: responseTimeout,
		multiplier:      multiplier,
		fire:            fire,
		logger:          logger.With("component", "scheduler"),
		chains:          make(map[string]*chain),
	}
}

// Arm starts (or restarts) the two-stage timer chain for a conversation.
// Any previous chain for the conversation is cancelled first.
func (s *Scheduler) Arm(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, ok := s.chains[conversationID]; ok {
		old.stop()
	}

	s.gen++
	c := &chain{gen: s.gen}
	gen := c.gen
	c.stage1 = s.clock.Schedule(s.responseTimeout, func() {
		s.fireStage(conversationID, gen, StageWaiting, retryInitialDelay)
	})
	c.stage2 = s.clock.Schedule(s.responseTimeout*time.Duration(s.multiplier), func() {
		s.fireStage(conversationID, gen, StageRedirect, retryInitialDelay)
	})
	s.chains[conversationID] = c

	s.logger.Debug("timer chain armed",
		"conversation_id", conversationID,
		"stage1", s.responseTimeout,
		"stage2", s.responseTimeout*time.Duration(s.multiplier),
	)
}

// Cancel stops a conversation's timer chain. Cancelling an absent or
// already-fired chain is a no-op; the lifecycle's status checks make a firing
// that raced a cancellation harmless.
func (s *Scheduler) Cancel(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[conversationID]
	if !ok {
		return
	}
	c.stop()
	delete(s.chains, conversationID)

	s.logger.Debug("timer chain cancelled", "conversation_id", conversationID)
}

// fireStage runs one stage callback, re-arming with backoff if it fails.
func (s *Scheduler) fireStage(conversationID string, gen uint64, stage Stage, backoff time.Duration) {
	s.mu.Lock()
	c, ok := s.chains[conversationID]
	if !ok || c.gen != gen {
		// Chain was cancelled or replaced since this timer was scheduled
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.fire(conversationID, stage)
	if err == nil {
		return
	}

	s.logger.Warn("stage firing failed, re-arming",
		"conversation_id", conversationID,
		"stage", int(stage),
		"retry_in", backoff,
		"error", err,
	)

	next := backoff * 2
	if next > retryMaxDelay {
		next = retryMaxDelay
	}
	retry := s.clock.Schedule(backoff, func() {
		s.fireStage(conversationID, gen, stage, next)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok = s.chains[conversationID]
	if !ok || c.gen != gen || s.closed {
		retry.Stop()
		return
	}
	if stage == StageWaiting {
		c.stage1 = retry
	} else {
		c.stage2 = retry
	}
}

// StartSweep begins the periodic inactivity sweep. fn runs once per interval
// until Close is called. The sweep is a coarse safety net independent of the
// per-conversation chains, so timers lost to a restart still get cleaned up.
func (s *Scheduler) StartSweep(interval time.Duration, fn func()) {
	var tick func()
	tick = func() {
		fn()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.sweep = s.clock.Schedule(interval, tick)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sweep = s.clock.Schedule(interval, tick)

	s.logger.Info("inactivity sweep started", "interval", interval)
}

// Armed reports whether a conversation currently has a live timer chain.
func (s *Scheduler) Armed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chains[conversationID]
	return ok
}

// Close stops all timers and the sweep. Safe to call multiple times.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, c := range s.chains {
		c.stop()
	}
	s.chains = make(map[string]*chain)
	if s.sweep != nil {
		s.sweep.Stop()
	}
}

func (c *chain) stop() {
	if c.stage1 != nil {
		c.stage1.Stop()
	}
	if c.stage2 != nil {
		c.stage2.Stop()
	}
}
