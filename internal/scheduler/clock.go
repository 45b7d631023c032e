// ABOUTME: Clock abstraction over wall time and timer scheduling.
// ABOUTME: Lets the timeout machinery run against a fake clock in tests.

package scheduler

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if it already
	// fired or was stopped; stopping twice is harmless.
	Stop() bool
}

// Clock abstracts time so timeout behavior is testable without sleeping.
type Clock interface {
	Now() time.Time
	// Schedule runs fn on its own goroutine after delay unless the returned
	// Timer is stopped first.
	Schedule(delay time.Duration, fn func()) Timer
}

type realClock struct{}

// NewRealClock returns a Clock backed by the runtime timer wheel.
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Schedule(delay time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(delay, fn)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool {
	return r.t.Stop()
}
