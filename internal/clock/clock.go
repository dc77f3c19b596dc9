// Package clock abstracts the time source so every timer in the engine
// (reconnect backoff, typing debounce, TTL sweeps) can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the engine schedules work with.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d elapses. The returned Timer can cancel it.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop cancels the pending call. Returns false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the call to fire d from now.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Ticker delivers periodic ticks on C. The channel has capacity 1; late
// consumers miss ticks instead of queueing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }
