package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order; a callback must not call
// Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	callback func()         // AfterFunc
	ch       chan time.Time // Ticker
	interval time.Duration  // Ticker
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.deadline = c.now.Add(d)
			w.stopped = false
			w.fired = false
			if !active {
				c.waiters = append(c.waiters, w)
			}
			return active
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires everything due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// Pending returns the number of timers and tickers that have not fired or
// been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped || w.fired:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			remaining = append(remaining, w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = remaining
	return due
}
