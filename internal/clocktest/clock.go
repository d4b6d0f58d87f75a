// Package clocktest provides a manually advanced clock for timer tests.
package clocktest

import (
	"sync"
	"time"
)

type ticker struct {
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

// Clock only moves when Advance is called. Tickers fire once per elapsed period;
// a tick whose receiver is not ready is dropped, like time.Ticker.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*ticker
}

// New returns a Clock starting at a fixed instant.
func New() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTicker registers a ticker with period d.
func (c *Clock) NewTicker(d time.Duration) (<-chan time.Time, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &ticker{period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t.ch, func() {
		c.mu.Lock()
		t.stopped = true
		c.mu.Unlock()
	}
}

// Advance moves time forward by d and fires every live ticker that came due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*ticker
	for _, t := range c.tickers {
		if t.stopped || t.period <= 0 {
			continue
		}
		if !t.next.After(now) {
			due = append(due, t)
			for !t.next.After(now) {
				t.next = t.next.Add(t.period)
			}
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// Live counts tickers that have not been stopped.
func (c *Clock) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}
