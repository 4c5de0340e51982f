// Package clock abstracts wall time so period boundaries and poll loops can
// be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package the daemon uses
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks at a fixed interval
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Mock is a manually advanced clock. Timers and tickers fire from Advance.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	tickers []*mockTicker
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewMock returns a mock clock reading t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Set jumps the clock to t without firing anything.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d, firing every waiter and ticker that
// came due. Ticks are dropped if the receiver is not keeping up, as with
// time.Ticker.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	pending := m.waiters[:0]
	var due []*waiter
	for _, w := range m.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			pending = append(pending, w)
		}
	}
	m.waiters = pending
	tickers := append([]*mockTicker(nil), m.tickers...)
	m.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
	for _, t := range tickers {
		t.fire(now)
	}
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &waiter{at: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.waiters = append(m.waiters, w)
	return w.ch
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTicker{clock: m, period: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

type mockTicker struct {
	clock  *Mock
	period time.Duration
	mu     sync.Mutex
	next   time.Time
	ch     chan time.Time
	done   bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.period <= 0 {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.period)
	}
}

func (t *mockTicker) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()

	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.tickers {
		if other == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			break
		}
	}
}
