package clock

import (
	"sync"
	"time"
)

// Clock is the single time source for the scanner, reminder scheduler and
// SOS coordinator. Everything time-dependent takes one of these so tests
// can drive the countdown and overdue math deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests. After channels fire when
// Advance moves the clock past their deadline.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	at := f.now.Add(d)

	if d <= 0 {
		ch <- f.now
		return ch
	}

	f.waiters = append(f.waiters, waiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward and fires every waiter whose deadline
// has been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()

	f.now = f.now.Add(d)
	now := f.now

	var remaining []waiter
	var due []waiter

	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// BlockUntil waits until at least n waiters are parked on the clock.
// Tests use it to let a goroutine reach its After call before Advance.
func (f *Fake) BlockUntil(n int) {
	for {
		f.mu.Lock()
		parked := len(f.waiters)
		f.mu.Unlock()

		if parked >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// Set jumps the clock to an absolute instant, firing due waiters.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	d := t.UTC().Sub(f.now)
	f.mu.Unlock()

	if d > 0 {
		f.Advance(d)
		return
	}

	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}
