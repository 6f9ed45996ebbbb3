// Package clock provides the timer abstraction used by the coordinator.
//
// All coordinator state is mutated from one goroutine. Timers therefore never
// run their callbacks directly: a LoopScheduler posts the callback to the
// owner's task loop, and Fake runs callbacks synchronously from Advance.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// CancelFunc stops a scheduled callback. It reports whether the callback was
// still pending. Calling it more than once is safe.
type CancelFunc func() bool

// Scheduler schedules callbacks and reports the current time.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) CancelFunc
	Now() time.Time
}

// LoopScheduler runs expired callbacks on the loop that owns the state by
// handing them to post.
type LoopScheduler struct {
	post func(func())
	now  func() time.Time
}

// NewLoopScheduler creates a scheduler that delivers callbacks through post.
func NewLoopScheduler(post func(func())) *LoopScheduler {
	return &LoopScheduler{post: post, now: time.Now}
}

// Now returns wall-clock time.
func (s *LoopScheduler) Now() time.Time {
	return s.now()
}

// Schedule arms a timer. A cancel that races the timer still suppresses fn,
// because the posted task re-checks the cancelled flag on the loop.
func (s *LoopScheduler) Schedule(delay time.Duration, fn func()) CancelFunc {
	var cancelled atomic.Bool
	t := time.AfterFunc(delay, func() {
		if cancelled.Load() {
			return
		}
		s.post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() bool {
		if cancelled.Swap(true) {
			return false
		}
		return t.Stop()
	}
}

// Fake is a manual clock for tests. Callbacks run synchronously inside
// Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	id       uint64
	deadline time.Time
	fn       func()
	stopped  bool
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Schedule registers fn to run once Advance passes now+delay.
func (f *Fake) Schedule(delay time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ft := &fakeTimer{id: f.nextID, deadline: f.now.Add(delay), fn: fn}
	f.timers = append(f.timers, ft)
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ft.stopped {
			return false
		}
		ft.stopped = true
		return true
	}
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward by d and fires every timer that expires on the
// way. Timers scheduled by callbacks fire too if they fall within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		next.stopped = true
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		f.mu.Unlock()
		next.fn()
	}
}

// nextDue returns the earliest live timer due at or before target.
// Must be called with f.mu held.
func (f *Fake) nextDue(target time.Time) *fakeTimer {
	var best *fakeTimer
	live := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) ||
			(t.deadline.Equal(best.deadline) && t.id < best.id) {
			best = t
		}
	}
	f.timers = live
	return best
}
