package sched

import (
	"sync"
	"time"
)

// Loop serializes everything that touches game state. Timer callbacks created
// through the Loop and functions passed to Do never run concurrently, so code
// running on the loop can treat state as single-threaded.
//
// Code already running on the loop must not call Do again.
type Loop struct {
	mu    sync.Mutex
	clock Clock
}

func NewLoop(c Clock) *Loop {
	if c == nil {
		c = Real{}
	}
	return &Loop{clock: c}
}

// Do runs f on the loop and waits for it to return.
func (l *Loop) Do(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f()
}

func (l *Loop) Now() time.Time { return l.clock.Now() }

func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.inner = l.clock.AfterFunc(d, func() {
		l.Do(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			f()
		})
	})
	return lt
}

func (l *Loop) Every(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.inner = l.clock.Every(d, func() {
		l.Do(func() {
			if lt.stopped {
				return
			}
			f()
		})
	})
	return lt
}

// loopTimer guards against a callback that already fired on the underlying
// clock and is blocked on the loop lock when Stop is called from the loop.
// stopped is only touched while the loop lock is held.
type loopTimer struct {
	inner   Timer
	stopped bool
}

func (t *loopTimer) Stop() bool {
	wasPending := !t.stopped
	t.stopped = true
	t.inner.Stop()
	return wasPending
}
