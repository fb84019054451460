package sched

import (
	"sort"
	"time"
)

// Fake is a manually driven Clock. Timers fire on the goroutine that calls
// Advance or Set, in deadline order; timers scheduled by a firing callback run
// in the same Advance if they fall due before its target.
type Fake struct {
	now    time.Time
	timers []*fakeTimer
	seq    int
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return f.add(d, 0, fn)
}

func (f *Fake) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return f.add(d, d, fn)
}

func (f *Fake) add(d, period time.Duration, fn func()) *fakeTimer {
	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTimer{when: f.now.Add(d), period: period, fn: fn, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing everything that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.Set(f.now.Add(d))
}

// Set moves the clock to target. Moving backwards fires nothing.
func (f *Fake) Set(target time.Time) {
	for {
		t := f.next(target)
		if t == nil {
			break
		}
		if t.when.After(f.now) {
			f.now = t.when
		}
		if t.period > 0 {
			t.when = t.when.Add(t.period)
		} else {
			t.stopped = true
		}
		t.fn()
	}
	f.now = target
}

// Pending reports how many timers are still scheduled.
func (f *Fake) Pending() int {
	f.compact()
	return len(f.timers)
}

func (f *Fake) next(target time.Time) *fakeTimer {
	f.compact()
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].when.Equal(f.timers[j].when) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].when.Before(f.timers[j].when)
	})
	if len(f.timers) == 0 || f.timers[0].when.After(target) {
		return nil
	}
	return f.timers[0]
}

func (f *Fake) compact() {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	f.timers = live
}

type fakeTimer struct {
	when    time.Time
	period  time.Duration
	fn      func()
	seq     int
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}
