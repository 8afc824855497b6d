// Package clock turns timer expirations into callbacks run by the node's dispatch
// loop, so that retry, flood and expiry deadlines never touch state concurrently.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending wake-up.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Scheduler arranges for fn to run on the owning loop after d.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop is the real scheduler. Expired callbacks are posted to the wake channel,
// which the dispatch loop drains and executes.
type Loop struct {
	wake chan func()
	done chan struct{}
	once sync.Once
}

// NewLoop returns a scheduler posting wake-ups on a channel with the given buffer.
func NewLoop(buffer int) *Loop {
	return &Loop{
		wake: make(chan func(), buffer),
		done: make(chan struct{}),
	}
}

// Close discards wake-ups that fire after the loop has stopped.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Wake returns the channel the dispatch loop must select on.
func (l *Loop) Wake() <-chan func() {
	return l.wake
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		wake := func() {
			if t.fire() {
				fn()
			}
		}
		select {
		case l.wake <- wake:
		case <-l.done:
		}
	})
	return t
}

type loopTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

// Stop also suppresses a wake-up that was already posted but not yet run.
func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

// Manual is a deterministic scheduler for tests. Callbacks run on the goroutine
// calling Advance.
type Manual struct {
	now     time.Time
	seq     int
	pending []*manualTimer
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Pending returns the number of timers that are armed.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.pending {
		if !t.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, running every callback that becomes due
// in deadline order. Callbacks may arm new timers; those run too if due.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.done = true
		next.fn()
	}
	m.now = target
	m.compact()
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range m.pending {
		if !t.done && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (m *Manual) compact() {
	live := m.pending[:0]
	for _, t := range m.pending {
		if !t.done {
			live = append(live, t)
		}
	}
	m.pending = live
}

type manualTimer struct {
	at   time.Time
	seq  int
	fn   func()
	done bool
}

func (t *manualTimer) Stop() bool {
	if t.done {
		return false
	}
	t.done = true
	return true
}
