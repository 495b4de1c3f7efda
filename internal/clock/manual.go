package clock

import (
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance or Set is called.
//
// Timers created on a Manual clock fire when the clock reaches their
// deadline; a timer created with d <= 0 fires immediately.
//
// Thread-safety: all methods are safe for concurrent use.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManual creates a manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and fires due timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

// Set jumps the clock to t. Moving backwards is allowed and fires nothing.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.fireLocked()
	m.mu.Unlock()
}

// Waiters reports how many timers are armed and not yet fired.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{clock: m, c: make(chan time.Time, 1)}
	m.scheduleLocked(t, d)
	return t
}

func (m *Manual) scheduleLocked(t *manualTimer, d time.Duration) {
	t.deadline = m.now.Add(d)
	if d <= 0 {
		t.send(m.now)
		return
	}
	m.timers = append(m.timers, t)
}

func (m *Manual) fireLocked() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.deadline.After(m.now) {
			t.send(m.now)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(m.timers); i++ {
		m.timers[i] = nil
	}
	m.timers = kept
}

func (m *Manual) removeLocked(t *manualTimer) bool {
	for i, x := range m.timers {
		if x == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	clock    *Manual
	c        chan time.Time
	deadline time.Time
}

func (t *manualTimer) send(now time.Time) {
	select {
	case t.c <- now:
	default:
	}
}

func (t *manualTimer) C() <-chan time.Time { return t.c }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeLocked(t)
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := t.clock.removeLocked(t)
	select {
	case <-t.c:
	default:
	}
	t.clock.scheduleLocked(t, d)
	return active
}
