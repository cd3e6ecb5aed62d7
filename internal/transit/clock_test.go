package transit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually driven Clock for deterministic tests of the 15s
// inactivity timeout, the 2s relay stagger, and the 30s overall deadline.
// Advance fires every timer whose deadline has passed; nothing fires on
// its own.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1), fireAt: f.now.Add(d), fc: f}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	return f.NewTimer(d).C()
}

// Advance moves the clock forward and fires every timer whose deadline is
// now due. Firing is non-blocking: a timer nobody is reading from keeps
// its wakeup buffered, matching time.Timer's own semantics.
func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var fire []*fakeTimer
	remaining := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped && !t.fireAt.After(now) {
			fire = append(fire, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	for _, t := range fire {
		select {
		case t.c <- now:
		default:
		}
	}
}

type fakeTimer struct {
	c       chan time.Time
	fireAt  time.Time
	fc      *fakeClock
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.fc.mu.Lock()
	defer t.fc.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.fc.mu.Lock()
	defer t.fc.mu.Unlock()
	was := !t.stopped
	t.stopped = false
	t.fireAt = t.fc.now.Add(d)
	found := false
	for _, e := range t.fc.timers {
		if e == t {
			found = true
			break
		}
	}
	if !found {
		t.fc.timers = append(t.fc.timers, t)
	}
	return was
}

func TestFakeClockAdvanceFiresDueTimers(t *testing.T) {
	fc := newFakeClock()
	early := fc.NewTimer(5 * time.Second)
	late := fc.NewTimer(20 * time.Second)

	fc.Advance(10 * time.Second)

	select {
	case <-early.C():
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late.C():
		t.Fatal("late timer should not have fired yet")
	default:
	}

	fc.Advance(15 * time.Second)
	select {
	case <-late.C():
	default:
		t.Fatal("expected late timer to fire after further advance")
	}
}

func TestFakeClockStopPreventsFiring(t *testing.T) {
	fc := newFakeClock()
	timer := fc.NewTimer(5 * time.Second)
	timer.Stop()
	fc.Advance(10 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer should not fire")
	default:
	}
}
