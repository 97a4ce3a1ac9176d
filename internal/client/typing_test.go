package client

import (
	"sort"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

// manualClock fires timers when advanced. Posted callbacks run inline, which
// is what the session loop does for them.
type manualClock struct {
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
}

func (c *manualClock) after(d time.Duration, f func()) func() bool {
	tm := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, tm)
	return func() bool {
		was := !tm.stopped
		tm.stopped = true
		return was
	}
}

func (c *manualClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
	sort.Slice(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
	var rest []*manualTimer
	for _, tm := range c.timers {
		if tm.stopped {
			continue
		}
		if !tm.at.After(c.now) {
			tm.stopped = true
			tm.f()
			continue
		}
		rest = append(rest, tm)
	}
	c.timers = rest
}

func newTestTyping(clock *manualClock, emitted *[]domain.UserID, changes *int) *Typing {
	ty := NewTyping(time.Second, 3*time.Second,
		func(f func()) { f() },
		func(p domain.UserID) { *emitted = append(*emitted, p) },
		func() { *changes++ })
	ty.after = clock.after
	ty.now = func() time.Time { return clock.now }
	return ty
}

func TestTyping_LocalDebounce(t *testing.T) {
	clock := &manualClock{now: t0}
	var emitted []domain.UserID
	var changes int
	ty := newTestTyping(clock, &emitted, &changes)

	ty.Keystroke(7)
	clock.advance(300 * time.Millisecond)
	ty.Keystroke(7)
	clock.advance(300 * time.Millisecond)
	ty.Keystroke(7)
	if len(emitted) != 1 {
		t.Fatalf("one emit per debounce window, got %d", len(emitted))
	}

	clock.advance(500 * time.Millisecond) // 1.1s since first emit
	ty.Keystroke(7)
	if len(emitted) != 2 {
		t.Fatalf("next window must emit again, got %d", len(emitted))
	}

	clock.advance(3 * time.Second)
	if ty.LocalState() != TypingIdle {
		t.Fatalf("inactivity must return to idle")
	}
}

func TestTyping_RemoteTimeout(t *testing.T) {
	clock := &manualClock{now: t0}
	var emitted []domain.UserID
	var changes int
	ty := newTestTyping(clock, &emitted, &changes)

	ty.Remote(5)
	if !ty.PeerTyping(5) || changes != 1 {
		t.Fatalf("remote typing must show, changes=%d", changes)
	}
	clock.advance(2 * time.Second)
	ty.Remote(5) // keeps it alive
	clock.advance(2 * time.Second)
	if !ty.PeerTyping(5) {
		t.Fatalf("refreshed indicator must still show")
	}
	clock.advance(time.Second + time.Millisecond)
	if ty.PeerTyping(5) || changes != 2 {
		t.Fatalf("indicator must clear after timeout, changes=%d", changes)
	}
}

func TestTyping_ResetCancelsStaleCallbacks(t *testing.T) {
	clock := &manualClock{now: t0}
	var emitted []domain.UserID
	var changes int
	ty := newTestTyping(clock, &emitted, &changes)

	// capture the callback so it can fire after Reset, like a timer racing Stop
	var late []func()
	ty.after = func(d time.Duration, f func()) func() bool {
		late = append(late, f)
		return func() bool { return false }
	}
	ty.Remote(5)
	ty.Reset()
	for _, f := range late {
		f()
	}
	if ty.PeerTyping(5) || changes != 1 {
		t.Fatalf("stale timer must not mutate state after reset, changes=%d", changes)
	}
}
