package client

import (
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

const (
	DefaultTypingDebounce = time.Second
	DefaultTypingTimeout  = 3 * time.Second
)

type TypingState int

const (
	TypingIdle TypingState = iota
	TypingActive
)

// afterFunc schedules f after d and returns a cancel func. time.AfterFunc in
// production, a manual clock in tests.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfter(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type timerSlot struct {
	stop func() bool
	gen  uint64
}

// arm replaces any pending timer. The callback runs on the session loop and
// is ignored if the slot was re-armed or cancelled in the meantime.
func (t *timerSlot) arm(after afterFunc, post func(func()), d time.Duration, fire func()) {
	t.cancel()
	gen := t.gen
	t.stop = after(d, func() {
		post(func() {
			if t.gen == gen {
				t.stop = nil
				fire()
			}
		})
	})
}

func (t *timerSlot) cancel() {
	t.gen++
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// Typing tracks both directions of the typing indicator for the open
// conversation. Local keystrokes emit at most one user_typing frame per
// debounce window; the remote indicator clears after a quiet timeout.
// All methods run on the session loop.
type Typing struct {
	debounce time.Duration
	timeout  time.Duration
	after    afterFunc
	post     func(func())
	now      func() time.Time
	emit     func(peer domain.UserID)
	changed  func()

	local     TypingState
	lastEmit  time.Time
	localIdle timerSlot

	remote     TypingState
	remotePeer domain.UserID
	remoteIdle timerSlot
}

func NewTyping(debounce, timeout time.Duration, post func(func()), emit func(domain.UserID), changed func()) *Typing {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Typing{
		debounce: debounce,
		timeout:  timeout,
		after:    realAfter,
		post:     post,
		now:      time.Now,
		emit:     emit,
		changed:  changed,
	}
}

// Keystroke: Idle -> Typing emits; Typing re-emits only once the debounce
// window since the last emit has passed.
func (t *Typing) Keystroke(peer domain.UserID) {
	if peer == 0 {
		return
	}
	now := t.now()
	if t.local == TypingIdle || now.Sub(t.lastEmit) >= t.debounce {
		t.emit(peer)
		t.lastEmit = now
	}
	t.local = TypingActive
	t.localIdle.arm(t.after, t.post, t.timeout, func() { t.local = TypingIdle })
}

// Remote records a user_typing frame from peer.
func (t *Typing) Remote(peer domain.UserID) {
	t.remotePeer = peer
	if t.remote != TypingActive {
		t.remote = TypingActive
		t.changed()
	}
	t.remoteIdle.arm(t.after, t.post, t.timeout, func() {
		t.remote = TypingIdle
		t.changed()
	})
}

// RemoteStopped clears the indicator early, e.g. when the peer's message lands.
func (t *Typing) RemoteStopped(peer domain.UserID) {
	if t.remote != TypingActive || t.remotePeer != peer {
		return
	}
	t.remoteIdle.cancel()
	t.remote = TypingIdle
}

func (t *Typing) LocalState() TypingState { return t.local }

func (t *Typing) PeerTyping(peer domain.UserID) bool {
	return t.remote == TypingActive && t.remotePeer == peer
}

// Reset cancels both timers; used on conversation close and teardown.
func (t *Typing) Reset() {
	t.localIdle.cancel()
	t.remoteIdle.cancel()
	t.local, t.remote = TypingIdle, TypingIdle
	t.remotePeer = 0
	t.lastEmit = time.Time{}
}
