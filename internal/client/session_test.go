package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []protocol.Frame
	err    error
}

func (f *fakeTransport) Send(fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeTransport) sent(typ string) []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Frame
	for _, fr := range f.frames {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

// gatedHistory blocks each fetch until the test releases it.
type gatedHistory struct {
	mu    sync.Mutex
	msgs  map[domain.UserID][]domain.ChatMessage
	gate  chan struct{}
	calls int
}

func (h *gatedHistory) Conversation(ctx context.Context, peer domain.UserID, _ string, _ int) ([]domain.ChatMessage, string, error) {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	out := make([]domain.ChatMessage, len(h.msgs[peer]))
	copy(out, h.msgs[peer])
	return out, "", nil
}

type harness struct {
	s      *Session
	tr     *fakeTransport
	hist   *gatedHistory
	views  chan View
	cancel context.CancelFunc
}

var (
	alice = domain.Identity{ID: 1, Nickname: "alice"}
	bob   = domain.Identity{ID: 2, Nickname: "bob"}
	carol = domain.Identity{ID: 3, Nickname: "carol"}
)

func newHarness(t *testing.T, me domain.Identity, hist *gatedHistory) *harness {
	t.Helper()
	h := &harness{tr: &fakeTransport{}, hist: hist, views: make(chan View, 256)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.s = NewSession(me, h.tr, hist, func(v View) { h.views <- v }, SessionOptions{}, log)
	n := 0
	h.s.newID = func() string { n++; return fmt.Sprintf("local-%d", n) }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.s.Done()
	})
	return h
}

// latest returns the view after every command posted so far has run.
func (h *harness) latest(t *testing.T) View {
	t.Helper()
	done := make(chan struct{})
	h.s.post(func() {})
	h.s.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("session loop stuck")
	}
	var v View
	for {
		select {
		case v = <-h.views:
		default:
			return v
		}
	}
}

// until waits for a rendered view that satisfies ok.
func (h *harness) until(t *testing.T, what string, ok func(View) bool) View {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case v := <-h.views:
			if ok(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func frame(typ string, payload any) protocol.Frame {
	return protocol.MustFrame(typ, payload)
}

// Offline receiver: the message comes from history exactly once even when the
// live copy races the fetch.
func TestSession_HistoryAndLiveRenderOnce(t *testing.T) {
	m1 := domain.ChatMessage{ID: "m1", Sender: alice.ID, Receiver: bob.ID, Content: "hi", Timestamp: t0, Status: domain.StatusPersisted}
	hist := &gatedHistory{msgs: map[domain.UserID][]domain.ChatMessage{alice.ID: {m1}}, gate: make(chan struct{})}
	h := newHarness(t, bob, hist)

	h.s.HandleState(StateOpen)
	h.s.Open(alice.ID)
	h.until(t, "loading", func(v View) bool { return v.Loading && v.Peer.ID == alice.ID })

	live := m1
	live.Status = domain.StatusDelivered
	h.s.HandleFrame(frame(protocol.TypeChatMessage, live))
	close(hist.gate)

	v := h.until(t, "history merged", func(v View) bool { return !v.Loading && len(v.Messages) > 0 })
	if len(v.Messages) != 1 || v.Messages[0].ID != "m1" {
		t.Fatalf("m1 must render exactly once, got %+v", v.Messages)
	}
}

func TestSession_OutboxFlushesOnReconnect(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.Open(bob.ID)
	h.until(t, "history loaded", func(v View) bool { return v.Peer.ID == bob.ID && !v.Loading })

	h.s.SendText("first")
	h.s.SendText("second")
	v := h.until(t, "two pending", func(v View) bool { return v.Pending == 2 })
	if len(v.Messages) != 2 || v.Messages[0].Status != domain.StatusPending {
		t.Fatalf("local echo expected, got %+v", v.Messages)
	}
	if n := len(h.tr.sent(protocol.TypeChatMessage)); n != 0 {
		t.Fatalf("nothing may be sent while disconnected, sent %d", n)
	}

	h.s.HandleState(StateOpen)
	h.until(t, "open", func(v View) bool { return v.Conn == StateOpen })

	sent := h.tr.sent(protocol.TypeChatMessage)
	if len(sent) != 2 {
		t.Fatalf("expected both messages flushed, got %d", len(sent))
	}
	for i, want := range []string{"local-1", "local-2"} {
		var m domain.ChatMessage
		if err := sent[i].Decode(&m); err != nil || m.ID != want {
			t.Fatalf("flush order: got %q at %d (err=%v)", m.ID, i, err)
		}
	}

	h.s.HandleFrame(frame(protocol.TypeChatAck, protocol.ChatAck{ID: "local-1", Status: domain.StatusPersisted, Timestamp: t0}))
	h.s.HandleFrame(frame(protocol.TypeChatAck, protocol.ChatAck{ID: "local-2", Status: domain.StatusDelivered, Timestamp: t0.Add(time.Second)}))
	v = h.until(t, "acked", func(v View) bool { return v.Pending == 0 && len(v.Messages) == 2 })
	if len(v.Messages) != 2 || v.Messages[0].Status != domain.StatusPersisted || v.Messages[1].Status != domain.StatusDelivered {
		t.Fatalf("unexpected statuses %+v", v.Messages)
	}
}

func TestSession_FailedAckSurfaces(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.HandleState(StateOpen)
	h.s.Open(bob.ID)
	h.until(t, "loaded", func(v View) bool { return v.Peer.ID == bob.ID && !v.Loading })

	h.s.SendText("hello")
	h.until(t, "pending", func(v View) bool { return v.Pending == 1 })
	h.s.HandleFrame(frame(protocol.TypeChatAck, protocol.ChatAck{ID: "local-1", Status: domain.StatusFailed, Error: "not sent: storage unavailable"}))

	v := h.until(t, "failed", func(v View) bool { return v.Pending == 0 })
	if v.Messages[0].Status != domain.StatusFailed || v.Notice == "" {
		t.Fatalf("failure must be visible, got %+v notice=%q", v.Messages, v.Notice)
	}
}

func TestSession_OtherConversationCountsUnread(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.HandleState(StateOpen)
	h.s.Open(bob.ID)
	h.until(t, "loaded", func(v View) bool { return v.Peer.ID == bob.ID && !v.Loading })

	h.s.HandleFrame(frame(protocol.TypeChatMessage, domain.ChatMessage{ID: "c1", Sender: carol.ID, Receiver: alice.ID, Content: "psst", Timestamp: t0}))
	v := h.until(t, "unread", func(v View) bool { return v.Unread[carol.ID] == 1 })
	if len(v.Messages) != 0 {
		t.Fatalf("visible log must not change, got %+v", v.Messages)
	}

	h.s.Open(carol.ID)
	v = h.until(t, "switched", func(v View) bool { return v.Peer.ID == carol.ID })
	if v.Unread[carol.ID] != 0 {
		t.Fatalf("opening a conversation clears its unread count")
	}
}

// A sender whose ack was lost resends with the same id after reconnecting;
// the relay forwards it again and it must still count once.
func TestSession_UnreadDedupesByID(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.HandleState(StateOpen)

	resent := domain.ChatMessage{ID: "c1", Sender: carol.ID, Receiver: alice.ID, Content: "psst", Timestamp: t0}
	h.s.HandleFrame(frame(protocol.TypeChatMessage, resent))
	h.s.HandleFrame(frame(protocol.TypeChatMessage, resent))
	if v := h.latest(t); v.Unread[carol.ID] != 1 {
		t.Fatalf("same id twice must count once, got %d", v.Unread[carol.ID])
	}

	resent.ID = "c2"
	h.s.HandleFrame(frame(protocol.TypeChatMessage, resent))
	if v := h.latest(t); v.Unread[carol.ID] != 2 {
		t.Fatalf("a new id must count, got %d", v.Unread[carol.ID])
	}

	// opening then leaving the conversation resets what was counted
	h.s.Open(carol.ID)
	h.until(t, "opened", func(v View) bool { return v.Peer.ID == carol.ID && !v.Loading })
	h.s.CloseConversation()
	h.s.HandleFrame(frame(protocol.TypeChatMessage, resent))
	if v := h.latest(t); v.Unread[carol.ID] != 1 {
		t.Fatalf("after reading, a fresh delivery counts again, got %d", v.Unread[carol.ID])
	}
}

func TestSession_Presence(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.HandleFrame(frame(protocol.TypeOnlineUsers, []domain.Identity{alice, bob}))
	h.until(t, "snapshot", func(v View) bool { return len(v.Online) == 2 })

	h.s.HandleFrame(frame(protocol.TypePresenceDiff, protocol.PresenceDiff{Added: []domain.Identity{carol}, Removed: []domain.Identity{bob}}))
	v := h.until(t, "diff", func(v View) bool { return len(v.Online) == 2 && v.Online[1].ID == carol.ID })
	if v.Online[0].ID != alice.ID {
		t.Fatalf("unexpected online %+v", v.Online)
	}

	// unknown frames are dropped without disturbing state
	h.s.HandleFrame(protocol.Frame{Type: "bogus"})
	h.s.RequestOnline()
	v = h.latest(t)
	if len(v.Online) != 2 {
		t.Fatalf("state must survive an unknown frame, got %+v", v.Online)
	}
}

func TestSession_TypingOnlyForOpenPeer(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.HandleState(StateOpen)
	h.s.Open(bob.ID)
	h.until(t, "loaded", func(v View) bool { return v.Peer.ID == bob.ID && !v.Loading })

	h.s.HandleFrame(frame(protocol.TypeUserTyping, protocol.Typing{Sender: carol.ID, Receiver: alice.ID}))
	h.s.HandleFrame(frame(protocol.TypeUserTyping, protocol.Typing{Sender: bob.ID, Receiver: alice.ID}))
	h.until(t, "bob typing", func(v View) bool { return v.PeerTyping })

	h.s.Keystroke()
	h.s.Keystroke()
	h.latest(t)
	if n := len(h.tr.sent(protocol.TypeUserTyping)); n != 1 {
		t.Fatalf("expected one debounced typing frame, got %d", n)
	}

	h.s.CloseConversation()
	v := h.until(t, "closed", func(v View) bool { return v.Peer.ID == 0 })
	if v.PeerTyping {
		t.Fatalf("closing the conversation clears the indicator")
	}
}

func TestSession_DirectoryNamesOfflinePeers(t *testing.T) {
	h := newHarness(t, alice, &gatedHistory{})
	h.s.SetDirectory([]domain.DirectoryEntry{{Identity: alice}, {Identity: bob}, {Identity: carol}})
	h.s.HandleFrame(frame(protocol.TypeOnlineUsers, []domain.Identity{alice, bob}))

	v := h.latest(t)
	if len(v.Directory) != 3 || !v.Directory[1].Online || v.Directory[2].Online {
		t.Fatalf("directory presence must follow the online set, got %+v", v.Directory)
	}

	// carol never appeared in presence; the directory still names her
	h.s.Open(carol.ID)
	v = h.until(t, "opened", func(v View) bool { return v.Peer.ID == carol.ID })
	if v.Peer.Nickname != "carol" {
		t.Fatalf("offline peer should render by nickname, got %+v", v.Peer)
	}
}
