package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// steppingClock returns a strictly increasing clock so ordering is deterministic.
func steppingClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Millisecond)
		return cur
	}
}

func TestStore_AppendIdempotentByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, _ := s.CreateUser(ctx, "alice")
	b, _ := s.CreateUser(ctx, "bob")
	c, _ := s.CreateUser(ctx, "carol")

	msg := domain.ChatMessage{ID: "m1", Sender: a.ID, Receiver: b.ID, Content: "hi"}
	first, err := s.Append(ctx, msg)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Timestamp.IsZero() {
		t.Fatalf("store must stamp the message")
	}

	again, err := s.Append(ctx, msg)
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if !again.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("re-append must return the original row: %v vs %v", again.Timestamp, first.Timestamp)
	}

	hijack := msg
	hijack.Sender = c.ID
	if _, err := s.Append(ctx, hijack); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	page, _, err := s.Conversation(ctx, domain.NewConversation(b.ID, a.ID), "", 10)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(page) != 1 || page[0].ID != "m1" {
		t.Fatalf("expected exactly one m1, got %v", page)
	}
}

func TestStore_AppendUnknownReceiver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, _ := s.CreateUser(ctx, "alice")

	_, err := s.Append(ctx, domain.ChatMessage{ID: "m1", Sender: a.ID, Receiver: 999, Content: "hi"})
	if !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity from foreign key, got %v", err)
	}
}

func TestStore_ConversationOrderingAndPaging(t *testing.T) {
	s := openTestStore(t)
	s.now = steppingClock(time.Unix(1700000000, 0))
	ctx := context.Background()
	a, _ := s.CreateUser(ctx, "alice")
	b, _ := s.CreateUser(ctx, "bob")
	c, _ := s.CreateUser(ctx, "carol")

	for i := 0; i < 5; i++ {
		from, to := a.ID, b.ID
		if i%2 == 1 {
			from, to = to, from
		}
		if _, err := s.Append(ctx, domain.ChatMessage{
			ID: fmt.Sprintf("m%d", i), Sender: from, Receiver: to, Content: fmt.Sprint(i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// other conversation must not leak in
	if _, err := s.Append(ctx, domain.ChatMessage{ID: "x", Sender: a.ID, Receiver: c.ID, Content: "x"}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	conv := domain.NewConversation(a.ID, b.ID)
	newest, next, err := s.Conversation(ctx, conv, "", 3)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(newest) != 3 || newest[0].ID != "m2" || newest[2].ID != "m4" || next == "" {
		t.Fatalf("unexpected newest page %v next=%q", newest, next)
	}

	older, next, err := s.Conversation(ctx, conv, next, 3)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(older) != 2 || older[0].ID != "m0" || older[1].ID != "m1" || next != "" {
		t.Fatalf("unexpected older page %v next=%q", older, next)
	}

	for i := 1; i < len(newest); i++ {
		if newest[i].Less(newest[i-1]) {
			t.Fatalf("page not ascending at %d", i)
		}
	}
}

func TestStore_SessionsAndIdentities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, err := s.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateUser(ctx, "alice"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate nickname must conflict, got %v", err)
	}

	if got, err := s.Identity(ctx, a.ID); err != nil || got != a {
		t.Fatalf("identity: %+v err=%v", got, err)
	}
	if _, err := s.Identity(ctx, 42); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}

	z, _ := s.CreateUser(ctx, "zed")
	b, _ := s.CreateUser(ctx, "bob")
	all, err := s.Identities(ctx)
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	if len(all) != 3 || all[0] != a || all[1] != b || all[2] != z {
		t.Fatalf("directory must be ordered by nickname, got %+v", all)
	}

	if err := s.CreateSession(ctx, "live", a.ID, time.Hour); err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := s.CreateSession(ctx, "expired", a.ID, -time.Hour); err != nil {
		t.Fatalf("session: %v", err)
	}
	if got, err := s.IdentityBySession(ctx, "live"); err != nil || got != a {
		t.Fatalf("live session: %+v err=%v", got, err)
	}
	if _, err := s.IdentityBySession(ctx, "expired"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expired session must not resolve, got %v", err)
	}
}
