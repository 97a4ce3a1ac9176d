package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConversation_Unordered(t *testing.T) {
	a := NewConversation(7, 3)
	b := NewConversation(3, 7)
	if a != b {
		t.Fatalf("conversation must be unordered: %v vs %v", a, b)
	}
	if a.Key() != "3:7" {
		t.Fatalf("unexpected key %q", a.Key())
	}
	if a.Peer(3) != 7 || a.Peer(7) != 3 {
		t.Fatalf("peer mismatch")
	}
	if a.Has(5) {
		t.Fatalf("5 is not a participant")
	}
}

func TestChatMessage_Validate(t *testing.T) {
	cases := []struct {
		name string
		msg  ChatMessage
		want error
	}{
		{"ok", ChatMessage{ID: "m1", Sender: 1, Receiver: 2, Content: " hi "}, nil},
		{"missing id", ChatMessage{Sender: 1, Receiver: 2, Content: "hi"}, ErrMissingMessageID},
		{"self", ChatMessage{ID: "m1", Sender: 1, Receiver: 1, Content: "hi"}, ErrSelfMessage},
		{"empty", ChatMessage{ID: "m1", Sender: 1, Receiver: 2, Content: "   "}, ErrEmptyMessage},
		{"too long", ChatMessage{ID: "m1", Sender: 1, Receiver: 2, Content: strings.Repeat("x", 11)}, ErrMessageTooLong},
		{"no receiver", ChatMessage{ID: "m1", Sender: 1, Content: "hi"}, ErrInvalidIdentity},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.msg
			err := m.Validate(10)
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestChatMessage_LessTiebreaksByID(t *testing.T) {
	ts := time.Unix(100, 0)
	a := ChatMessage{ID: "a", Timestamp: ts}
	b := ChatMessage{ID: "b", Timestamp: ts}
	c := ChatMessage{ID: "0", Timestamp: ts.Add(time.Second)}

	if !a.Less(b) || b.Less(a) {
		t.Fatalf("same timestamp must order by id")
	}
	if !b.Less(c) {
		t.Fatalf("earlier timestamp must come first")
	}
}
