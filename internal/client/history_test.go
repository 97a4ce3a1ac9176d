package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

func TestHTTPHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/me":
			_ = json.NewEncoder(w).Encode(alice)
		case "/api/users":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{
					{"id": 1, "nickname": "alice", "online": true},
					{"id": 3, "nickname": "carol", "online": false},
				},
			})
		case "/api/messages":
			q := r.URL.Query()
			if q.Get("peer") != "2" || q.Get("before") != "c1" || q.Get("limit") != "5" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"items":       []domain.ChatMessage{{ID: "m1", Sender: 2, Receiver: 1, Content: "hi", Timestamp: t0}},
				"next_cursor": "c0",
			})
		}
	}))
	defer srv.Close()

	h := NewHTTPHistory(srv.URL+"/", "tok", nil)
	msgs, next, err := h.Conversation(context.Background(), 2, "c1", 5)
	if err != nil || len(msgs) != 1 || msgs[0].ID != "m1" || next != "c0" {
		t.Fatalf("unexpected page %+v next=%q err=%v", msgs, next, err)
	}

	me, err := h.Me(context.Background())
	if err != nil || me != alice {
		t.Fatalf("unexpected me %+v err=%v", me, err)
	}

	users, err := h.Users(context.Background())
	if err != nil || len(users) != 2 || users[0].Identity != alice || !users[0].Online || users[1].Nickname != "carol" || users[1].Online {
		t.Fatalf("unexpected users %+v err=%v", users, err)
	}

	if _, err := NewHTTPHistory(srv.URL, "bad", nil).Me(context.Background()); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
