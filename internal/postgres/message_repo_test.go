package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runs against a real database only when POSTGRES_TEST_DSN is set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, Config{DSN: dsn, ApplicationName: "chat-relay-test", SlowQuery: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	return db.Pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool, nick string) domain.Identity {
	t.Helper()
	var id int64
	nick = fmt.Sprintf("%s-%s", nick, uuid.NewString()[:8])
	if err := pool.QueryRow(context.Background(),
		`INSERT INTO users (nickname) VALUES ($1) RETURNING id`, nick).Scan(&id); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return domain.Identity{ID: domain.UserID(id), Nickname: nick}
}

func TestMessageRepository_AppendIsIdempotent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	a, b, c := seedUser(t, pool, "a"), seedUser(t, pool, "b"), seedUser(t, pool, "c")
	repo := NewMessageRepository(pool)

	msg := domain.ChatMessage{ID: uuid.NewString(), Sender: a.ID, Receiver: b.ID, Content: "hi"}
	first, err := repo.Append(ctx, msg)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	again, err := repo.Append(ctx, msg)
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if !first.Timestamp.Equal(again.Timestamp) {
		t.Fatalf("re-append must return the stored row")
	}

	hijack := msg
	hijack.Sender = c.ID
	if _, err := repo.Append(ctx, hijack); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	page, _, err := repo.Conversation(ctx, domain.NewConversation(b.ID, a.ID), "", 10)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(page) != 1 || page[0].ID != msg.ID {
		t.Fatalf("expected exactly one stored message, got %v", page)
	}
}

func TestMessageRepository_ConversationPaging(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	a, b := seedUser(t, pool, "a"), seedUser(t, pool, "b")
	repo := NewMessageRepository(pool)

	for i := 0; i < 5; i++ {
		if _, err := repo.Append(ctx, domain.ChatMessage{
			ID: uuid.NewString(), Sender: a.ID, Receiver: b.ID, Content: fmt.Sprint(i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	conv := domain.NewConversation(a.ID, b.ID)
	newest, next, err := repo.Conversation(ctx, conv, "", 3)
	if err != nil || next == "" {
		t.Fatalf("first page: %v next=%q", err, next)
	}
	older, _, err := repo.Conversation(ctx, conv, next, 3)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(newest) != 3 || len(older) != 2 {
		t.Fatalf("unexpected page sizes %d/%d", len(newest), len(older))
	}
	if newest[0].Content != "2" || newest[2].Content != "4" || older[0].Content != "0" {
		t.Fatalf("pages must be ascending and disjoint: %v | %v", newest, older)
	}
}

func TestIdentityRepository(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	a := seedUser(t, pool, "a")
	repo := NewIdentityRepository(pool)

	got, err := repo.Identity(ctx, a.ID)
	if err != nil || got != a {
		t.Fatalf("identity: %+v err=%v", got, err)
	}
	if _, err := repo.Identity(ctx, 1<<60); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}

	token := uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, now() + interval '1 hour')`,
		token, int64(a.ID)); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if got, err := repo.IdentityBySession(ctx, token); err != nil || got != a {
		t.Fatalf("session: %+v err=%v", got, err)
	}
	if _, err := repo.IdentityBySession(ctx, "nope"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
