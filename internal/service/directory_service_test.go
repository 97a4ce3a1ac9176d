package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

type listedUsers struct {
	ids []domain.Identity
	err error
}

func (l listedUsers) Identities(context.Context) ([]domain.Identity, error) { return l.ids, l.err }

func TestDirectory_UsersFlagsPresence(t *testing.T) {
	bob := &recConn{ident: knownUsers[2]}
	svc := NewDirectoryService(listedUsers{ids: []domain.Identity{knownUsers[1], knownUsers[2]}}, online{2: bob})

	got, err := svc.Users(context.Background())
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(got) != 2 || got[0].Nickname != "alice" || got[0].Online || !got[1].Online {
		t.Fatalf("unexpected directory %+v", got)
	}

	boom := errors.New("boom")
	if _, err := NewDirectoryService(listedUsers{err: boom}, online{}).Users(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("store error must surface, got %v", err)
	}
}
