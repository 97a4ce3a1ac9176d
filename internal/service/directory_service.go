package service

import (
	"context"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

type IdentityLister interface {
	Identities(ctx context.Context) ([]domain.Identity, error)
}

// DirectoryService lists every user so a client can start a conversation with
// someone who is offline.
type DirectoryService struct {
	store    IdentityLister
	presence Presence
}

func NewDirectoryService(store IdentityLister, presence Presence) *DirectoryService {
	return &DirectoryService{store: store, presence: presence}
}

// Users returns all identities ordered by nickname, each flagged with its
// current presence.
func (s *DirectoryService) Users(ctx context.Context) ([]domain.DirectoryEntry, error) {
	ids, err := s.store.Identities(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.DirectoryEntry, 0, len(ids))
	for _, ident := range ids {
		_, online := s.presence.Lookup(ident.ID)
		out = append(out, domain.DirectoryEntry{Identity: ident, Online: online})
	}

	return out, nil
}
