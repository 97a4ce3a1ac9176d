package service

import (
	"context"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

type HistoryService struct {
	store        MessageStore
	identities   IdentityStore
	defaultLimit int
}

func NewHistoryService(store MessageStore, identities IdentityStore, defaultLimit int) *HistoryService {
	return &HistoryService{store: store, identities: identities, defaultLimit: defaultLimit}
}

// Conversation returns the persisted log between me and peer in ascending
// (timestamp, id) order, plus a cursor for older messages.
func (s *HistoryService) Conversation(ctx context.Context, me, peer domain.UserID, before string, limit int) ([]domain.ChatMessage, string, error) {
	if peer <= 0 || peer == me {
		return nil, "", domain.ErrInvalidIdentity
	}
	if _, err := s.identities.Identity(ctx, peer); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}

	msgs, next, err := s.store.Conversation(ctx, domain.NewConversation(me, peer), before, limit)
	if err != nil {
		return nil, "", err
	}
	for i := range msgs {
		msgs[i].Status = domain.StatusPersisted
	}

	return msgs, next, nil
}
