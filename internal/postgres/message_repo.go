package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/pagination"

	"github.com/jackc/pgx/v5"
)

type MessageRepository struct {
	db querier
}

func NewMessageRepository(db querier) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append stores msg once. Re-appending an id already stored for the same pair returns
// the stored row, so resends after a reconnect are idempotent.
func (r *MessageRepository) Append(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	conv := msg.Conversation()
	stored, err := scanMessage(r.db.QueryRow(ctx, qInsertMessage,
		msg.ID, int64(msg.Sender), int64(msg.Receiver), int64(conv.Low), int64(conv.High), msg.Content))
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatMessage{}, mapPgError(err)
	}

	// ON CONFLICT DO NOTHING returned nothing: the id exists already
	existing, err := scanMessage(r.db.QueryRow(ctx, qMessageByID, msg.ID))
	if err != nil {
		return domain.ChatMessage{}, mapPgError(err)
	}
	if existing.Sender != msg.Sender || existing.Receiver != msg.Receiver {
		return domain.ChatMessage{}, fmt.Errorf("message %s: %w", msg.ID, domain.ErrConflict)
	}

	return existing, nil
}

// Conversation returns one page of the conversation log, ascending, plus the cursor for older messages.
func (r *MessageRepository) Conversation(ctx context.Context, conv domain.Conversation, before string, limit int) ([]domain.ChatMessage, string, error) {
	limit = pagination.ClampLimit(limit)
	cur, err := pagination.DecodeCursor(before)
	if err != nil {
		return nil, "", err
	}

	var createdAt, id any
	if cur != nil {
		createdAt = cur.CreatedAt
		id = cur.ID
	}

	rows, err := r.db.Query(ctx, qConversation, int64(conv.Low), int64(conv.High), createdAt, id, limit)
	if err != nil {
		return nil, "", mapPgError(err)
	}
	defer rows.Close()

	out := make([]domain.ChatMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next := pagination.Page(out, limit)
	return page, next, nil
}
