package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/chat-relay/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Migrate creates the tables the relay needs if they are missing.
func Migrate(ctx context.Context, q querier) error {
	_, err := q.Exec(ctx, schema)
	return err
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return domain.ErrConflict
		case "23503": // foreign_key_violation
			return domain.ErrUnknownIdentity
		}
	}

	return err
}

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var (
		m                domain.ChatMessage
		sender, receiver int64
	)
	if err := row.Scan(&m.ID, &sender, &receiver, &m.Content, &m.Timestamp); err != nil {
		return domain.ChatMessage{}, err
	}
	m.Sender = domain.UserID(sender)
	m.Receiver = domain.UserID(receiver)
	m.Timestamp = m.Timestamp.UTC()

	return m, nil
}
