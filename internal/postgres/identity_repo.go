package postgres

import (
	"context"
	"errors"

	"github.com/cwrk-planet/chat-relay/internal/domain"

	"github.com/jackc/pgx/v5"
)

type IdentityRepository struct {
	db querier
}

func NewIdentityRepository(db querier) *IdentityRepository {
	return &IdentityRepository{db: db}
}

func (r *IdentityRepository) Identity(ctx context.Context, id domain.UserID) (domain.Identity, error) {
	ident, err := r.scanOne(ctx, qIdentityByID, int64(id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Identity{}, domain.ErrUnknownIdentity
	}

	return ident, err
}

func (r *IdentityRepository) Identities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.db.Query(ctx, qIdentities)
	if err != nil {
		return nil, mapPgError(err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Identity, error) {
		var (
			id       int64
			nickname string
		)
		err := row.Scan(&id, &nickname)
		return domain.Identity{ID: domain.UserID(id), Nickname: nickname}, err
	})
	if err != nil {
		return nil, mapPgError(err)
	}

	return out, nil
}

// IdentityBySession resolves a live (non-expired) session token.
func (r *IdentityRepository) IdentityBySession(ctx context.Context, token string) (domain.Identity, error) {
	ident, err := r.scanOne(ctx, qIdentityBySession, token)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	return ident, err
}

func (r *IdentityRepository) scanOne(ctx context.Context, sql string, arg any) (domain.Identity, error) {
	var (
		id       int64
		nickname string
	)
	if err := r.db.QueryRow(ctx, sql, arg).Scan(&id, &nickname); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Identity{}, err
		}
		return domain.Identity{}, mapPgError(err)
	}

	return domain.Identity{ID: domain.UserID(id), Nickname: nickname}, nil
}
