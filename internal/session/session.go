// Package session resolves "who is speaking" for an incoming connection.
// Authentication itself lives elsewhere; this package only consumes its tokens.
package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/cwrk-planet/chat-relay/internal/domain"
)

// Resolver returns the current identity for a token, or domain.ErrUnauthenticated.
type Resolver interface {
	CurrentIdentity(ctx context.Context, token string) (domain.Identity, error)
}

type SessionStore interface {
	IdentityBySession(ctx context.Context, token string) (domain.Identity, error)
}

type IdentityStore interface {
	Identity(ctx context.Context, id domain.UserID) (domain.Identity, error)
}

// StoreResolver looks opaque session tokens up in the durable store.
type StoreResolver struct {
	store SessionStore
}

func NewStoreResolver(store SessionStore) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) CurrentIdentity(ctx context.Context, token string) (domain.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}

	return r.store.IdentityBySession(ctx, token)
}

// TokenFromRequest takes the bearer token first, then the session cookie,
// then the access_token query parameter (browsers cannot set headers on a WS upgrade).
func TokenFromRequest(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}

	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFromCtx(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(domain.Identity)
	return id, ok && !id.IsZero()
}
