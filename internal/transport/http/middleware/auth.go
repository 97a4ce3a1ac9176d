package httpmw

import (
	"errors"
	"net/http"

	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/session"
	"github.com/cwrk-planet/chat-relay/pkg/logger"
)

// SessionAuth resolves the caller's identity and stores it in the request context.
func SessionAuth(resolver session.Resolver, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident, err := resolver.CurrentIdentity(r.Context(), session.TokenFromRequest(r, cookieName))
			if err != nil {
				if !errors.Is(err, domain.ErrUnauthenticated) {
					logger.FromContext(r.Context()).Error("session lookup failed", logger.Err(err))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthenticated"}`))
				return
			}

			ctx := session.WithIdentity(r.Context(), ident)
			ctx = logger.WithContext(ctx, logger.FromContext(ctx).With("user", ident.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
