package http

import (
	"net/http"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/session"
	httpmw "github.com/cwrk-planet/chat-relay/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterDeps struct {
	Handler     *Handler
	WS          http.HandlerFunc
	Metrics     http.Handler
	Resolver    session.Resolver
	CookieName  string
	CORSOrigins []string
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(httpmw.WithRequestLogger)
	r.Use(httpmw.RequestLogger)
	r.Use(middlewareChi.Recoverer)

	// WS endpoint; authenticates itself before upgrading
	r.Get("/ws", d.WS)

	r.Route("/api", func(api chi.Router) {
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		api.Use(httpmw.SessionAuth(d.Resolver, d.CookieName))
		api.Use(middlewareChi.Timeout(30 * time.Second))

		api.Get("/me", d.Handler.GetMe)
		api.Get("/messages", d.Handler.GetMessages)
		api.Get("/online", d.Handler.GetOnline)
		api.Get("/users", d.Handler.GetUsers)
	})

	r.Get("/healthz", d.Handler.Health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	return r
}
