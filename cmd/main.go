package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cwrk-planet/chat-relay/config"
	"github.com/cwrk-planet/chat-relay/internal/domain"
	"github.com/cwrk-planet/chat-relay/internal/metrics"
	"github.com/cwrk-planet/chat-relay/internal/postgres"
	"github.com/cwrk-planet/chat-relay/internal/presence"
	"github.com/cwrk-planet/chat-relay/internal/service"
	"github.com/cwrk-planet/chat-relay/internal/session"
	"github.com/cwrk-planet/chat-relay/internal/sqlite"
	grpcx "github.com/cwrk-planet/chat-relay/internal/transport/grpc"
	httpx "github.com/cwrk-planet/chat-relay/internal/transport/http"
	"github.com/cwrk-planet/chat-relay/internal/transport/ws"
	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// stores is whichever durable backend the config selected.
type stores struct {
	messages   service.MessageStore
	identities service.IdentityStore
	directory  service.IdentityLister
	sessions   session.SessionStore
	ping       func(ctx context.Context) error
	close      func()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	seed := flag.String("seed", "", "comma-separated nicknames to create with fresh session tokens (sqlite store only)")
	flag.Parse()

	// --- config ---
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting chat-relay",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "store", cfg.Store.Driver, "session", cfg.Session.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- tracing: span ids for log correlation, no exporter ---
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// --- store ---
	st, err := openStores(ctx, cfg, *seed)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.close()

	resolver, err := newResolver(cfg, st)
	if err != nil {
		log.Fatalf("session: %v", err)
	}

	// --- services ---
	metrics.Register()
	registry := presence.NewRegistry(logger.L())
	relaySvc := service.NewRelayService(st.messages, st.identities, registry, cfg.Relay.MaxContentLen)
	historySvc := service.NewHistoryService(st.messages, st.identities, cfg.Relay.HistoryLimit)
	directorySvc := service.NewDirectoryService(st.directory, registry)

	// --- WS ---
	wsServer := ws.NewServer(ws.Options{
		CookieName:     cfg.Session.CookieName,
		PingEvery:      cfg.WS.PingEvery,
		PongWait:       cfg.WS.PongWait,
		WriteWait:      cfg.WS.WriteWait,
		SendQueue:      cfg.WS.SendQueue,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		RateRPS:        cfg.WS.RateRPS,
		RateBurst:      cfg.WS.RateBurst,
		AllowedOrigins: cfg.WS.AllowedOrigins,
	}, resolver, registry, relaySvc)

	// --- HTTP ---
	handler := httpx.NewHandler(historySvc, directorySvc, registry, pingFunc(st.ping))
	router := httpx.NewRouter(httpx.RouterDeps{
		Handler:     handler,
		WS:          wsServer.HandleWS,
		Metrics:     metrics.Handler(),
		Resolver:    resolver,
		CookieName:  cfg.Session.CookieName,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// --- gRPC health ---
	grpcServer, healthSrv := grpcx.NewServer()
	go grpcx.WatchStore(ctx, healthSrv, pingFunc(st.ping), 5*time.Second)

	// --- run ---
	errCh := make(chan error, 2)

	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.GRPC.Addr != "" {
		go func() {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				errCh <- err
				return
			}
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	// --- graceful shutdown ---
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal")
	case err := <-errCh:
		slog.Error("server error", logger.Err(err))
	}
	stop()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(ctxShutdown); err != nil {
		slog.Warn("ws shutdown", logger.Err(err))
	}
	_ = httpSrv.Shutdown(ctxShutdown)
	grpcServer.GracefulStop()
	slog.Info("stopped")
}

func openStores(ctx context.Context, cfg *config.Config, seed string) (*stores, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if seed != "" {
			return nil, errors.New("-seed is only supported with the sqlite store")
		}
		db, err := postgres.Connect(ctx, postgres.Config{
			DSN:               cfg.Store.Postgres.DSN,
			MaxConns:          cfg.Store.Postgres.MaxConns,
			MinConns:          cfg.Store.Postgres.MinConns,
			MaxConnLifetime:   cfg.Store.Postgres.MaxConnLifetime,
			MaxConnIdleTime:   cfg.Store.Postgres.MaxConnIdleTime,
			HealthCheckPeriod: cfg.Store.Postgres.HealthCheckPeriod,
			ApplicationName:   cfg.Store.Postgres.ApplicationName,
			SlowQuery:         cfg.Store.Postgres.SlowQuery,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		ids := postgres.NewIdentityRepository(db.Pool)
		return &stores{
			messages:   postgres.NewMessageRepository(db.Pool),
			identities: ids,
			directory:  ids,
			sessions:   ids,
			ping:       db.Ping,
			close:      db.Close,
		}, nil

	default:
		db, err := sqlite.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		if seed != "" {
			if err := seedUsers(ctx, db, seed); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &stores{
			messages:   db,
			identities: db,
			directory:  db,
			sessions:   db,
			ping:       db.Ping,
			close:      func() { _ = db.Close() },
		}, nil
	}
}

// seedUsers creates local identities for development and prints their tokens.
func seedUsers(ctx context.Context, db *sqlite.Store, nicks string) error {
	for _, nick := range strings.Split(nicks, ",") {
		nick = strings.TrimSpace(nick)
		if nick == "" {
			continue
		}
		ident, err := db.CreateUser(ctx, nick)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("seed %s: %w", nick, err)
		}
		if errors.Is(err, domain.ErrConflict) {
			slog.Warn("seed: nickname taken, skipping", "nickname", nick)
			continue
		}
		token := uuid.NewString()
		if err := db.CreateSession(ctx, token, ident.ID, 30*24*time.Hour); err != nil {
			return fmt.Errorf("seed session %s: %w", nick, err)
		}
		fmt.Printf("user %d %s token=%s\n", ident.ID, ident.Nickname, token)
	}

	return nil
}

func newResolver(cfg *config.Config, st *stores) (session.Resolver, error) {
	if cfg.Session.Mode != config.SessionModeJWT {
		return session.NewStoreResolver(st.sessions), nil
	}

	pub, err := session.LoadRSAPublicKeyFromPEM(cfg.Session.JWT.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("jwt public key: %w", err)
	}

	return session.NewJWTResolver(pub, cfg.Session.JWT.Issuer, cfg.Session.JWT.Audience, cfg.Session.JWT.ClockSkew, st.identities), nil
}
