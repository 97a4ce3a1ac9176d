package grpcx

import (
	"context"
	"time"

	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health key the relay reports under; "" covers the whole server.
const ServiceName = "chat.relay.v1.Relay"

type Pinger interface {
	Ping(ctx context.Context) error
}

func NewServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return gs, hs
}

// WatchStore flips the health status with store reachability until ctx ends,
// then reports NOT_SERVING so load balancers drain before shutdown.
func WatchStore(ctx context.Context, hs *health.Server, db Pinger, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	log := logger.FromContext(ctx).With("component", "grpc-health")

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, every)
		defer cancel()

		st := healthpb.HealthCheckResponse_SERVING
		if err := db.Ping(pctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			log.Warn("store ping failed", logger.Err(err))
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}
