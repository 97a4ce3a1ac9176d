package grpcx

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/chat-relay/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultDeadline = 10 * time.Second

// UnaryServerInterceptor bounds calls that arrive without a deadline and
// turns panics into codes.Internal.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		if _, ok := ctx.Deadline(); !ok {
			// дефолтный guard, если у вызова нет deadline
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultDeadline)
			defer cancel()
		}
		defer observe(ctx, "unary", info.FullMethod, time.Now(), &err)

		return handler(ctx, req)
	}
}

// StreamServerInterceptor covers health Watch streams; those run until the
// client leaves, so no deadline is imposed.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer observe(ss.Context(), "stream", info.FullMethod, time.Now(), &err)

		return handler(srv, ss)
	}
}

// observe must be deferred directly so recover sees the handler's panic.
func observe(ctx context.Context, kind, method string, start time.Time, err *error) {
	log := logger.FromContext(ctx)
	if r := recover(); r != nil {
		log.ErrorContext(ctx, "grpc panic",
			"kind", kind,
			"method", method,
			"panic", r,
			"stack", string(debug.Stack()))
		*err = status.Error(codes.Internal, "internal server error")
	}
	log.DebugContext(ctx, "grpc call", logger.Args(ctx,
		"kind", kind,
		"method", method,
		"dur_ms", time.Since(start).Milliseconds(),
		"code", status.Code(*err).String())...)
}
