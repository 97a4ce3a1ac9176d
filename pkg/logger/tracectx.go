package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

func AttrsFromCtx(ctx context.Context) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}

	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}

// Args converts AttrsFromCtx into variadic slog arguments.
func Args(ctx context.Context, extra ...any) []any {
	attrs := AttrsFromCtx(ctx)
	out := make([]any, 0, len(attrs)+len(extra))
	for _, a := range attrs {
		out = append(out, a)
	}

	return append(out, extra...)
}
