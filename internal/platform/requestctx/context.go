// Package requestctx carries request-scoped values (logger, trace) between middleware and
// handlers.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var nop = zap.NewNop()

// TraceInfo is the trace context parsed from X-Cloud-Trace-Context or the active span.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func with[T any](ctx context.Context, key any, value T) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func from[T any](ctx context.Context, key any) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// WithLogger attaches logger; nil stores a no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return with(ctx, loggerKey{}, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := from[*zap.Logger](ctx, loggerKey{}); ok && logger != nil {
		return logger
	}
	return nop
}

func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return from[TraceInfo](ctx, traceKey{})
}

// TraceID is empty when no trace was attached.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
