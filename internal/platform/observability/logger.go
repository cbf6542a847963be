package observability

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/returns/internal/platform/requestctx"
)

// NewLogger builds a JSON logger whose keys Cloud Logging understands (severity, timestamp,
// message). LOG_LEVEL picks the level; unset or unknown means info.
func NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// eventLevels maps an event name suffix to its log level. Anything else logs at info.
var eventLevels = map[string]zapcore.Level{
	".violated": zapcore.ErrorLevel,
	".failed":   zapcore.WarnLevel,
}

func eventLevel(event string) zapcore.Level {
	if i := strings.LastIndexByte(event, '.'); i >= 0 {
		if level, ok := eventLevels[event[i:]]; ok {
			return level
		}
	}
	return zapcore.InfoLevel
}

// EventLogger adapts zap to the func(ctx, event, fields) loggers the services take. A request
// logger on ctx is preferred over base so events carry request_id and trace fields. Fields are
// emitted in key order.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for _, key := range slices.Sorted(maps.Keys(fields)) {
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		logger.Log(eventLevel(event), event, zapFields...)
	}
}
