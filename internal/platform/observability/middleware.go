package observability

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/returns/internal/platform/auth"
	"github.com/hanko-field/returns/internal/platform/httpx"
	"github.com/hanko-field/returns/internal/platform/requestctx"
)

// InjectLoggerMiddleware makes logger the request-scoped logger.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware derives a per-request logger carrying request, trace and principal fields
// and writes one completion entry whose level follows the response status. It must run after the
// trace and auth middlewares to see their context values.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := requestLogger(r, projectID)
			ctx := requestctx.WithLogger(r.Context(), logger)
			r = r.WithContext(ctx)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger.Info("request started")
			completed := false
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if !completed && status < http.StatusInternalServerError {
					// a panic is unwinding; RecoveryMiddleware will answer 500
					status = http.StatusInternalServerError
				}
				route := SanitizeRoute(routePattern(r))
				annotateSpan(trace.SpanFromContext(ctx), status, route)

				fields := []zap.Field{
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int("bytes", ww.BytesWritten()),
					zap.String("route", route),
				}
				if id := chi.URLParam(r, "requestID"); id != "" {
					fields = append(fields, zap.String("return_request_id", clean(id, 64)))
				}
				logger.Log(completionLevel(status), "request completed", fields...)
			}()

			next.ServeHTTP(ww, r)
			completed = true
		})
	}
}

// RecoveryMiddleware turns a panic into a logged stack trace and a 500 JSON error.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger := requestctx.Logger(r.Context())
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(r *http.Request, projectID string) *zap.Logger {
	ctx := r.Context()
	info, _ := requestctx.Trace(ctx)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("path", SanitizeRoute(r.URL.Path)),
		zap.String("trace_id", info.TraceID),
		zap.String("principal", principal(ctx)),
	}
	if project := firstNonEmpty(info.ProjectID, projectID); project != "" && info.TraceID != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", "projects/"+project+"/traces/"+info.TraceID))
	}
	if ip := remoteIP(r.RemoteAddr); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return requestctx.Logger(ctx).With(fields...)
}

// principal names the caller as "user:<uid>", "staff:<uid>" or "service:<subject>".
func principal(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		kind := "user:"
		if identity.IsStaff() {
			kind = "staff:"
		}
		return kind + SanitizeUserID(identity.UID)
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		return "service:" + SanitizeUserID(svc.Subject)
	}
	return ""
}

// routePattern is only complete once chi has routed the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func remoteIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clean(addr, 64)
}

func annotateSpan(span trace.Span, status int, route string) {
	span.SetAttributes(semconv.HTTPResponseStatusCode(status), semconv.HTTPRoute(route))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func completionLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
