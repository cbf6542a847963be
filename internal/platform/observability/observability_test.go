package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/returns/internal/platform/auth"
	"github.com/hanko-field/returns/internal/platform/requestctx"
)

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(core))

	logEvent(context.Background(), "settlements.processed", map[string]any{"requestId": "ret_1", "amount": int64(1200)})
	logEvent(context.Background(), "returns.settlement.publish.failed", map[string]any{"requestId": "ret_1"})
	logEvent(context.Background(), "returns.invariant.violated", nil)

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[1].Level != zapcore.WarnLevel || entries[2].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected levels: %v %v %v", entries[0].Level, entries[1].Level, entries[2].Level)
	}
	fields := entries[0].ContextMap()
	if fields["requestId"] != "ret_1" || fields["event"] != "settlements.processed" {
		t.Fatalf("unexpected fields: %#v", fields)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	logEvent := EventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	logEvent(ctx, "vouchers.reserved", nil)

	if baseLogs.Len() != 0 || reqLogs.Len() != 1 {
		t.Fatalf("expected request logger to be used, base=%d req=%d", baseLogs.Len(), reqLogs.Len())
	}
}

func TestRequestLoggerMiddlewareFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	router := chi.NewRouter()
	router.Use(InjectLoggerMiddleware(zap.New(core)))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(RequestLoggerMiddleware("proj"))
	router.Get("/admin/returns/{requestID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/returns/ret_9", nil))

	completed := logs.FilterMessage("request completed").AllUntimed()
	if len(completed) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(completed))
	}
	entry := completed[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn for 409, got %v", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["principal"] != "staff:staff-1" {
		t.Fatalf("unexpected principal %v", fields["principal"])
	}
	if fields["route"] != "/admin/returns/{requestID}" {
		t.Fatalf("unexpected route %v", fields["route"])
	}
	if fields["status"] != int64(http.StatusConflict) {
		t.Fatalf("unexpected status %v", fields["status"])
	}
}

func TestRecoveryMiddlewareWritesJSON(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "internal_server_error" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestParseCloudTraceContext(t *testing.T) {
	spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if spanCtx.TraceID().String() != "105445aa7843bc8bf206b12000100000" || !spanCtx.IsSampled() {
		t.Fatalf("unexpected span context %#v", spanCtx)
	}
	if spanCtx.SpanID().String() != "0000000000000001" || !spanCtx.IsRemote() {
		t.Fatalf("unexpected span %s", spanCtx.SpanID())
	}
	info := requestctx.TraceInfo{TraceID: spanCtx.TraceID().String(), SpanID: spanCtx.SpanID().String(), Sampled: true}
	if got := formatCloudTraceHeader(info); got != "105445aa7843bc8bf206b12000100000/1;o=1" {
		t.Fatalf("unexpected formatted header %s", got)
	}

	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var got requestctx.TraceInfo
	handler := TraceMiddleware("proj")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me/returns", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got.ProjectID != "proj" || got.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected traceparent to be continued, got %#v", got)
	}
	if header := rr.Header().Get(cloudTraceHeader); !strings.HasPrefix(header, "4bf92f3577b34da6a3ce929d0e0e4736/") {
		t.Fatalf("unexpected cloud trace header %q", header)
	}
}

func TestSanitizeHelpers(t *testing.T) {
	if got := SanitizeRoute("/api/v1/me/returns\n{requestID}"); got != "/api/v1/me/returns{requestID}" {
		t.Fatalf("unexpected route %q", got)
	}
	if got := SanitizeRoute("  "); got != "/" {
		t.Fatalf("expected root for blank route, got %q", got)
	}
	if got := SanitizeMethod("post\r\n"); got != "POST" {
		t.Fatalf("unexpected method %q", got)
	}
	if got := SanitizeUserID(strings.Repeat("u", 100)); len(got) != maxPrincipalRunes {
		t.Fatalf("expected principal capped at %d runes, got %d", maxPrincipalRunes, len(got))
	}
}
