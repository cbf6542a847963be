package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/returns/internal/platform/auth"
	"github.com/hanko-field/returns/internal/platform/httpx"
)

const (
	keyHeader    = "Idempotency-Key"
	replayHeader = "X-Idempotent-Replay"
	maxKeyLength = 255
)

type guard struct {
	store    Store
	ttl      time.Duration
	required bool
	clock    func() time.Time
	logger   *zap.Logger
}

type MiddlewareOption func(*guard)

func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithOptionalKey lets POSTs without an Idempotency-Key through unguarded instead of 400.
func WithOptionalKey() MiddlewareOption {
	return func(g *guard) { g.required = false }
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Middleware makes POSTs safe to retry. Keys are scoped to the caller, so two users may reuse a
// key. A retry with the same key and request gets the first response back with
// X-Idempotent-Replay set; the same key with a different request is a 409. 5xx responses are not
// kept. Other methods pass straight through.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{store: store, ttl: DefaultTTL, required: true, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(keyHeader))
	switch {
	case key == "" && !g.required:
		next.ServeHTTP(w, r)
		return
	case key == "":
		fail(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	case len(key) > maxKeyLength:
		fail(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key is too long")
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		fail(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read request body")
		return
	}
	caller := requester(ctx)
	scoped := key + "|" + caller
	fingerprint := requestFingerprint(r, body, caller)

	reservation, err := g.store.Reserve(ctx, scoped, fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		fail(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		g.logger.Warn("idempotency reserve failed", zap.Error(err))
		fail(ctx, w, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
		return
	case reservation.State == ReservationStateCompleted:
		replay(w, reservation.Record)
		return
	case reservation.State == ReservationStatePending:
		fail(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	buf := &bufferedResponse{header: make(http.Header)}
	next.ServeHTTP(buf, r)

	if status := buf.statusCode(); status >= http.StatusInternalServerError {
		if err := g.store.Release(ctx, scoped, fingerprint); err != nil {
			g.logger.Warn("idempotency release failed", zap.Error(err))
		}
	} else {
		resp := Response{Status: status, Headers: buf.header, Body: buf.body.Bytes()}
		if err := g.store.SaveResponse(ctx, scoped, fingerprint, resp, g.clock().UTC(), g.ttl); err != nil {
			g.logger.Warn("idempotency save failed", zap.Error(err))
		}
	}
	if err := buf.flushTo(w); err != nil {
		g.logger.Debug("idempotency flush failed", zap.Error(err))
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestFingerprint hashes method, path, query, caller and a body digest.
func requestFingerprint(r *http.Request, body []byte, caller string) string {
	digest := ""
	if len(body) > 0 {
		digest = sha256Hex(body)
	}
	return sha256Hex([]byte(strings.Join([]string{r.Method, r.URL.Path, r.URL.RawQuery, caller, digest}, "|")))
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return svc.Subject
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(statusOrOK(record.ResponseStatus))
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func fail(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func statusOrOK(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

// bufferedResponse holds the handler's response until it has been stored.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(data)
}

func (b *bufferedResponse) statusCode() int { return statusOrOK(b.status) }

func (b *bufferedResponse) flushTo(w http.ResponseWriter) error {
	maps.Copy(w.Header(), b.header)
	w.WriteHeader(b.statusCode())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(b.body.Bytes())
	return err
}
