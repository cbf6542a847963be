package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/returns/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client)
	require.NoError(t, err)
	return store, srv
}

func newPost(body, key, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/me/returns", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func TestMiddleware_MissingHeader(t *testing.T) {
	store, _ := newTestStore(t)
	called := false
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(`{"orderId":"ord_1"}`, "", "user-1"))

	if called {
		t.Fatal("handler should not run without idempotency key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_OptionalKeyPassesThrough(t *testing.T) {
	store, _ := newTestStore(t)
	called := false
	handler := Middleware(store, WithOptionalKey())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(`{}`, "", "user-1"))
	require.True(t, called)
	require.Equal(t, http.StatusCreated, rr.Code)
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	store, _ := newTestStore(t)
	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ret_1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newPost(`{"orderId":"ord_1"}`, "key-1", "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newPost(`{"orderId":"ord_1"}`, "key-1", "user-1"))

	require.Equal(t, 1, calls)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(replayHeader))
	require.Equal(t, "application/json", second.Header().Get("Content-Type"))
	require.Equal(t, first.Body.String(), second.Body.String())
}

func TestMiddleware_KeysAreScopedPerUser(t *testing.T) {
	store, _ := newTestStore(t)
	calls := 0
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newPost(`{}`, "shared", "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), newPost(`{}`, "shared", "user-2"))
	require.Equal(t, 2, calls)
}

func TestMiddleware_FingerprintMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newPost(`{"orderId":"ord_1"}`, "key-1", "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(`{"orderId":"ord_2"}`, "key-1", "user-1"))

	require.Equal(t, http.StatusConflict, rr.Code)
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_PendingReservationConflicts(t *testing.T) {
	store, _ := newTestStore(t)
	body := `{"orderId":"ord_1"}`
	req := newPost(body, "key-1", "user-1")
	fingerprint := requestFingerprint(req, []byte(body), "user-1")
	_, err := store.Reserve(req.Context(), "key-1|user-1", fingerprint, fixedTime, time.Minute)
	require.NoError(t, err)

	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run while the key is pending")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newPost(body, "key-1", "user-1"))

	require.Equal(t, http.StatusConflict, rr.Code)
	assertErrorCode(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	store, _ := newTestStore(t)
	calls := 0
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newPost(`{}`, "key-1", "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newPost(`{}`, "key-1", "user-1"))

	require.Equal(t, http.StatusServiceUnavailable, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, 2, calls)
}

func TestMiddleware_RecordsExpire(t *testing.T) {
	store, srv := newTestStore(t)
	calls := 0
	handler := Middleware(store, WithTTL(time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newPost(`{}`, "key-1", "user-1"))
	srv.FastForward(2 * time.Minute)
	handler.ServeHTTP(httptest.NewRecorder(), newPost(`{}`, "key-1", "user-1"))
	require.Equal(t, 2, calls)
}

func TestMiddleware_IgnoresSafeMethods(t *testing.T) {
	store, _ := newTestStore(t)
	called := false
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/me/returns", nil))
	require.True(t, called)
}

func assertErrorCode(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error code %s, got %v", code, payload["error"])
	}
}
