package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const voucherScope = "vouchers"

type hmacFixture struct {
	validator *HMACValidator
	redis     *miniredis.Miniredis
	now       time.Time
	secret    string
}

func newHMACFixture(t *testing.T) *hmacFixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	secrets := StaticSecrets{voucherScope: "voucher-secret"}
	return &hmacFixture{
		validator: NewHMACValidator(secrets, NewRedisNonceStore(client),
			WithHMACClock(func() time.Time { return now }),
			WithHMACWindows(2*time.Minute, 10*time.Minute),
		),
		redis:  srv,
		now:    now,
		secret: "voucher-secret",
	}
}

func (f *hmacFixture) signedRequest(body []byte, timestamp time.Time, nonce string, hexEncode bool) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/vouchers/confirm", bytes.NewReader(body))
	ts := timestamp.Format(time.RFC3339)
	signature := computeHMAC([]byte(f.secret), buildCanonicalString(req, body, ts, nonce))
	encoded := base64.StdEncoding.EncodeToString(signature)
	if hexEncode {
		encoded = hex.EncodeToString(signature)
	}
	req.Header.Set(defaultSignatureHeader, encoded)
	req.Header.Set(defaultTimestampHeader, ts)
	req.Header.Set(defaultNonceHeader, nonce)
	return req
}

func (f *hmacFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.validator.RequireHMAC(voucherScope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)
	return rr
}

func TestRequireHMAC_Success(t *testing.T) {
	f := newHMACFixture(t)
	body := []byte(`{"userId":"user_1","voucherId":"v_1","paymentIntentId":"pi_1"}`)

	rr := f.serve(f.signedRequest(body, f.now, "nonce-1", false))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.True(t, f.redis.Exists(nonceKeyPrefix+voucherScope+":nonce-1"))

	rr = f.serve(f.signedRequest(body, f.now, "nonce-2", true))
	require.Equal(t, http.StatusAccepted, rr.Code, "hex signatures are accepted")
}

func TestRequireHMAC_ReplayRejected(t *testing.T) {
	f := newHMACFixture(t)
	body := []byte(`{"paymentIntentId":"pi_1"}`)

	require.Equal(t, http.StatusAccepted, f.serve(f.signedRequest(body, f.now, "nonce-r", false)).Code)
	rr := f.serve(f.signedRequest(body, f.now, "nonce-r", false))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "nonce_replay")

	f.redis.FastForward(11 * time.Minute)
	require.Equal(t, http.StatusAccepted, f.serve(f.signedRequest(body, f.now, "nonce-r", false)).Code)
}

func TestRequireHMAC_SignatureMismatch(t *testing.T) {
	f := newHMACFixture(t)
	req := f.signedRequest([]byte(`{"amount":1}`), f.now, "nonce-m", false)
	req.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"amount":2}`))).Body

	rr := f.serve(req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "signature_mismatch")
}

func TestRequireHMAC_TimestampSkewRejected(t *testing.T) {
	f := newHMACFixture(t)
	rr := f.serve(f.signedRequest([]byte(`{}`), f.now.Add(-3*time.Minute), "nonce-s", false))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "timestamp_skew")
}

func TestRequireHMAC_MissingHeaders(t *testing.T) {
	f := newHMACFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/vouchers/confirm", bytes.NewReader([]byte(`{}`)))
	require.Equal(t, http.StatusUnauthorized, f.serve(req).Code)
}

func TestRequireHMAC_SecretUnavailable(t *testing.T) {
	f := newHMACFixture(t)
	rr := httptest.NewRecorder()
	f.validator.RequireHMAC("unknown")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})).ServeHTTP(rr, f.signedRequest([]byte(`{}`), f.now, "nonce-u", false))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRedisNonceStoreValidatesInput(t *testing.T) {
	f := newHMACFixture(t)
	store := f.validator.nonces
	_, err := store.UseNonce(context.Background(), "", "n", time.Minute)
	require.Error(t, err)
	_, err = store.UseNonce(context.Background(), voucherScope, "n", 0)
	require.Error(t, err)
}
