package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/returns/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	nonceKeyPrefix = "hmac:nonce:"
)

type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets holds signing secrets resolved at startup, keyed by lower-case name.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret := strings.TrimSpace(s[strings.ToLower(name)]); secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("auth: hmac secret %q not configured", name)
}

// NonceStore remembers nonces for ttl. UseNonce reports false for a nonce already seen in scope.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceStore shares seen nonces across instances with SET NX.
type RedisNonceStore struct {
	client redis.UniversalClient
}

func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, ttl time.Duration) (bool, error) {
	switch {
	case scope == "" || nonce == "":
		return false, errors.New("auth: scope and nonce are required")
	case ttl <= 0:
		return false, errors.New("auth: nonce ttl must be positive")
	}
	return s.client.SetNX(ctx, nonceKeyPrefix+scope+":"+nonce, 1, ttl).Result()
}

// HMACValidator authenticates webhook calls from integrations holding a shared secret. The
// signature covers method, escaped path, timestamp, nonce and the body's SHA-256, joined by
// newlines.
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  *zap.Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	skew            time.Duration
	nonceTTL        time.Duration
}

type HMACOption func(*HMACValidator)

func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		skew:            5 * time.Minute,
		nonceTTL:        5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature headers. Blank names keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		for dst, name := range map[*string]string{&v.signatureHeader: signature, &v.timestampHeader: timestamp, &v.nonceHeader: nonce} {
			if name = strings.TrimSpace(name); name != "" {
				*dst = name
			}
		}
	}
}

// WithHMACWindows sets how far a timestamp may drift from now and how long nonces are kept.
// The nonce TTL should not be shorter than the skew or replays become possible.
func WithHMACWindows(skew, nonceTTL time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if skew > 0 {
			v.skew = skew
		}
		if nonceTTL > 0 {
			v.nonceTTL = nonceTTL
		}
	}
}

// RequireHMAC verifies requests against the secret called secretName, which also scopes nonces.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scope := strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rejected := v.verify(r, scope); rejected != nil {
				httpx.WriteError(r.Context(), w, *rejected)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(code, message string) *httpx.Error {
	e := httpx.NewError(code, message, http.StatusUnauthorized)
	return &e
}

func unavailable(message string) *httpx.Error {
	e := httpx.NewError("verification_unavailable", message, http.StatusServiceUnavailable)
	return &e
}

// verify checks the cheap things first. The nonce is only consumed once the signature matched,
// so forged requests cannot burn a legitimate caller's nonce.
func (v *HMACValidator) verify(r *http.Request, scope string) *httpx.Error {
	ctx := r.Context()
	secret, err := v.secret(ctx, scope)
	if err != nil {
		v.logger.Error("hmac secret lookup failed", zap.String("scope", scope), zap.Error(err))
		return unavailable("hmac secret unavailable")
	}

	sigValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	tsValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if sigValue == "" || tsValue == "" || nonce == "" {
		return unauthorized("signature_missing", "signature headers missing")
	}

	ts, err := parseSignatureTimestamp(tsValue)
	if err != nil {
		return unauthorized("timestamp_invalid", "signature timestamp invalid")
	}
	if drift := v.now().Sub(ts); drift > v.skew || drift < -v.skew {
		return unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	}

	signature, err := decodeSignature(sigValue)
	if err != nil {
		return unauthorized("signature_invalid", "signature encoding invalid")
	}
	body, err := bufferBody(r)
	if err != nil {
		e := httpx.NewError("invalid_body", "unable to read body for signature verification", http.StatusBadRequest)
		return &e
	}
	if !hmac.Equal(signature, computeHMAC(secret, buildCanonicalString(r, body, tsValue, nonce))) {
		return unauthorized("signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return unavailable("nonce store unavailable")
	}
	fresh, err := v.nonces.UseNonce(ctx, scope, nonce, v.nonceTTL)
	switch {
	case err != nil:
		v.logger.Error("hmac nonce store failed", zap.String("scope", scope), zap.Error(err))
		return unavailable("nonce storage error")
	case !fresh:
		return unauthorized("nonce_replay", "duplicate signature nonce")
	}
	return nil
}

func (v *HMACValidator) secret(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("auth: hmac secret name is empty")
	}
	if v.secrets == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	raw, err := v.secrets.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}
	return []byte(raw), nil
}

// bufferBody reads the body and puts an equivalent reader back for the next handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts hex or standard base64. A base64 SHA-256 MAC always ends in padding,
// so it never parses as hex.
func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC 3339 or Unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	var b bytes.Buffer
	for i, part := range []string{strings.ToUpper(r.Method), path, timestamp, nonce, hex.EncodeToString(sum[:])} {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(part)
	}
	return b.Bytes()
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}
