package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/hanko-field/returns/internal/platform/httpx"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed marks verification failures caused by us rather than the token; they
	// answer 503 so Pub/Sub retries the push.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// JWKSCache holds Google's signing keys for as long as the last response's Cache-Control
// max-age allows, or 15 minutes when the header has none.
type JWKSCache struct {
	url    string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

type JWKSOption func(*JWKSCache)

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key returns the public key for kid. A kid missing from a fresh set triggers one extra fetch,
// which is how key rotation is picked up early.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := len(c.keys) == 0 || !c.now().Before(c.expiry)
	for attempt := 0; attempt < 2; attempt++ {
		if stale {
			if err := c.refreshLocked(ctx); err != nil {
				return nil, err
			}
		}
		if jwk, ok := c.keys[kid]; ok {
			return jwk.Key, nil
		}
		stale = true
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = 15 * time.Minute
	}
	c.keys, c.expiry = keys, c.now().Add(validity)
	c.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("validity", validity))
	return nil
}

func maxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ServiceIdentity is the Google service account behind a verified push request.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// googleClaims is the subset of a Google-signed OIDC token the push endpoints read.
type googleClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// OIDCValidator authenticates Google-signed push requests such as Pub/Sub push deliveries.
type OIDCValidator struct {
	cache  *JWKSCache
	logger *zap.Logger
}

func NewOIDCValidator(cache *JWKSCache, logger *zap.Logger) *OIDCValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OIDCValidator{cache: cache, logger: logger}
}

// RequireOIDC accepts RS256 tokens minted for audience. A non-empty issuers list restricts the
// iss claim.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rejected := v.verify(r, parser, audience, issuers)
			if rejected != nil {
				httpx.WriteError(r.Context(), w, *rejected)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, parser *jwt.Parser, audience string, issuers []string) (*ServiceIdentity, *httpx.Error) {
	if audience == "" || v == nil || v.cache == nil {
		return nil, unavailable("oidc verification not configured")
	}
	raw, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, unauthorized("unauthenticated", "oidc token missing")
	}

	var claims googleClaims
	if _, err := parser.ParseWithClaims(raw, &claims, v.cache.Keyfunc(r.Context())); err != nil {
		v.logger.Warn("oidc verification failed", zap.Error(err))
		if errors.Is(err, ErrJWKSFetchFailed) {
			e := httpx.NewError("invalid_token", "oidc token verification failed", http.StatusServiceUnavailable)
			return nil, &e
		}
		return nil, unauthorized("invalid_token", "oidc token verification failed")
	}
	if len(issuers) > 0 && !slices.Contains(issuers, claims.Issuer) {
		v.logger.Warn("oidc issuer mismatch", zap.String("issuer", claims.Issuer))
		return nil, unauthorized("invalid_token", "oidc issuer mismatch")
	}
	if !claims.VerifyAudience(audience, true) {
		v.logger.Warn("oidc audience mismatch", zap.Strings("audience", claims.Audience))
		return nil, unauthorized("invalid_token", "oidc audience mismatch")
	}
	return &ServiceIdentity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Issuer:   claims.Issuer,
		Audience: audience,
	}, nil
}
