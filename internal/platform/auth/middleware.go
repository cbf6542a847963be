package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/returns/internal/platform/httpx"
)

// ErrTokenExpired lets verifiers other than Firebase report expiry.
var ErrTokenExpired = errors.New("auth: firebase id token expired")

type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns Firebase ID tokens into an Identity on the request context. Roles come
// from the "role" custom claim; tokens without one are treated as customers.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier, timeout: 5 * time.Second}
}

// RequireFirebaseAuth verifies the bearer token. With allowedRoles the identity must also hold
// one of them, otherwise 403.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := normaliseRoles(allowedRoles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rejected := a.authenticate(r)
			if rejected == nil && len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				e := httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden)
				rejected = &e
			}
			if rejected != nil {
				httpx.WriteError(r.Context(), w, *rejected)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *httpx.Error) {
	raw, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, unauthorized("unauthenticated", "authorization header missing or invalid")
	}
	if a == nil || a.verifier == nil {
		return nil, unauthorized("unauthenticated", "authorization service unavailable")
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return nil, unauthorized("token_expired", "firebase id token expired")
	default:
		return nil, unauthorized("invalid_token", "firebase id token invalid")
	}

	identity := &Identity{UID: token.UID, Roles: rolesFromClaims(token.Claims, "role")}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleUser}
	}
	return identity, nil
}

// rolesFromClaims accepts the claim as a string, a list, or a map of role name to enabled flag.
func rolesFromClaims(claims map[string]any, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for name, flag := range v {
			if enabled, _ := flag.(bool); enabled {
				raw = append(raw, name)
			}
		}
	}
	return normaliseRoles(raw)
}

// normaliseRoles lower-cases, drops blanks and removes duplicates, keeping first-seen order.
func normaliseRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]bool, len(roles))
	for _, role := range roles {
		role = normaliseRole(role)
		if role != "" && !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	return out
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
