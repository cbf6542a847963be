package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles carried in the Firebase "role" custom claim.
const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the customer or back-office principal behind a verified Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// IsStaff reports whether the identity may review and settle return requests.
func (i *Identity) IsStaff() bool {
	return i.HasRole(RoleStaff) || i.HasRole(RoleAdmin)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the principal RequireFirebaseAuth attached, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
