package auth

import "context"

// Principal is the authenticated identity attached to a request or stream
// connection, with memberships already resolved.
type Principal struct {
	UserID         string
	OrganizationID string
	SystemRole     string
	Memberships    []MembershipSummary
}

// IsAdmin reports whether the principal carries the administrative override.
func (p Principal) IsAdmin() bool { return p.SystemRole == SystemRoleAdmin }

// PrincipalFromClaims builds a Principal from verified session claims.
func PrincipalFromClaims(claims *Claims) Principal {
	memberships := make([]MembershipSummary, len(claims.Memberships))
	copy(memberships, claims.Memberships)
	return Principal{
		UserID:         claims.Subject,
		OrganizationID: claims.OrganizationID,
		SystemRole:     claims.SystemRole,
		Memberships:    memberships,
	}
}

type ctxKey string

const principalKey ctxKey = "auth_principal"

// ContextWithPrincipal stores the authenticated principal in the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}
