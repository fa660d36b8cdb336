package auth

import "time"

// System-wide roles. Admins bypass per-entity permission checks.
const (
	SystemRoleAdmin  = "admin"
	SystemRoleMember = "member"
)

// Organization-scoped membership roles.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// User is a human or service account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	SystemRole   string
	CreatedAt    time.Time
}

// MembershipSummary is the resolved view of one user's role in one
// organization. The permission engine and the stream dispatcher consume
// these; they are resolved once when a principal authenticates.
type MembershipSummary struct {
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// ResourceRef identifies the entity a permission check is about.
type ResourceRef struct {
	ID             string
	EntityType     string
	OrganizationID string
}
