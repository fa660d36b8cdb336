package auth

import "strings"

// Engine decides whether a set of memberships allows an action on a
// resource. The dispatcher and API depend on this narrow interface so the
// real engine can be swapped for a fake in tests.
type Engine interface {
	Allow(memberships []MembershipSummary, action string, ref ResourceRef) (bool, error)
}

// Actions understood by the membership engine.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// MembershipEngine grants access based on the principal's role in the
// resource's organization: viewers read, editors read and write, org admins
// do everything.
type MembershipEngine struct{}

// NewMembershipEngine returns the default permission engine.
func NewMembershipEngine() MembershipEngine { return MembershipEngine{} }

// Allow implements Engine. Unknown actions are denied.
func (MembershipEngine) Allow(memberships []MembershipSummary, action string, ref ResourceRef) (bool, error) {
	if ref.OrganizationID == "" {
		return false, nil
	}
	for _, m := range memberships {
		if m.OrganizationID != ref.OrganizationID {
			continue
		}
		if roleAllows(strings.ToLower(m.Role), action) {
			return true, nil
		}
	}
	return false, nil
}

func roleAllows(role, action string) bool {
	switch role {
	case RoleAdmin:
		return action == ActionRead || action == ActionWrite || action == ActionDelete
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}
