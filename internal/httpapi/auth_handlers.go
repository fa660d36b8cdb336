package httpapi

import (
	"net/http"
	"strings"
	"time"

	"meshsync.org/internal/audit"
	"meshsync.org/internal/auth"
)

type tokenRequest struct {
	User         string                   `json:"user"`
	Organization string                   `json:"organization"`
	SystemRole   string                   `json:"system_role"`
	Memberships  []auth.MembershipSummary `json:"memberships"`
	Password     string                   `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const sessionTTL = 15 * time.Minute

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	org := strings.TrimSpace(req.Organization)
	if org == "" {
		writeError(w, r, http.StatusBadRequest, "organization is required")
		return
	}

	systemRole := req.SystemRole
	if systemRole == "" {
		systemRole = auth.SystemRoleMember
	}
	if len(a.users) > 0 {
		account, ok := a.users[user]
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unknown user")
			return
		}
		if err := auth.VerifyPassword(account.PasswordHash, req.Password); err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		systemRole = account.SystemRole
	}

	memberships := make([]auth.MembershipSummary, 0, len(req.Memberships))
	for _, m := range req.Memberships {
		if strings.TrimSpace(m.OrganizationID) == "" || strings.TrimSpace(m.Role) == "" {
			continue
		}
		memberships = append(memberships, m)
	}

	tok, err := auth.GenerateToken(user, org, systemRole, memberships, sessionTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(sessionTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"org":        org,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     tok,
		ExpiresAt: expiresAt,
	})
}
