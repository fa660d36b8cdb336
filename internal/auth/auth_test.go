package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setTestSecret(t *testing.T) {
	t.Helper()
	t.Setenv("MESHSYNC_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParseToken(t *testing.T) {
	setTestSecret(t)

	memberships := []MembershipSummary{
		{OrganizationID: "org-1", Role: RoleEditor},
		{OrganizationID: "org-2", Role: RoleViewer},
	}
	tok, err := GenerateToken("user-1", "org-1", "Admin", memberships, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(tok)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-1" || claims.OrganizationID != "org-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.SystemRole != SystemRoleAdmin {
		t.Fatalf("expected normalized system role, got %q", claims.SystemRole)
	}
	if len(claims.Memberships) != 2 || claims.Memberships[1].Role != RoleViewer {
		t.Fatalf("memberships not preserved: %+v", claims.Memberships)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setTestSecret(t)

	if _, err := GenerateToken("", "org-1", "", nil, time.Minute); err == nil {
		t.Fatalf("expected error for missing user")
	}
	if _, err := GenerateToken("user-1", "", "", nil, time.Minute); err == nil {
		t.Fatalf("expected error for missing organization")
	}
	if _, err := GenerateToken("user-1", "org-1", "", nil, 0); err == nil {
		t.Fatalf("expected error for non-positive ttl")
	}
}

func TestParseAndValidateRejectsGarbage(t *testing.T) {
	setTestSecret(t)

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", tok, err)
		}
	}
}

func TestParseAndValidateRejectsWrongSecret(t *testing.T) {
	t.Setenv("MESHSYNC_AUTH_SECRET", "secret-one")
	ResetSecretForTests()
	tok, err := GenerateToken("user-1", "org-1", "", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv("MESHSYNC_AUTH_SECRET", "secret-two")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if _, err := ParseAndValidate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("MESHSYNC_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-1", "org-1", "", nil, time.Minute); err == nil {
		t.Fatalf("expected error without configured secret")
	}
}

func TestPrincipalFromClaimsAndContext(t *testing.T) {
	setTestSecret(t)

	tok, err := GenerateToken("user-1", "org-1", "admin", []MembershipSummary{
		{OrganizationID: "org-1", Role: RoleAdmin},
	}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(tok)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}

	p := PrincipalFromClaims(claims)
	if !p.IsAdmin() {
		t.Fatalf("expected admin principal: %+v", p)
	}

	ctx := ContextWithPrincipal(context.Background(), p)
	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "user-1" || got.OrganizationID != "org-1" {
		t.Fatalf("unexpected principal: %+v ok=%v", got, ok)
	}

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal on empty context")
	}
}

func TestMembershipEngine(t *testing.T) {
	engine := NewMembershipEngine()
	memberships := []MembershipSummary{
		{OrganizationID: "org-view", Role: RoleViewer},
		{OrganizationID: "org-edit", Role: RoleEditor},
		{OrganizationID: "org-admin", Role: "Admin"}, // role case is normalized
	}

	cases := []struct {
		org    string
		action string
		want   bool
	}{
		{"org-view", ActionRead, true},
		{"org-view", ActionWrite, false},
		{"org-edit", ActionRead, true},
		{"org-edit", ActionWrite, true},
		{"org-edit", ActionDelete, false},
		{"org-admin", ActionDelete, true},
		{"org-none", ActionRead, false},
		{"", ActionRead, false},
		{"org-admin", "transmogrify", false},
	}
	for _, tc := range cases {
		got, err := engine.Allow(memberships, tc.action, ResourceRef{EntityType: "task", OrganizationID: tc.org})
		if err != nil {
			t.Fatalf("Allow(%s, %s): %v", tc.org, tc.action, err)
		}
		if got != tc.want {
			t.Fatalf("Allow(%s, %s) = %v, want %v", tc.org, tc.action, got, tc.want)
		}
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
