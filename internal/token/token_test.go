package token

import (
	"strings"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestGenerateVerifyRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	tok, err := s.Generate("user-1", []string{"org-1", "org-2"}, "task", "t-42", 7)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Count(tok, ".") != 1 {
		t.Fatalf("expected payload.signature shape, got %q", tok)
	}

	payload, ok := s.Verify(tok)
	if !ok {
		t.Fatalf("expected valid token")
	}
	if payload.UserID != "user-1" || payload.EntityType != "task" || payload.EntityID != "t-42" || payload.Version != 7 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.OrganizationIDs) != 2 {
		t.Fatalf("unexpected orgs: %v", payload.OrganizationIDs)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := newTestSigner(t)
	tok, err := s.Generate("user-1", []string{"org-1"}, "task", "t-1", 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Flip one byte of the payload; the signature no longer matches.
	raw := []byte(tok)
	if raw[0] == 'A' {
		raw[0] = 'B'
	} else {
		raw[0] = 'A'
	}
	if _, ok := s.Verify(string(raw)); ok {
		t.Fatalf("expected tampered token rejected")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	s := newTestSigner(t)
	for _, tok := range []string{
		"",
		".",
		"onlyonepart",
		"a.b.c",
		"!!!.###",
		"YWJj.",
		".YWJj",
	} {
		if _, ok := s.Verify(tok); ok {
			t.Fatalf("expected %q rejected", tok)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := newTestSigner(t)
	other, err := NewSigner([]byte("different-secret"), time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tok, err := s.Generate("user-1", []string{"org-1"}, "task", "t-1", 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, ok := other.Verify(tok); ok {
		t.Fatalf("expected token signed with another secret rejected")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := newTestSigner(t)
	tok, err := s.Generate("user-1", []string{"org-1"}, "task", "t-1", 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, ok := s.Verify(tok); ok {
		t.Fatalf("expected expired token rejected")
	}
}

func TestGrantsAccessVersionBinding(t *testing.T) {
	s := newTestSigner(t)
	tok, err := s.Generate("user-1", []string{"org-1"}, "task", "t-1", 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !s.GrantsAccess(tok, "task", "t-1", 3) {
		t.Fatalf("expected access at the bound version")
	}
	if s.GrantsAccess(tok, "task", "t-1", 4) {
		t.Fatalf("token for version 3 must not authorize version 4")
	}
	if s.GrantsAccess(tok, "task", "t-2", 3) {
		t.Fatalf("token must not authorize another entity id")
	}
	if s.GrantsAccess(tok, "note", "t-1", 3) {
		t.Fatalf("token must not authorize another entity type")
	}
	// version 0 skips the version check
	if !s.GrantsAccess(tok, "task", "t-1", 0) {
		t.Fatalf("expected version-agnostic access")
	}
}

func TestHasOrgAccess(t *testing.T) {
	s := newTestSigner(t)
	tok, err := s.Generate("user-1", []string{"org-1", "org-2"}, "task", "t-1", 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !s.HasOrgAccess(tok, "org-2") {
		t.Fatalf("expected membership in org-2")
	}
	if s.HasOrgAccess(tok, "org-3") {
		t.Fatalf("expected no membership in org-3")
	}
	if s.HasOrgAccess("garbage", "org-1") {
		t.Fatalf("expected invalid token to deny")
	}
}
