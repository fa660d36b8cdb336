package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"meshsync.org/internal/auth"
)

func TestTokenEndpointChecksCredentials(t *testing.T) {
	t.Setenv("MESHSYNC_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	api := New(Config{
		Version: "test",
		Users: map[string]auth.User{
			"alice": {ID: "alice", PasswordHash: hash, SystemRole: "admin"},
		},
	})

	issue := func(body map[string]any) *httptest.ResponseRecorder {
		t.Helper()
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/token", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		api.handleAuthToken(rec, req)
		return rec
	}

	rec := issue(map[string]any{"user": "alice", "organization": "org-1", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}

	rec = issue(map[string]any{"user": "mallory", "organization": "org-1", "password": "hunter2"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown user, got %d", rec.Code)
	}

	rec = issue(map[string]any{"user": "alice", "organization": "org-1", "password": "hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload tokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}

	claims, err := auth.ParseAndValidate(payload.Token)
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	// The stored account's role wins over anything the request claims.
	if claims.SystemRole != auth.SystemRoleAdmin {
		t.Fatalf("expected stored system role, got %q", claims.SystemRole)
	}
}
