// Package token implements the signed capability handed out with cached
// entity snapshots. A token proves "this user may read this entity at this
// version until expiry" without a store or permission lookup, so it must stay
// short-lived: the TTL is tied to the entity cache TTL at construction.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Payload is the signed token body.
type Payload struct {
	UserID          string   `json:"user_id"`
	OrganizationIDs []string `json:"organization_ids"`
	EntityType      string   `json:"entity_type"`
	EntityID        string   `json:"entity_id"`
	Version         int      `json:"version"`
	ExpiresAt       int64    `json:"expires_at"` // unix seconds
}

// Signer mints and verifies cache capability tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner builds a Signer. The ttl should match the entity cache default
// TTL so a token never outlives the data it authorizes.
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token: ttl must be greater than zero")
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Generate signs a capability for reading one entity at one version.
// The result is URL-safe: base64url(payload) "." base64url(signature),
// both unpadded.
func (s *Signer) Generate(userID string, organizationIDs []string, entityType, entityID string, version int) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("token: userID is required")
	}
	if entityType == "" || entityID == "" {
		return "", errors.New("token: entity type and id are required")
	}
	orgs := make([]string, len(organizationIDs))
	copy(orgs, organizationIDs)

	payload := Payload{
		UserID:          userID,
		OrganizationIDs: orgs,
		EntityType:      entityType,
		EntityID:        entityID,
		Version:         version,
		ExpiresAt:       s.now().Add(s.ttl).Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(s.sign(raw)), nil
}

// Verify checks the signature and expiry and returns the decoded payload.
// Malformed input of any shape yields ok=false, never a panic.
func (s *Signer) Verify(token string) (Payload, bool) {
	var zero Payload
	dot := strings.IndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 || strings.IndexByte(token[dot+1:], '.') >= 0 {
		return zero, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return zero, false
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return zero, false
	}
	if !hmac.Equal(sig, s.sign(raw)) {
		return zero, false
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return zero, false
	}
	if payload.ExpiresAt <= s.now().Unix() {
		return zero, false
	}
	return payload, true
}

// GrantsAccess reports whether token authorizes reading exactly this entity.
// A version of 0 skips the version check; entity versions start at 1. A token
// minted for version N never authorizes any other version.
func (s *Signer) GrantsAccess(token, entityType, entityID string, version int) bool {
	payload, ok := s.Verify(token)
	if !ok {
		return false
	}
	if payload.EntityType != entityType || payload.EntityID != entityID {
		return false
	}
	if version > 0 && payload.Version != version {
		return false
	}
	return true
}

// HasOrgAccess reports whether token carries membership in organizationID.
func (s *Signer) HasOrgAccess(token, organizationID string) bool {
	payload, ok := s.Verify(token)
	if !ok {
		return false
	}
	for _, org := range payload.OrganizationIDs {
		if org == organizationID {
			return true
		}
	}
	return false
}

// TTL reports the token lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

func (s *Signer) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
