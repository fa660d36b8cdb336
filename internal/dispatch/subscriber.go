package dispatch

import (
	"sync"

	"meshsync.org/internal/auth"
)

// Subscriber is one live streaming connection with its principal and
// permissions resolved up front. Created when the connection is accepted,
// destroyed when it closes.
type Subscriber struct {
	ID             string
	IndexKey       string // grouping key for dispatch, normally the org id
	OrgID          string
	UserID         string
	UserSystemRole string
	Memberships    []auth.MembershipSummary

	// EntityTypes is an optional per-connection allow-list. Empty means all
	// realtime-eligible types.
	EntityTypes []string

	mu     sync.Mutex
	cursor string
	ch     chan WireMessage
}

// Cursor returns the id of the last event delivered to this subscriber. It
// feeds the catch-up query after a disconnect; it does not filter live
// delivery, because event ids are only ordered within one producer.
func (s *Subscriber) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Subscriber) setCursor(id string) {
	s.mu.Lock()
	s.cursor = id
	s.mu.Unlock()
}

func (s *Subscriber) wantsType(entityType string) bool {
	if len(s.EntityTypes) == 0 {
		return true
	}
	for _, t := range s.EntityTypes {
		if t == entityType {
			return true
		}
	}
	return false
}
