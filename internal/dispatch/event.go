package dispatch

import (
	"time"

	"meshsync.org/internal/conflict"
)

// Action classifies what happened to the entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ActivityEvent is one change observed on the store of record. Events are
// immutable once produced. EntityID and EntityType are required for an event
// to be dispatchable; events missing either are dropped at the dispatcher
// boundary, not retried.
type ActivityEvent struct {
	ID             string        `json:"id"`
	Action         Action        `json:"action"`
	EntityType     string        `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	OrganizationID string        `json:"organization_id"`
	ChangedKeys    []string      `json:"changed_keys,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Tx             *conflict.Stx `json:"tx,omitempty"`

	// Entity carries the full record when the change source already had it,
	// sparing receivers a re-fetch. Nil otherwise.
	Entity any `json:"entity,omitempty"`
}

// WireMessage is the projection pushed to streaming clients. Data is nil
// unless the event carried the entity; CacheToken lets the receiver populate
// its cache without re-authorizing.
type WireMessage struct {
	ActivityID  string        `json:"activityId"`
	Action      Action        `json:"action"`
	EntityType  string        `json:"entityType"`
	EntityID    string        `json:"entityId"`
	ChangedKeys []string      `json:"changedKeys,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Tx          *conflict.Stx `json:"tx,omitempty"`
	Data        any           `json:"data"`
	CacheToken  string        `json:"cacheToken,omitempty"`
}
