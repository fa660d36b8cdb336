package entity

import (
	"context"
	"errors"
	"sort"
	"time"

	"meshsync.org/internal/conflict"
	"meshsync.org/internal/dispatch"
)

// Entity is a schemaless, organization-scoped record. Fields hold the
// mutable payload; Tx carries the version metadata the conflict detector
// evaluates and the stream embeds in notifications.
type Entity struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	Fields         map[string]any `json:"fields"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Tx             conflict.Stx   `json:"tx"`
}

// Clone returns a copy safe to hand outside the store.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	out.Tx.FieldVersions = make(map[string]int, len(e.Tx.FieldVersions))
	for k, v := range e.Tx.FieldVersions {
		out.Tx.FieldVersions[k] = v
	}
	return out
}

// NewEntity is a creation request. ID is assigned by the store when empty.
type NewEntity struct {
	Type           string
	OrganizationID string
	Fields         map[string]any
	MutationID     string
	SourceID       string
}

// UpdateRequest is an optimistic mutation: Fields are the changed values,
// BaseVersion the entity version the client last saw.
type UpdateRequest struct {
	Type        string
	ID          string
	Fields      map[string]any
	BaseVersion int
	MutationID  string
	SourceID    string
}

// ChangedKeys lists the fields this update touches, sorted.
func (r UpdateRequest) ChangedKeys() []string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	ErrNotFound     = errors.New("entity: not found")
	ErrInvalidInput = errors.New("entity: invalid input")
)

// Notifier receives one activity event per accepted mutation. It stands in
// for the CDC pipeline in-process; implementations must not block.
type Notifier func(dispatch.ActivityEvent)

// Service defines the store of record. Conflict checks run inside each
// implementation's write critical section, atomically with the version
// stamp.
type Service interface {
	Create(ctx context.Context, req NewEntity) (Entity, error)
	Get(ctx context.Context, entityType, id string) (Entity, error)
	List(ctx context.Context, entityType, organizationID string) ([]Entity, error)
	Update(ctx context.Context, req UpdateRequest) (Entity, error)
	Delete(ctx context.Context, entityType, id string) error
}
