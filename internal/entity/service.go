package entity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"meshsync.org/internal/conflict"
	"meshsync.org/internal/dispatch"
	"meshsync.org/internal/ids"
)

// InMemory implements Service with in-process concurrency safety. The store
// mutex is the transaction critical section: the field-version check and the
// write that advances the versions happen under one lock, so two concurrent
// writers can never both pass the check against the same stale metadata.
type InMemory struct {
	mu      sync.Mutex
	records map[string]*Entity
	notify  Notifier
}

// NewInMemory creates an empty store. notify may be nil.
func NewInMemory(notify Notifier) *InMemory {
	return &InMemory{
		records: make(map[string]*Entity),
		notify:  notify,
	}
}

func storeKey(entityType, id string) string {
	return entityType + "/" + id
}

func (s *InMemory) Create(ctx context.Context, req NewEntity) (Entity, error) {
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.OrganizationID) == "" {
		return Entity{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	e := &Entity{
		ID:             ids.New(),
		Type:           req.Type,
		OrganizationID: req.OrganizationID,
		Fields:         map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Tx: conflict.BuildStx(conflict.StxRequest{
			MutationID: req.MutationID,
			SourceID:   req.SourceID,
		}, nil, nil),
	}
	for k, v := range req.Fields {
		e.Fields[k] = v
	}
	s.records[storeKey(e.Type, e.ID)] = e

	out := e.Clone()
	s.emitLocked(dispatch.ActionCreate, out, nil)
	return out, nil
}

func (s *InMemory) Get(ctx context.Context, entityType, id string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[storeKey(entityType, id)]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e.Clone(), nil
}

// List returns the organization's entities of one type, ordered by id.
// ULID ids make that creation order.
func (s *InMemory) List(ctx context.Context, entityType, organizationID string) ([]Entity, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(organizationID) == "" {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entity, 0)
	for _, e := range s.records {
		if e.Type == entityType && e.OrganizationID == organizationID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, req UpdateRequest) (Entity, error) {
	if len(req.Fields) == 0 {
		return Entity{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[storeKey(req.Type, req.ID)]
	if !ok {
		return Entity{}, ErrNotFound
	}

	changed := req.ChangedKeys()
	conflicts, _ := conflict.CheckFieldConflicts(changed, &e.Tx, req.BaseVersion)
	if err := conflict.ErrIfConflicts(req.Type, req.BaseVersion, conflicts); err != nil {
		return Entity{}, err
	}

	e.Tx = conflict.BuildStx(conflict.StxRequest{
		MutationID: req.MutationID,
		SourceID:   req.SourceID,
	}, &e.Tx, changed)
	for k, v := range req.Fields {
		e.Fields[k] = v
	}
	e.UpdatedAt = time.Now().UTC()

	out := e.Clone()
	s.emitLocked(dispatch.ActionUpdate, out, changed)
	return out, nil
}

func (s *InMemory) Delete(ctx context.Context, entityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(entityType, id)
	e, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	out := e.Clone()
	delete(s.records, key)

	s.emitLocked(dispatch.ActionDelete, out, nil)
	return nil
}

// emitLocked publishes the activity event while still holding the store
// mutex, so per-organization emission order matches commit order. The
// notifier must not block.
func (s *InMemory) emitLocked(action dispatch.Action, e Entity, changed []string) {
	if s.notify == nil {
		return
	}
	tx := e.Tx
	ev := dispatch.ActivityEvent{
		ID:             ids.New(),
		Action:         action,
		EntityType:     e.Type,
		EntityID:       e.ID,
		OrganizationID: e.OrganizationID,
		ChangedKeys:    changed,
		CreatedAt:      time.Now().UTC(),
		Tx:             &tx,
	}
	if action != dispatch.ActionDelete {
		ev.Entity = e
	}
	s.notify(ev)
}
