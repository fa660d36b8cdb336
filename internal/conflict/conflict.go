// Package conflict implements field-level optimistic concurrency. Two
// clients editing disjoint fields of the same entity both succeed; a client
// whose base version is behind the server's recorded version for a field it
// touches is rejected for that field, never silently overwritten.
//
// All functions are pure. Callers must evaluate them inside the same
// transaction (or critical section) that commits the mutation, otherwise two
// concurrent writers could both pass the check against the same stale state.
package conflict

import (
	"fmt"
	"sort"
)

// Stx is the sync transaction metadata stamped onto every entity.
// Version increases by exactly one per accepted mutation; FieldVersions[f]
// records the version of the mutation that last changed f.
type Stx struct {
	MutationID    string         `json:"mutation_id,omitempty"`
	SourceID      string         `json:"source_id,omitempty"`
	Version       int            `json:"version"`
	FieldVersions map[string]int `json:"field_versions"`
}

// StxRequest identifies the mutation being applied.
type StxRequest struct {
	MutationID string
	SourceID   string
}

// FieldConflict names one field whose server version is ahead of the
// caller's base version.
type FieldConflict struct {
	Field         string
	ServerVersion int
}

// Error is the structured rejection surfaced to mutation callers. It lists
// every conflicting field so the client can resolve all of them in one
// round-trip.
type Error struct {
	EntityType        string   `json:"entity_type"`
	Field             string   `json:"field"` // first conflicting field
	ClientVersion     int      `json:"client_version"`
	ServerVersion     int      `json:"server_version"` // for Field
	ConflictingFields []string `json:"conflicting_fields"`
}

// Kind tags conflict errors on the wire.
const Kind = "field_conflict"

func (e *Error) Error() string {
	return fmt.Sprintf("conflict: %s.%s changed at version %d, client based on version %d (%d conflicting fields)",
		e.EntityType, e.Field, e.ServerVersion, e.ClientVersion, len(e.ConflictingFields))
}

// CheckFieldConflicts splits changedFields into conflicts and safe fields
// against the entity's recorded field versions. An entity without tx
// metadata has implicit version 0 for every field.
func CheckFieldConflicts(changedFields []string, tx *Stx, baseVersion int) (conflicts []FieldConflict, safeFields []string) {
	for _, field := range changedFields {
		var serverVersion int
		if tx != nil {
			serverVersion = tx.FieldVersions[field]
		}
		if serverVersion > baseVersion {
			conflicts = append(conflicts, FieldConflict{Field: field, ServerVersion: serverVersion})
		} else {
			safeFields = append(safeFields, field)
		}
	}
	return conflicts, safeFields
}

// ErrIfConflicts returns a *Error when conflicts is non-empty, nil otherwise.
func ErrIfConflicts(entityType string, baseVersion int, conflicts []FieldConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	fields := make([]string, len(conflicts))
	for i, c := range conflicts {
		fields[i] = c.Field
	}
	sort.Strings(fields)
	return &Error{
		EntityType:        entityType,
		Field:             conflicts[0].Field,
		ClientVersion:     baseVersion,
		ServerVersion:     conflicts[0].ServerVersion,
		ConflictingFields: fields,
	}
}

// BuildFieldVersions returns a copy of existing with every changed field
// stamped at newVersion. Untouched fields keep their prior version.
func BuildFieldVersions(existing map[string]int, changedFields []string, newVersion int) map[string]int {
	out := make(map[string]int, len(existing)+len(changedFields))
	for field, version := range existing {
		out[field] = version
	}
	for _, field := range changedFields {
		out[field] = newVersion
	}
	return out
}

// BuildStx computes the metadata for an accepted mutation. A nil prev means
// entity creation: version 1 with no field history.
func BuildStx(req StxRequest, prev *Stx, changedFields []string) Stx {
	if prev == nil {
		return Stx{
			MutationID:    req.MutationID,
			SourceID:      req.SourceID,
			Version:       1,
			FieldVersions: map[string]int{},
		}
	}
	next := prev.Version + 1
	return Stx{
		MutationID:    req.MutationID,
		SourceID:      req.SourceID,
		Version:       next,
		FieldVersions: BuildFieldVersions(prev.FieldVersions, changedFields, next),
	}
}
