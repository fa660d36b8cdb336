package conflict

import (
	"errors"
	"reflect"
	"testing"
)

func TestCheckFieldConflictsSplitsSafeAndConflicting(t *testing.T) {
	tx := &Stx{
		Version:       5,
		FieldVersions: map[string]int{"title": 3, "body": 5},
	}

	// Client based on version 3: body changed at 5 conflicts, title at 3 and
	// the never-touched status field are safe.
	conflicts, safe := CheckFieldConflicts([]string{"title", "body", "status"}, tx, 3)

	if len(conflicts) != 1 || conflicts[0].Field != "body" || conflicts[0].ServerVersion != 5 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	if !reflect.DeepEqual(safe, []string{"title", "status"}) {
		t.Fatalf("unexpected safe fields: %v", safe)
	}
}

func TestCheckFieldConflictsNilTx(t *testing.T) {
	conflicts, safe := CheckFieldConflicts([]string{"a", "b"}, nil, 0)
	if len(conflicts) != 0 {
		t.Fatalf("entity without tx metadata must not conflict: %+v", conflicts)
	}
	if len(safe) != 2 {
		t.Fatalf("unexpected safe fields: %v", safe)
	}
}

func TestErrIfConflictsShape(t *testing.T) {
	conflicts := []FieldConflict{
		{Field: "title", ServerVersion: 7},
		{Field: "body", ServerVersion: 6},
	}
	err := ErrIfConflicts("task", 4, conflicts)
	if err == nil {
		t.Fatalf("expected an error")
	}

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if ce.EntityType != "task" || ce.ClientVersion != 4 {
		t.Fatalf("unexpected error: %+v", ce)
	}
	if ce.Field != "title" || ce.ServerVersion != 7 {
		t.Fatalf("expected first conflict surfaced, got %+v", ce)
	}
	if !reflect.DeepEqual(ce.ConflictingFields, []string{"body", "title"}) {
		t.Fatalf("expected sorted conflicting fields, got %v", ce.ConflictingFields)
	}
}

func TestErrIfConflictsNilOnEmpty(t *testing.T) {
	if err := ErrIfConflicts("task", 1, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestBuildFieldVersions(t *testing.T) {
	existing := map[string]int{"title": 2, "body": 4}
	out := BuildFieldVersions(existing, []string{"title", "status"}, 5)

	want := map[string]int{"title": 5, "body": 4, "status": 5}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("unexpected field versions: %v", out)
	}
	if existing["title"] != 2 {
		t.Fatalf("input map mutated: %v", existing)
	}
}

func TestBuildStxCreate(t *testing.T) {
	stx := BuildStx(StxRequest{MutationID: "m1", SourceID: "client-a"}, nil, nil)
	if stx.Version != 1 {
		t.Fatalf("creation must start at version 1, got %d", stx.Version)
	}
	if stx.FieldVersions == nil || len(stx.FieldVersions) != 0 {
		t.Fatalf("creation must carry an empty field version map: %v", stx.FieldVersions)
	}
	if stx.MutationID != "m1" || stx.SourceID != "client-a" {
		t.Fatalf("unexpected stx: %+v", stx)
	}
}

func TestBuildStxUpdateAdvancesByOne(t *testing.T) {
	prev := &Stx{Version: 3, FieldVersions: map[string]int{"title": 3, "body": 1}}
	stx := BuildStx(StxRequest{MutationID: "m2", SourceID: "client-b"}, prev, []string{"body"})

	if stx.Version != 4 {
		t.Fatalf("expected version 4, got %d", stx.Version)
	}
	if stx.FieldVersions["body"] != 4 || stx.FieldVersions["title"] != 3 {
		t.Fatalf("unexpected field versions: %v", stx.FieldVersions)
	}
	for field, v := range stx.FieldVersions {
		if v > stx.Version {
			t.Fatalf("field %s version %d exceeds entity version %d", field, v, stx.Version)
		}
	}
}

func TestDisjointEditorsBothPass(t *testing.T) {
	// Both clients saw version 1. A edits title, B edits body; after A lands
	// at version 2, B's disjoint edit must still pass against base 1.
	stx := BuildStx(StxRequest{SourceID: "a"}, &Stx{Version: 1, FieldVersions: map[string]int{}}, []string{"title"})

	conflicts, _ := CheckFieldConflicts([]string{"body"}, &stx, 1)
	if len(conflicts) != 0 {
		t.Fatalf("disjoint edit must not conflict: %+v", conflicts)
	}

	// A second title edit off base 1 must be rejected.
	conflicts, _ = CheckFieldConflicts([]string{"title"}, &stx, 1)
	if len(conflicts) != 1 || conflicts[0].Field != "title" {
		t.Fatalf("expected title conflict: %+v", conflicts)
	}
}
