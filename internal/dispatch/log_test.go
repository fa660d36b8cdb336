package dispatch

import (
	"fmt"
	"testing"
	"time"
)

func logEvent(orgID, id string) ActivityEvent {
	return ActivityEvent{
		ID:             id,
		Action:         ActionUpdate,
		EntityType:     "task",
		EntityID:       "t-" + id,
		OrganizationID: orgID,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestActivityLogAfterCursor(t *testing.T) {
	l := NewActivityLog(0)
	for i := 1; i <= 5; i++ {
		l.Append(logEvent("org-a", fmt.Sprintf("ev-%02d", i)))
	}
	l.Append(logEvent("org-b", "ev-99"))

	events := l.After("org-a", "ev-02", 10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events after ev-02, got %d", len(events))
	}
	if events[0].ID != "ev-03" || events[2].ID != "ev-05" {
		t.Fatalf("unexpected window: %v", events)
	}

	// Empty cursor returns the oldest retained events, org-scoped.
	events = l.After("org-a", "", 10)
	if len(events) != 5 {
		t.Fatalf("expected full org window, got %d", len(events))
	}
	for _, ev := range events {
		if ev.OrganizationID != "org-a" {
			t.Fatalf("cross-org event leaked: %+v", ev)
		}
	}
}

func TestActivityLogLimit(t *testing.T) {
	l := NewActivityLog(0)
	for i := 1; i <= 5; i++ {
		l.Append(logEvent("org-a", fmt.Sprintf("ev-%02d", i)))
	}

	events := l.After("org-a", "", 2)
	if len(events) != 2 || events[1].ID != "ev-02" {
		t.Fatalf("unexpected limited window: %v", events)
	}
}

func TestActivityLogBounded(t *testing.T) {
	l := NewActivityLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(logEvent("org-a", fmt.Sprintf("ev-%02d", i)))
	}

	events := l.After("org-a", "", 10)
	if len(events) != 3 {
		t.Fatalf("expected window bounded at 3, got %d", len(events))
	}
	if events[0].ID != "ev-03" {
		t.Fatalf("expected oldest events dropped, got %v", events)
	}
}

func TestActivityLogIgnoresOrglessEvents(t *testing.T) {
	l := NewActivityLog(0)
	l.Append(logEvent("", "ev-01"))
	if events := l.After("", "", 10); len(events) != 0 {
		t.Fatalf("expected orgless event dropped, got %v", events)
	}
}
