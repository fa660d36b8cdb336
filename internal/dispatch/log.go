package dispatch

import "sync"

const defaultLogCapacity = 1024

// ActivityLog keeps a bounded per-organization window of recent events for
// subscriber catch-up after a transient disconnect. Event ids are ULIDs, so
// within one producer the "after" comparison follows emission order.
type ActivityLog struct {
	mu    sync.RWMutex
	byOrg map[string][]ActivityEvent
	max   int
}

// NewActivityLog builds a log retaining up to max events per organization.
func NewActivityLog(max int) *ActivityLog {
	if max <= 0 {
		max = defaultLogCapacity
	}
	return &ActivityLog{
		byOrg: make(map[string][]ActivityEvent),
		max:   max,
	}
}

// Append records an event. Oldest events fall off once the org window is full.
func (l *ActivityLog) Append(ev ActivityEvent) {
	if ev.OrganizationID == "" {
		return
	}
	l.mu.Lock()
	events := append(l.byOrg[ev.OrganizationID], ev)
	if overflow := len(events) - l.max; overflow > 0 {
		events = append([]ActivityEvent(nil), events[overflow:]...)
	}
	l.byOrg[ev.OrganizationID] = events
	l.mu.Unlock()
}

// After returns up to limit events for orgID with ids greater than afterID.
// An empty afterID returns the oldest retained events.
func (l *ActivityLog) After(orgID, afterID string, limit int) []ActivityEvent {
	if limit <= 0 || limit > defaultLogCapacity {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ActivityEvent
	for _, ev := range l.byOrg[orgID] {
		if afterID != "" && ev.ID <= afterID {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out
}
