package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"meshsync.org/internal/auth"
	"meshsync.org/internal/dispatch"
)

// Stream handles Server-Sent Events for live entity activity. The subscriber
// is scoped to the caller's organization; an optional entity_types query
// parameter narrows the feed further.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.dispatcher == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var entityTypes []string
	if raw := strings.TrimSpace(r.URL.Query().Get("entity_types")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				entityTypes = append(entityTypes, t)
			}
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := &dispatch.Subscriber{
		OrgID:          principal.OrganizationID,
		UserID:         principal.UserID,
		UserSystemRole: principal.SystemRole,
		Memberships:    principal.Memberships,
		EntityTypes:    entityTypes,
	}
	ch := a.dispatcher.Subscribe(ctx, sub)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for msg := range ch {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
