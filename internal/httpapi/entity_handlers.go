package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"meshsync.org/internal/audit"
	"meshsync.org/internal/auth"
	"meshsync.org/internal/cache"
	"meshsync.org/internal/conflict"
	"meshsync.org/internal/dispatch"
	"meshsync.org/internal/entity"
	"meshsync.org/internal/obs"
)

type createEntityRequest struct {
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	Fields         map[string]any `json:"fields"`
	MutationID     string         `json:"mutation_id"`
	SourceID       string         `json:"source_id"`
}

type updateEntityRequest struct {
	Fields      map[string]any `json:"fields"`
	BaseVersion int            `json:"base_version"`
	MutationID  string         `json:"mutation_id"`
	SourceID    string         `json:"source_id"`
}

type entityResponse struct {
	Entity     entity.Entity `json:"entity"`
	CacheToken string        `json:"cache_token,omitempty"`
}

func (a *API) handleEntitiesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createEntity(w, r)
	case http.MethodGet:
		a.listEntities(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) listEntities(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	entityType := strings.TrimSpace(r.URL.Query().Get("type"))
	if entityType == "" {
		writeError(w, r, http.StatusBadRequest, "type query parameter is required")
		return
	}
	org := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if org == "" {
		org = principal.OrganizationID
	}

	if !a.requireAction(principal, auth.ActionRead, auth.ResourceRef{
		EntityType:     entityType,
		OrganizationID: org,
	}) {
		writeError(w, r, http.StatusForbidden, "read access denied")
		return
	}

	items, err := a.entities.List(r.Context(), entityType, org)
	if err != nil {
		a.handleEntityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleEntityResource(w http.ResponseWriter, r *http.Request) {
	entityType, id, ok := splitResourcePath(r.URL.Path, "/v1/entities/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getEntity(w, r, entityType, id)
	case http.MethodPatch:
		a.updateEntity(w, r, entityType, id)
	case http.MethodDelete:
		a.deleteEntity(w, r, entityType, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) createEntity(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createEntityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, r, http.StatusBadRequest, "type is required")
		return
	}
	org := strings.TrimSpace(req.OrganizationID)
	if org == "" {
		org = principal.OrganizationID
	}

	if !a.requireAction(principal, auth.ActionWrite, auth.ResourceRef{
		EntityType:     req.Type,
		OrganizationID: org,
	}) {
		writeError(w, r, http.StatusForbidden, "write access denied")
		return
	}

	e, err := a.entities.Create(r.Context(), entity.NewEntity{
		Type:           req.Type,
		OrganizationID: org,
		Fields:         req.Fields,
		MutationID:     req.MutationID,
		SourceID:       req.SourceID,
	})
	if err != nil {
		a.handleEntityError(w, r, err)
		return
	}

	a.auditEvent(r, "entity.create", e, nil)
	w.Header().Set("Location", "/v1/entities/"+e.Type+"/"+e.ID)
	writeJSON(w, http.StatusCreated, entityResponse{Entity: e})
}

// getEntity is the authorized fetch path: it verifies read access once,
// mints a capability token bound to the entity's current version, and
// populates the cache so follow-up reads can skip re-authorization.
func (a *API) getEntity(w http.ResponseWriter, r *http.Request, entityType, id string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	e, err := a.entities.Get(r.Context(), entityType, id)
	if err != nil {
		a.handleEntityError(w, r, err)
		return
	}

	if !a.requireAction(principal, auth.ActionRead, auth.ResourceRef{
		ID:             e.ID,
		EntityType:     e.Type,
		OrganizationID: e.OrganizationID,
	}) {
		writeError(w, r, http.StatusForbidden, "read access denied")
		return
	}

	cacheToken, err := a.signer.Generate(principal.UserID, principalOrgs(principal), e.Type, e.ID, e.Tx.Version)
	if err != nil {
		obs.Error("cache token mint failed", map[string]any{"err": err.Error()})
		writeJSON(w, http.StatusOK, entityResponse{Entity: e})
		return
	}
	a.entCache.Set(e.Type, e.ID, e.Tx.Version, e)

	writeJSON(w, http.StatusOK, entityResponse{Entity: e, CacheToken: cacheToken})
}

func (a *API) updateEntity(w http.ResponseWriter, r *http.Request, entityType, id string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req updateEntityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Fields) == 0 {
		writeError(w, r, http.StatusBadRequest, "fields are required")
		return
	}
	if req.BaseVersion < 0 {
		writeError(w, r, http.StatusBadRequest, "base_version must be >= 0")
		return
	}

	current, err := a.entities.Get(r.Context(), entityType, id)
	if err != nil {
		a.handleEntityError(w, r, err)
		return
	}
	if !a.requireAction(principal, auth.ActionWrite, auth.ResourceRef{
		ID:             current.ID,
		EntityType:     current.Type,
		OrganizationID: current.OrganizationID,
	}) {
		writeError(w, r, http.StatusForbidden, "write access denied")
		return
	}

	e, err := a.entities.Update(r.Context(), entity.UpdateRequest{
		Type:        entityType,
		ID:          id,
		Fields:      req.Fields,
		BaseVersion: req.BaseVersion,
		MutationID:  req.MutationID,
		SourceID:    req.SourceID,
	})
	if err != nil {
		a.handleEntityError(w, r, err)
		return
	}

	// Stale variants must not outlive the write.
	a.entCache.Invalidate(e.Type, e.ID)

	a.auditEvent(r, "entity.update", e, req.Fields)
	writeJSON(w, http.StatusOK, entityResponse{Entity: e})
}

func (a *API) deleteEntity(w http.ResponseWriter, r *http.Request, entityType, id string) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	current, err := a.entities.Get(r.Context(), entityType, id)
	if err != nil {
		a.handleEntityError(w, r, err)
		return
	}
	if !a.requireAction(principal, auth.ActionDelete, auth.ResourceRef{
		ID:             current.ID,
		EntityType:     current.Type,
		OrganizationID: current.OrganizationID,
	}) {
		writeError(w, r, http.StatusForbidden, "delete access denied")
		return
	}

	if err := a.entities.Delete(r.Context(), entityType, id); err != nil {
		a.handleEntityError(w, r, err)
		return
	}
	a.entCache.Invalidate(entityType, id)

	a.auditEvent(r, "entity.delete", current, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleCacheRead serves token-gated cached snapshots. An invalid token is
// unauthorized; a valid token whose version is no longer cached is a miss,
// and the caller re-fetches through the authorized path.
func (a *API) handleCacheRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	entityType, id, ok := splitResourcePath(r.URL.Path, "/v1/cache/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	tok := strings.TrimSpace(r.URL.Query().Get("token"))
	if tok == "" {
		writeError(w, r, http.StatusUnauthorized, "cache token is required")
		return
	}

	e, result := a.entCache.Get(entityType, id, tok)
	switch result {
	case cache.Unauthorized:
		writeError(w, r, http.StatusUnauthorized, "invalid cache token")
	case cache.Miss:
		writeError(w, r, http.StatusNotFound, "cache miss")
	default:
		writeJSON(w, http.StatusOK, entityResponse{Entity: e})
	}
}

// handleActivity is the catch-up query: events for the caller's organization
// after the given cursor, filtered by the same predicate as live delivery.
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))

	sub := &dispatch.Subscriber{
		OrgID:          principal.OrganizationID,
		UserID:         principal.UserID,
		UserSystemRole: principal.SystemRole,
		Memberships:    principal.Memberships,
	}

	events := a.activity.After(principal.OrganizationID, after, limit)
	msgs := make([]dispatch.WireMessage, 0, len(events))
	for _, ev := range events {
		if !a.dispatcher.ShouldReceive(sub, ev) {
			continue
		}
		msgs = append(msgs, a.dispatcher.BuildMessage(ev))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": msgs,
	})
}

func (a *API) handleEntityError(w http.ResponseWriter, r *http.Request, err error) {
	var conflictErr *conflict.Error
	if errors.As(err, &conflictErr) {
		obs.ConflictRejections.WithLabelValues(conflictErr.EntityType).Inc()
		_ = audit.LogEvent(r.Context(), "entity.update.conflict", map[string]any{
			"entity_type":        conflictErr.EntityType,
			"field":              conflictErr.Field,
			"conflicting_fields": conflictErr.ConflictingFields,
		})
		writeConflict(w, r, conflictErr)
		return
	}
	switch {
	case errors.Is(err, entity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, entity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// writeConflict emits the structured field_conflict shape. The client gets
// every conflicting field in one response so it can offer a targeted merge
// instead of discarding the whole edit.
func writeConflict(w http.ResponseWriter, r *http.Request, e *conflict.Error) {
	payload := map[string]any{
		"status": http.StatusConflict,
		"kind":   conflict.Kind,
		"meta": map[string]any{
			"field":             e.Field,
			"clientVersion":     e.ClientVersion,
			"serverVersion":     e.ServerVersion,
			"conflictingFields": e.ConflictingFields,
		},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusConflict, payload)
}

func (a *API) auditEvent(r *http.Request, event string, e entity.Entity, fields map[string]any) {
	meta := map[string]any{
		"entity_type": e.Type,
		"entity_id":   e.ID,
		"org_id":      e.OrganizationID,
		"version":     e.Tx.Version,
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		meta["changed_keys"] = keys
	}
	_ = audit.LogEvent(r.Context(), event, meta)
}

// principalOrgs lists every organization the principal belongs to, with its
// primary org first.
func principalOrgs(p auth.Principal) []string {
	orgs := []string{p.OrganizationID}
	for _, m := range p.Memberships {
		if m.OrganizationID != p.OrganizationID {
			orgs = append(orgs, m.OrganizationID)
		}
	}
	return orgs
}

func splitResourcePath(path, prefix string) (entityType, id string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path || rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
