package app

import (
	"net/http"
	"strings"

	"labtrack/internal/archive"
	"labtrack/internal/audit"
	"labtrack/internal/feed"
	"labtrack/internal/store"
)

func (s *HTTPServer) handleEntities(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleListEntities(w, r, session, parts[0])
	case len(parts) == 1 && r.Method == http.MethodPost:
		var input CreateEntityInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.CreateEntity(r.Context(), session, parts[0], input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, entityJSON(item))
	case len(parts) == 2 && r.Method == http.MethodGet:
		filter, ok := store.ParseArchiveFilter(r.URL.Query().Get("archive"))
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "archive must be active, archived or all", nil)
			return
		}
		item, err := s.service.GetEntity(r.Context(), session, parts[0], parts[1], filter)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entityJSON(item))
	case len(parts) == 2 && r.Method == http.MethodPatch:
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.ApplyChange(r.Context(), session, parts[0], parts[1], patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entityJSON(item))
	case len(parts) == 3 && parts[2] == "archive" && r.Method == http.MethodPost:
		var opts archive.Options
		if err := decodeBody(r, &opts); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Archive(r.Context(), session, parts[0], parts[1], opts)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case len(parts) == 3 && parts[2] == "restore" && r.Method == http.MethodPost:
		item, err := s.service.Restore(r.Context(), session, parts[0], parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entityJSON(item))
	case len(parts) == 3 && parts[2] == "access" && r.Method == http.MethodGet:
		decision, err := s.service.Authorize(r.Context(), session, parts[0], parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListEntities(w http.ResponseWriter, r *http.Request, session Session, entityType string) {
	query := r.URL.Query()
	filter, ok := store.ParseArchiveFilter(query.Get("archive"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "archive must be active, archived or all", nil)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.ListEntities(r.Context(), session, store.EntityQuery{
		Type:      entityType,
		ProjectID: strings.TrimSpace(query.Get("projectId")),
		ParentID:  strings.TrimSpace(query.Get("parentId")),
		Archive:   filter,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, entityJSON(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 3 || parts[1] != "members" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	projectID, userID := parts[0], parts[2]
	switch r.Method {
	case http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		membership, created, err := s.service.UpsertMembership(r.Context(), session, projectID, userID, body.Role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, statusForCreate(created), map[string]any{
			"projectId": membership.ProjectID,
			"userId":    membership.UserID,
			"role":      membership.Role,
			"createdAt": membership.CreatedAt,
			"updatedAt": membership.UpdatedAt,
		})
	case http.MethodDelete:
		if err := s.service.RemoveMembership(r.Context(), session, projectID, userID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	page, err := queryInt(r, "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.QueryAuditTrail(r.Context(), session, audit.TrailFilter{
		Action:     strings.TrimSpace(query.Get("action")),
		EntityType: strings.TrimSpace(query.Get("entityType")),
		ProjectID:  strings.TrimSpace(query.Get("projectId")),
		ActorID:    strings.TrimSpace(query.Get("actorId")),
		TextQuery:  query.Get("q"),
	}, page, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	items := make([]map[string]any, 0, len(result.Items))
	for _, item := range result.Items {
		changes := make([]map[string]any, 0, len(item.Changes))
		for _, change := range item.Changes {
			changes = append(changes, map[string]any{
				"fieldPath": change.FieldPath,
				"oldValue":  change.OldValue,
				"newValue":  change.NewValue,
				"changedAt": change.ChangedAt,
			})
		}
		items = append(items, map[string]any{
			"id":            item.Record.ID,
			"actorId":       item.Record.ActorID,
			"actor":         item.Actor,
			"entityType":    item.Record.EntityType,
			"entityId":      item.Record.EntityID,
			"projectId":     item.Record.ProjectID,
			"action":        item.Record.Action,
			"correlationId": nilIfEmpty(item.Record.CorrelationID),
			"createdAt":     item.Record.CreatedAt,
			"changes":       changes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": result.Total,
		"page":  result.Page,
		"limit": result.Limit,
	})
}

func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request, session Session) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.service.QueryFeed(r.Context(), session, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []feed.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 1 && parts[0] == "users" && r.Method == http.MethodPost:
		var input CreateUserInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.CreateUser(r.Context(), session, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":          user.ID,
			"email":       user.Email,
			"displayName": user.DisplayName,
			"role":        user.Role,
			"createdAt":   user.CreatedAt,
		})
	case len(parts) == 2 && parts[0] == "users" && r.Method == http.MethodDelete:
		if err := s.service.RemoveUser(r.Context(), session, parts[1]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func entityJSON(e store.Entity) map[string]any {
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"id":               e.ID,
		"type":             e.Type,
		"ownerId":          e.OwnerID,
		"projectId":        e.ProjectID,
		"parentId":         e.ParentID,
		"fields":           fields,
		"sharedUserIds":    nonNilStrings(e.SharedUserIDs),
		"sharedProjectIds": nonNilStrings(e.SharedProjectIDs),
		"visibility":       e.Visibility,
		"dueAt":            e.DueAt,
		"archivedAt":       e.ArchivedAt,
		"createdAt":        e.CreatedAt,
		"updatedAt":        e.UpdatedAt,
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
