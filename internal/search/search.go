// Package search keeps a full-text index of action records so the audit trail
// can answer free-text queries. Meilisearch is the only backend; when it is
// missing or unhealthy callers fall back to a substring match in the store.
package search

import (
	"context"
	"errors"

	"labtrack/internal/store"
)

// ErrUnavailable means no healthy backend could serve the query.
var ErrUnavailable = errors.New("search index unavailable")

// ActionDocument is the data we index for one action record.
type ActionDocument struct {
	ID         string   `json:"id"`
	ActorID    string   `json:"actorId"`
	EntityType string   `json:"entityType"`
	EntityID   string   `json:"entityId"`
	ProjectID  string   `json:"projectId,omitempty"`
	Action     string   `json:"action"`
	Title      string   `json:"title,omitempty"`
	FieldPaths []string `json:"fieldPaths,omitempty"`
	CreatedAt  int64    `json:"createdAt"`
}

// Backend is a full-text engine that stores ActionDocuments. IndexActions
// replaces whole documents; MergeActions leaves fields the document omits
// untouched.
type Backend interface {
	SearchActionIDs(ctx context.Context, text string, offset, limit int) ([]string, error)
	IndexActions(docs []ActionDocument) error
	MergeActions(docs []ActionDocument) error
	Healthy() bool
}

func DocumentFor(record store.ActionRecord, title string, fieldPaths []string) ActionDocument {
	doc := ActionDocument{
		ID:         record.ID,
		ActorID:    record.ActorID,
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Action:     record.Action,
		Title:      title,
		FieldPaths: fieldPaths,
		CreatedAt:  record.CreatedAt.UTC().Unix(),
	}
	if record.ProjectID != nil {
		doc.ProjectID = *record.ProjectID
	}
	return doc
}
