package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"labtrack/internal/access"
	"labtrack/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TrailStore is the store slice the audit trail query reads.
type TrailStore interface {
	FieldSource
	ListActionRecords(ctx context.Context, filter store.AuditFilter) ([]store.ActionRecord, int, error)
	ListUsersByIDs(ctx context.Context, ids []string) (map[string]store.User, error)
	ListAccessibleProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// TextSearcher narrows a free-text query to action record ids. Any error makes
// the trail fall back to the store's substring match.
type TextSearcher interface {
	SearchActionIDs(ctx context.Context, text string) ([]string, error)
}

type TrailFilter struct {
	Action     string
	EntityType string
	ProjectID  string
	ActorID    string
	TextQuery  string
}

type ActorInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type TrailItem struct {
	Record  store.ActionRecord
	Actor   *ActorInfo
	Changes []store.FieldRecord
}

type TrailPage struct {
	Items []TrailItem
	Total int
	Page  int
	Limit int
}

type Trail struct {
	store    TrailStore
	searcher TextSearcher
	logger   zerolog.Logger
}

// NewTrail builds the query side. searcher may be nil.
func NewTrail(s TrailStore, searcher TextSearcher, logger zerolog.Logger) *Trail {
	return &Trail{store: s, searcher: searcher, logger: logger.With().Str("component", "audit_trail").Logger()}
}

// NormalizePage clamps 1-based paging input to the supported range.
func NormalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// Query returns one page of action records visible to viewer, newest first,
// each with its actor and correlated field changes. Non-elevated viewers see
// their own actions, actions on projects they own or belong to, and actions
// on entities shared with them.
func (t *Trail) Query(ctx context.Context, viewer access.Actor, filter TrailFilter, page, limit int) (TrailPage, error) {
	page, limit = NormalizePage(page, limit)
	q := store.AuditFilter{
		Action:     filter.Action,
		EntityType: filter.EntityType,
		ProjectID:  filter.ProjectID,
		ActorID:    filter.ActorID,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	}

	if !access.IsElevated(viewer.Role) {
		projects, err := t.store.ListAccessibleProjectIDs(ctx, viewer.ID)
		if err != nil {
			return TrailPage{}, fmt.Errorf("load accessible projects: %w", err)
		}
		q.Scope = &store.AuditScope{ActorID: viewer.ID, ProjectIDs: projects, IncludeShared: true}
	}

	if text := strings.TrimSpace(filter.TextQuery); text != "" {
		q.TextQuery = text
		if t.searcher != nil {
			ids, err := t.searcher.SearchActionIDs(ctx, text)
			switch {
			case err == nil:
				q.IDs = ids
				q.TextQuery = ""
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return TrailPage{}, err
			default:
				t.logger.Debug().Err(err).Msg("text query served by store")
			}
		}
	}

	records, total, err := t.store.ListActionRecords(ctx, q)
	if err != nil {
		return TrailPage{}, fmt.Errorf("list action records: %w", err)
	}

	changes, err := Correlate(ctx, t.store, records)
	if err != nil {
		return TrailPage{}, err
	}

	actorIDs := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if _, ok := seen[record.ActorID]; ok {
			continue
		}
		seen[record.ActorID] = struct{}{}
		actorIDs = append(actorIDs, record.ActorID)
	}
	users, err := t.store.ListUsersByIDs(ctx, actorIDs)
	if err != nil {
		return TrailPage{}, fmt.Errorf("load actors: %w", err)
	}

	items := make([]TrailItem, 0, len(records))
	for _, record := range records {
		item := TrailItem{Record: record, Changes: changes[record.ID]}
		if user, ok := users[record.ActorID]; ok {
			item.Actor = &ActorInfo{ID: user.ID, DisplayName: user.DisplayName, Email: user.Email}
		}
		items = append(items, item)
	}
	return TrailPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}
