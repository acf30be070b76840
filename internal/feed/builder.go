// Package feed merges recent activity, deadlines and status changes into one
// newest-first notification stream.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"labtrack/internal/access"
	"labtrack/internal/audit"
	"labtrack/internal/store"
)

const (
	DefaultLimit   = 20
	MaxLimit       = 100
	DefaultHorizon = 7 * 24 * time.Hour
	StatusWindow   = 24 * time.Hour
	statusField    = "status"
)

type Kind string

const (
	KindActivity     Kind = "activity"
	KindUpcoming     Kind = "upcoming"
	KindOverdue      Kind = "overdue"
	KindStatusChange Kind = "status_change"
)

// DueTypes are the entity types whose deadlines surface in the feed.
var DueTypes = []string{
	store.TypeMilestone,
	store.TypeTask,
	store.TypeManuscript,
	store.TypeExperiment,
	store.TypeGrant,
	store.TypeScholarshipPayment,
}

type Store interface {
	GetEntity(ctx context.Context, entityType, id string, filter store.ArchiveFilter) (store.Entity, error)
	ListActionRecords(ctx context.Context, filter store.AuditFilter) ([]store.ActionRecord, int, error)
	ListUsersByIDs(ctx context.Context, ids []string) (map[string]store.User, error)
	ListAccessibleProjectIDs(ctx context.Context, userID string) ([]string, error)
	ListDueEntities(ctx context.Context, q store.DueQuery) ([]store.Entity, error)
	ListRecentFieldChanges(ctx context.Context, fieldPath string, since time.Time, limit int) ([]store.FieldRecord, error)
}

type Authorizer interface {
	Resolve(ctx context.Context, actor access.Actor, target access.Target) (access.Decision, error)
}

type Item struct {
	Kind       Kind             `json:"kind"`
	ID         string           `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	EntityType string           `json:"entityType"`
	EntityID   string           `json:"entityId"`
	ProjectID  *string          `json:"projectId,omitempty"`
	Title      string           `json:"title,omitempty"`
	Action     string           `json:"action,omitempty"`
	Actor      *audit.ActorInfo `json:"actor,omitempty"`
	DueAt      *time.Time       `json:"dueAt,omitempty"`
	OldValue   any              `json:"oldValue,omitempty"`
	NewValue   any              `json:"newValue,omitempty"`
}

type Builder struct {
	store    Store
	resolver Authorizer
	logger   zerolog.Logger
	horizon  time.Duration
	now      func() time.Time
}

type Option func(*Builder)

// WithHorizon sets how far ahead upcoming deadlines are reported.
func WithHorizon(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.horizon = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(s Store, resolver Authorizer, logger zerolog.Logger, opts ...Option) *Builder {
	b := &Builder{
		store:    s,
		resolver: resolver,
		logger:   logger.With().Str("component", "feed").Logger(),
		horizon:  DefaultHorizon,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NormalizeLimit clamps limit to (0, MaxLimit], defaulting to DefaultLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Build returns up to limit items visible to viewer, newest first.
func (b *Builder) Build(ctx context.Context, viewer access.Actor, limit int) ([]Item, error) {
	limit = NormalizeLimit(limit)
	now := b.now().UTC()
	// Each source over-fetches so visibility filtering still fills the page.
	sourceLimit := limit * 3

	v := &visibility{builder: b, viewer: viewer, cache: map[string]visibleEntity{}}

	activity, err := b.activity(ctx, v, sourceLimit)
	if err != nil {
		return nil, err
	}
	upcoming, err := b.deadlines(ctx, v, KindUpcoming, store.DueQuery{
		Types: DueTypes, From: &now, To: now.Add(b.horizon), ToInclusive: true, Limit: sourceLimit,
	})
	if err != nil {
		return nil, err
	}
	overdue, err := b.deadlines(ctx, v, KindOverdue, store.DueQuery{
		Types: DueTypes, To: now, Limit: sourceLimit,
	})
	if err != nil {
		return nil, err
	}
	statuses, err := b.statusChanges(ctx, v, now.Add(-StatusWindow), sourceLimit)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(activity)+len(upcoming)+len(overdue)+len(statuses))
	items = append(items, activity...)
	items = append(items, upcoming...)
	items = append(items, overdue...)
	items = append(items, statuses...)
	Sort(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Sort orders items by timestamp descending, then kind, then id.
func Sort(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
}

func (b *Builder) activity(ctx context.Context, v *visibility, limit int) ([]Item, error) {
	filter := store.AuditFilter{Limit: limit}
	if !access.IsElevated(v.viewer.Role) {
		projects, err := b.store.ListAccessibleProjectIDs(ctx, v.viewer.ID)
		if err != nil {
			return nil, fmt.Errorf("load accessible projects: %w", err)
		}
		filter.Scope = &store.AuditScope{ActorID: v.viewer.ID, ProjectIDs: projects, IncludeShared: true}
	}
	records, _, err := b.store.ListActionRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list recent actions: %w", err)
	}

	actorIDs := make([]string, 0, len(records))
	for _, record := range records {
		actorIDs = append(actorIDs, record.ActorID)
	}
	users, err := b.store.ListUsersByIDs(ctx, actorIDs)
	if err != nil {
		return nil, fmt.Errorf("load actors: %w", err)
	}

	items := make([]Item, 0, len(records))
	for _, record := range records {
		entity, ok, err := v.lookup(ctx, record.EntityType, record.EntityID)
		if err != nil {
			return nil, err
		}
		// Records about rows that no longer exist stay visible to their actor.
		if !ok && record.ActorID != v.viewer.ID && !access.IsElevated(v.viewer.Role) {
			continue
		}
		if ok && !entity.canView {
			continue
		}
		item := Item{
			Kind:       KindActivity,
			ID:         record.ID,
			Timestamp:  record.CreatedAt,
			EntityType: record.EntityType,
			EntityID:   record.EntityID,
			ProjectID:  record.ProjectID,
			Title:      entity.title,
			Action:     record.Action,
		}
		if user, found := users[record.ActorID]; found {
			item.Actor = &audit.ActorInfo{ID: user.ID, DisplayName: user.DisplayName, Email: user.Email}
		}
		items = append(items, item)
	}
	return items, nil
}

func (b *Builder) deadlines(ctx context.Context, v *visibility, kind Kind, q store.DueQuery) ([]Item, error) {
	entities, err := b.store.ListDueEntities(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list %s deadlines: %w", kind, err)
	}
	items := make([]Item, 0, len(entities))
	for _, e := range entities {
		canView, err := v.decide(ctx, e)
		if err != nil {
			return nil, err
		}
		if !canView {
			continue
		}
		items = append(items, Item{
			Kind:       kind,
			ID:         e.ID,
			Timestamp:  *e.DueAt,
			EntityType: e.Type,
			EntityID:   e.ID,
			ProjectID:  e.ProjectID,
			Title:      e.Title(),
			DueAt:      e.DueAt,
		})
	}
	return items, nil
}

func (b *Builder) statusChanges(ctx context.Context, v *visibility, since time.Time, limit int) ([]Item, error) {
	records, err := b.store.ListRecentFieldChanges(ctx, statusField, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list status changes: %w", err)
	}
	items := make([]Item, 0, len(records))
	for _, record := range records {
		entity, ok, err := v.lookup(ctx, record.EntityType, record.EntityID)
		if err != nil {
			return nil, err
		}
		if !ok || !entity.canView {
			continue
		}
		items = append(items, Item{
			Kind:       KindStatusChange,
			ID:         strconv.FormatInt(record.ID, 10),
			Timestamp:  record.ChangedAt,
			EntityType: record.EntityType,
			EntityID:   record.EntityID,
			ProjectID:  entity.projectID,
			Title:      entity.title,
			OldValue:   record.OldValue,
			NewValue:   record.NewValue,
		})
	}
	return items, nil
}

type visibleEntity struct {
	canView   bool
	title     string
	projectID *string
}

// visibility memoizes per-entity decisions for the duration of one Build.
type visibility struct {
	builder *Builder
	viewer  access.Actor
	cache   map[string]visibleEntity
}

func (v *visibility) lookup(ctx context.Context, entityType, id string) (visibleEntity, bool, error) {
	key := entityType + "/" + id
	if cached, ok := v.cache[key]; ok {
		return cached, true, nil
	}
	e, err := v.builder.store.GetEntity(ctx, entityType, id, store.AnyState)
	if errors.Is(err, store.ErrNotFound) {
		return visibleEntity{}, false, nil
	}
	if err != nil {
		return visibleEntity{}, false, fmt.Errorf("load %s %s: %w", entityType, id, err)
	}
	if _, err := v.decide(ctx, e); err != nil {
		return visibleEntity{}, false, err
	}
	return v.cache[key], true, nil
}

func (v *visibility) decide(ctx context.Context, e store.Entity) (bool, error) {
	key := e.Type + "/" + e.ID
	if cached, ok := v.cache[key]; ok {
		return cached.canView, nil
	}
	decision, err := v.builder.resolver.Resolve(ctx, v.viewer, access.TargetFor(e))
	if err != nil {
		return false, fmt.Errorf("authorize %s %s: %w", e.Type, e.ID, err)
	}
	v.cache[key] = visibleEntity{canView: decision.CanView, title: e.Title(), projectID: e.ProjectID}
	return decision.CanView, nil
}
