package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in maps guarded by one lock. It backs unit tests
// and STORE_DRIVER=memory development runs. Values are JSON-normalized on the
// way in so reads look the same as from Postgres.
type MemoryStore struct {
	mu           sync.RWMutex
	entities     map[string]Entity
	users        map[string]User
	memberships  map[string]Membership
	actions      []ActionRecord
	fieldRecords []FieldRecord
	nextFieldID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    make(map[string]Entity),
		users:       make(map[string]User),
		memberships: make(map[string]Membership),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func entityKey(entityType, id string) string {
	return entityType + "/" + id
}

func membershipKey(projectID, userID string) string {
	return projectID + "/" + userID
}

func normalizeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeEntity(item Entity) (Entity, error) {
	out := item.Clone()
	fields := make(map[string]any, len(item.Fields))
	for k, v := range item.Fields {
		normalized, err := normalizeValue(v)
		if err != nil {
			return Entity{}, fmt.Errorf("encode field %s: %w", k, err)
		}
		fields[k] = normalized
	}
	out.Fields = fields
	if out.SharedUserIDs == nil {
		out.SharedUserIDs = []string{}
	}
	if out.SharedProjectIDs == nil {
		out.SharedProjectIDs = []string{}
	}
	return out, nil
}

func (s *MemoryStore) GetEntity(_ context.Context, entityType, id string, filter ArchiveFilter) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.entities[entityKey(entityType, id)]
	if !ok || !filter.Matches(item.ArchivedAt) {
		return Entity{}, ErrNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) ListEntities(_ context.Context, q EntityQuery) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Entity, 0)
	for _, item := range s.entities {
		if item.Type != q.Type || !q.Archive.Matches(item.ArchivedAt) {
			continue
		}
		if q.ProjectID != "" && (item.ProjectID == nil || *item.ProjectID != q.ProjectID) {
			continue
		}
		if q.ParentID != "" && (item.ParentID == nil || *item.ParentID != q.ParentID) {
			continue
		}
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	return page(items, q.Offset, limit), nil
}

func (s *MemoryStore) InsertEntity(_ context.Context, item Entity) error {
	normalized, err := normalizeEntity(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entities {
		if existing.ID == item.ID {
			return fmt.Errorf("%w: entity %s", ErrConflict, item.ID)
		}
	}
	s.entities[entityKey(item.Type, item.ID)] = normalized
	return nil
}

func (s *MemoryStore) UpdateEntity(_ context.Context, item Entity) error {
	normalized, err := normalizeEntity(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey(item.Type, item.ID)
	existing, ok := s.entities[key]
	if !ok {
		return ErrNotFound
	}
	normalized.CreatedAt = existing.CreatedAt
	s.entities[key] = normalized
	return nil
}

func (s *MemoryStore) ListChildren(_ context.Context, entityType string, parentIDs []string) ([]Entity, error) {
	parents := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	children := make([]Entity, 0)
	for _, item := range s.entities {
		if item.Type != entityType || item.ParentID == nil {
			continue
		}
		if _, ok := parents[*item.ParentID]; ok {
			children = append(children, item.Clone())
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if !children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].CreatedAt.Before(children[j].CreatedAt)
		}
		return children[i].ID < children[j].ID
	})
	return children, nil
}

func (s *MemoryStore) ArchiveEntities(_ context.Context, entityType string, ids []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	archived := make([]string, 0, len(ids))
	for _, id := range dedupe(ids) {
		key := entityKey(entityType, id)
		item, ok := s.entities[key]
		if !ok || item.ArchivedAt != nil {
			continue
		}
		stamp := at
		item.ArchivedAt = &stamp
		item.UpdatedAt = at
		s.entities[key] = item
		archived = append(archived, id)
	}
	return archived, nil
}

func (s *MemoryStore) ReparentChildren(_ context.Context, entityType, parentID string, newParent *string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := make([]string, 0)
	now := time.Now().UTC()
	for key, item := range s.entities {
		if item.Type != entityType || item.ParentID == nil || *item.ParentID != parentID {
			continue
		}
		item.ParentID = cloneString(newParent)
		item.UpdatedAt = now
		s.entities[key] = item
		moved = append(moved, item.ID)
	}
	sort.Strings(moved)
	return moved, nil
}

func (s *MemoryStore) ListDueEntities(_ context.Context, q DueQuery) ([]Entity, error) {
	types := make(map[string]struct{}, len(q.Types))
	for _, t := range q.Types {
		types[t] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Entity, 0)
	for _, item := range s.entities {
		if item.ArchivedAt != nil || item.DueAt == nil {
			continue
		}
		if _, ok := types[item.Type]; !ok {
			continue
		}
		due := *item.DueAt
		if q.From != nil && due.Before(*q.From) {
			continue
		}
		if q.ToInclusive && due.After(q.To) {
			continue
		}
		if !q.ToInclusive && !due.Before(q.To) {
			continue
		}
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].DueAt.Equal(*items[j].DueAt) {
			return items[i].DueAt.Before(*items[j].DueAt)
		}
		return items[i].ID < items[j].ID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	return page(items, 0, limit), nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, m Membership) (Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	key := membershipKey(m.ProjectID, m.UserID)
	existing, ok := s.memberships[key]
	if ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.memberships[key] = m
	return m, !ok, nil
}

func (s *MemoryStore) GetMembership(_ context.Context, projectID, userID string) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey(projectID, userID)]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) DeleteMembership(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey(projectID, userID)
	if _, ok := s.memberships[key]; !ok {
		return ErrNotFound
	}
	delete(s.memberships, key)
	return nil
}

func (s *MemoryStore) ListAccessibleProjectIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for _, m := range s.memberships {
		if m.UserID == userID {
			ids = append(ids, m.ProjectID)
		}
	}
	for _, item := range s.entities {
		if item.Type == TypeProject && item.OwnerID == userID && item.ArchivedAt == nil {
			ids = append(ids, item.ID)
		}
	}
	ids = dedupe(ids)
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) InsertUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrConflict, user.ID)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return fmt.Errorf("%w: email %s", ErrConflict, user.Email)
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	delete(s.users, userID)
	for key, m := range s.memberships {
		if m.UserID == userID {
			delete(s.memberships, key)
		}
	}
	return nil
}

func (s *MemoryStore) ListUsersByIDs(_ context.Context, ids []string) (map[string]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]User, len(ids))
	for _, id := range ids {
		if user, ok := s.users[id]; ok {
			users[id] = user
		}
	}
	return users, nil
}

func (s *MemoryStore) InsertActionRecord(_ context.Context, record ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.actions {
		if existing.ID == record.ID {
			return fmt.Errorf("%w: action record %s", ErrConflict, record.ID)
		}
	}
	record.ProjectID = cloneString(record.ProjectID)
	s.actions = append(s.actions, record)
	return nil
}

func (s *MemoryStore) InsertFieldRecords(_ context.Context, records []FieldRecord) error {
	normalized := make([]FieldRecord, 0, len(records))
	for _, record := range records {
		oldValue, err := normalizeValue(record.OldValue)
		if err != nil {
			return fmt.Errorf("encode old value for %s: %w", record.FieldPath, err)
		}
		newValue, err := normalizeValue(record.NewValue)
		if err != nil {
			return fmt.Errorf("encode new value for %s: %w", record.FieldPath, err)
		}
		record.OldValue = oldValue
		record.NewValue = newValue
		normalized = append(normalized, record)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range normalized {
		s.nextFieldID++
		normalized[i].ID = s.nextFieldID
	}
	s.fieldRecords = append(s.fieldRecords, normalized...)
	return nil
}

// inScope expects s.mu to be held.
func (s *MemoryStore) inScope(record ActionRecord, scope *AuditScope, projects map[string]struct{}) bool {
	if record.ActorID == scope.ActorID {
		return true
	}
	if record.ProjectID != nil {
		if _, ok := projects[*record.ProjectID]; ok {
			return true
		}
	}
	if !scope.IncludeShared {
		return false
	}
	e, ok := s.entities[entityKey(record.EntityType, record.EntityID)]
	if !ok {
		return false
	}
	for _, id := range e.SharedUserIDs {
		if id == scope.ActorID {
			return true
		}
	}
	if e.Visibility != VisibilityShared {
		return false
	}
	for _, id := range e.SharedProjectIDs {
		if _, ok := projects[id]; ok {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListActionRecords(_ context.Context, filter AuditFilter) ([]ActionRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]struct{}
	if filter.IDs != nil {
		ids = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = struct{}{}
		}
	}
	var scopeProjects map[string]struct{}
	if filter.Scope != nil {
		scopeProjects = make(map[string]struct{}, len(filter.Scope.ProjectIDs))
		for _, id := range filter.Scope.ProjectIDs {
			scopeProjects[id] = struct{}{}
		}
	}
	text := strings.ToLower(strings.TrimSpace(filter.TextQuery))

	matches := make([]ActionRecord, 0)
	for _, record := range s.actions {
		if filter.Action != "" && record.Action != filter.Action {
			continue
		}
		if filter.EntityType != "" && record.EntityType != filter.EntityType {
			continue
		}
		if filter.ProjectID != "" && (record.ProjectID == nil || *record.ProjectID != filter.ProjectID) {
			continue
		}
		if filter.ActorID != "" && record.ActorID != filter.ActorID {
			continue
		}
		if ids != nil {
			if _, ok := ids[record.ID]; !ok {
				continue
			}
		}
		if filter.Since != nil && record.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Scope != nil && !s.inScope(record, filter.Scope, scopeProjects) {
			continue
		}
		if text != "" && !s.actionMatchesText(record, text) {
			continue
		}
		record.ProjectID = cloneString(record.ProjectID)
		matches = append(matches, record)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	return page(matches, filter.Offset, limit), len(matches), nil
}

func (s *MemoryStore) actionMatchesText(record ActionRecord, text string) bool {
	candidates := []string{record.EntityID, record.EntityType, record.Action}
	if user, ok := s.users[record.ActorID]; ok {
		candidates = append(candidates, user.DisplayName)
	}
	for _, candidate := range candidates {
		if strings.Contains(strings.ToLower(candidate), text) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListFieldRecordsInWindow(_ context.Context, entityType, entityID string, from, to time.Time) ([]FieldRecord, error) {
	return s.filterFieldRecords(func(r FieldRecord) bool {
		return r.EntityType == entityType && r.EntityID == entityID &&
			!r.ChangedAt.Before(from) && !r.ChangedAt.After(to)
	}), nil
}

func (s *MemoryStore) ListFieldRecordsByCorrelation(_ context.Context, correlationIDs []string) ([]FieldRecord, error) {
	wanted := make(map[string]struct{}, len(correlationIDs))
	for _, id := range correlationIDs {
		wanted[id] = struct{}{}
	}
	return s.filterFieldRecords(func(r FieldRecord) bool {
		if r.CorrelationID == "" {
			return false
		}
		_, ok := wanted[r.CorrelationID]
		return ok
	}), nil
}

func (s *MemoryStore) ListRecentFieldChanges(_ context.Context, fieldPath string, since time.Time, limit int) ([]FieldRecord, error) {
	records := s.filterFieldRecords(func(r FieldRecord) bool {
		return r.FieldPath == fieldPath && !r.ChangedAt.Before(since)
	})
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].ChangedAt.Equal(records[j].ChangedAt) {
			return records[i].ChangedAt.After(records[j].ChangedAt)
		}
		return records[i].ID > records[j].ID
	})
	if limit <= 0 {
		limit = 100
	}
	return page(records, 0, limit), nil
}

// filterFieldRecords returns matches ordered by changedAt then insertion.
func (s *MemoryStore) filterFieldRecords(match func(FieldRecord) bool) []FieldRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FieldRecord, 0)
	for _, record := range s.fieldRecords {
		if match(record) {
			out = append(out, record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ChangedAt.Equal(out[j].ChangedAt) {
			return out[i].ChangedAt.Before(out[j].ChangedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
