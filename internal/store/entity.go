package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Keys that address entity columns rather than the open field set.
const (
	KeyOwnerID          = "ownerId"
	KeyProjectID        = "projectId"
	KeyParentID         = "parentId"
	KeyVisibility       = "visibility"
	KeySharedUserIDs    = "sharedUserIds"
	KeySharedProjectIDs = "sharedProjectIds"
	KeyArchivedAt       = "archivedAt"
)

var reservedKeys = map[string]struct{}{
	KeyOwnerID:          {},
	KeyProjectID:        {},
	KeyParentID:         {},
	KeyVisibility:       {},
	KeySharedUserIDs:    {},
	KeySharedProjectIDs: {},
	KeyArchivedAt:       {},
	"id":                {},
	"type":              {},
	"createdAt":         {},
	"updatedAt":         {},
}

// dueFieldKeys are the open fields that carry a deadline, in priority order.
var dueFieldKeys = []string{"dueDate", "deadline", "dueAt"}

// IsReservedKey reports whether key names an entity column.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// IsArchived reports whether the entity is soft-deleted.
func (e Entity) IsArchived() bool {
	return e.ArchivedAt != nil
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (e Entity) Clone() Entity {
	out := e
	out.ProjectID = cloneString(e.ProjectID)
	out.ParentID = cloneString(e.ParentID)
	out.DueAt = cloneTime(e.DueAt)
	out.ArchivedAt = cloneTime(e.ArchivedAt)
	out.SharedUserIDs = append([]string(nil), e.SharedUserIDs...)
	out.SharedProjectIDs = append([]string(nil), e.SharedProjectIDs...)
	out.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out.Fields[k] = v
	}
	return out
}

// State flattens the entity into the key space used by patches and diffs.
func (e Entity) State() map[string]any {
	state := make(map[string]any, len(e.Fields)+7)
	for k, v := range e.Fields {
		state[k] = v
	}
	state[KeyOwnerID] = e.OwnerID
	state[KeyProjectID] = stringOrNil(e.ProjectID)
	state[KeyParentID] = stringOrNil(e.ParentID)
	state[KeyVisibility] = e.Visibility
	state[KeySharedUserIDs] = append([]string{}, e.SharedUserIDs...)
	state[KeySharedProjectIDs] = append([]string{}, e.SharedProjectIDs...)
	if e.ArchivedAt != nil {
		state[KeyArchivedAt] = *e.ArchivedAt
	} else {
		state[KeyArchivedAt] = nil
	}
	return state
}

// Title returns a display label from the common naming fields.
func (e Entity) Title() string {
	for _, key := range []string{"title", "name", "label"} {
		if value, ok := e.Fields[key].(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return e.ID
}

// ApplyPatch returns a copy of e with patch applied. A nil value removes an
// open field or clears a nullable column.
func ApplyPatch(e Entity, patch map[string]any) (Entity, error) {
	out := e.Clone()
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := patch[key]
		switch key {
		case "id", "type", "createdAt", "updatedAt":
			return Entity{}, fmt.Errorf("%w: %s is immutable", ErrInvalidPatch, key)
		case KeyOwnerID:
			owner, ok := value.(string)
			if !ok || strings.TrimSpace(owner) == "" {
				return Entity{}, fmt.Errorf("%w: ownerId must be a non-empty string", ErrInvalidPatch)
			}
			out.OwnerID = owner
		case KeyProjectID:
			ref, err := optionalString(key, value)
			if err != nil {
				return Entity{}, err
			}
			out.ProjectID = ref
		case KeyParentID:
			ref, err := optionalString(key, value)
			if err != nil {
				return Entity{}, err
			}
			out.ParentID = ref
		case KeyVisibility:
			visibility, ok := value.(string)
			if !ok || (visibility != VisibilityPrivate && visibility != VisibilityShared) {
				return Entity{}, fmt.Errorf("%w: visibility must be private or shared", ErrInvalidPatch)
			}
			out.Visibility = visibility
		case KeySharedUserIDs:
			ids, err := stringList(key, value)
			if err != nil {
				return Entity{}, err
			}
			out.SharedUserIDs = ids
		case KeySharedProjectIDs:
			ids, err := stringList(key, value)
			if err != nil {
				return Entity{}, err
			}
			out.SharedProjectIDs = ids
		case KeyArchivedAt:
			at, err := ParseTimeValue(value)
			if err != nil {
				return Entity{}, fmt.Errorf("%w: archivedAt: %v", ErrInvalidPatch, err)
			}
			out.ArchivedAt = at
		default:
			if value == nil {
				delete(out.Fields, key)
				continue
			}
			out.Fields[key] = value
		}
	}
	out.DueAt = DeriveDueAt(out.Fields)
	return out, nil
}

// DeriveDueAt extracts the deadline from the open field set.
func DeriveDueAt(fields map[string]any) *time.Time {
	for _, key := range dueFieldKeys {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		at, err := ParseTimeValue(raw)
		if err == nil && at != nil {
			return at
		}
	}
	return nil
}

// ParseTimeValue accepts the shapes a timestamp takes after JSON decoding or
// in-process construction. nil and "" yield nil.
func ParseTimeValue(value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		t := v.UTC()
		return &t, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("unrecognised time %q", v)
	default:
		return nil, fmt.Errorf("unsupported time value %T", value)
	}
}

func optionalString(key string, value any) (*string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or null", ErrInvalidPatch, key)
	}
}

func stringList(key string, value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return dedupe(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must contain strings", ErrInvalidPatch, key)
			}
			out = append(out, s)
		}
		return dedupe(out), nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list", ErrInvalidPatch, key)
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func stringOrNil(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

// StringPtr is a convenience for optional references.
func StringPtr(value string) *string {
	return &value
}
