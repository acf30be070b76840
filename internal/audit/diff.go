package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"labtrack/internal/store"
)

// archivedToggleKey is the boolean convenience clients send instead of a
// timestamp. It never reaches the store or the field records.
const archivedToggleKey = "archived"

// FieldChange is one changed key of an entity.
type FieldChange struct {
	Path     string
	OldValue any
	NewValue any
}

// Diff compares previous and next for each key in keys and returns the keys
// whose values differ, sorted by path.
func Diff(previous, next map[string]any, keys []string) []FieldChange {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	changes := make([]FieldChange, 0, len(sorted))
	seen := make(map[string]struct{}, len(sorted))
	for _, key := range sorted {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		oldValue := previous[key]
		newValue := next[key]
		if valuesEqual(oldValue, newValue) {
			continue
		}
		changes = append(changes, FieldChange{Path: key, OldValue: oldValue, NewValue: newValue})
	}
	return changes
}

// valuesEqual compares two values by their JSON form, so 3 and 3.0 or a
// time.Time and its RFC 3339 string are the same value.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return isNullish(a) && isNullish(b)
	}
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TranslateArchiveToggle rewrites an "archived" boolean in patch into an
// archivedAt value. Archiving an entity that is already archived keeps its
// original timestamp. The returned map is a copy; patch is not modified.
func TranslateArchiveToggle(patch map[string]any, current *time.Time, now time.Time) (map[string]any, error) {
	raw, ok := patch[archivedToggleKey]
	if !ok {
		return patch, nil
	}
	archived, isBool := raw.(bool)
	if !isBool {
		return nil, fmt.Errorf("%w: archived must be a boolean", store.ErrInvalidPatch)
	}

	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if k != archivedToggleKey {
			out[k] = v
		}
	}
	switch {
	case archived && current != nil:
		out[store.KeyArchivedAt] = current.UTC()
	case archived:
		out[store.KeyArchivedAt] = now.UTC()
	default:
		out[store.KeyArchivedAt] = nil
	}
	return out, nil
}
