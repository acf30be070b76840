package audit

import (
	"context"
	"fmt"
	"time"

	"labtrack/internal/store"
)

// CorrelationWindow bounds the timestamp heuristic used for action records
// written before correlation ids existed. The window is inclusive on both ends.
const CorrelationWindow = 2 * time.Second

// FieldSource is the store slice correlation reads.
type FieldSource interface {
	ListFieldRecordsInWindow(ctx context.Context, entityType, entityID string, from, to time.Time) ([]store.FieldRecord, error)
	ListFieldRecordsByCorrelation(ctx context.Context, correlationIDs []string) ([]store.FieldRecord, error)
}

// Correlate returns the field records belonging to each action record, keyed
// by action record id. Records carrying a correlation id are matched exactly
// in one batched read. Legacy records fall back to the same entity within
// CorrelationWindow of the action's timestamp, ignoring field records that
// already belong to another correlation id.
func Correlate(ctx context.Context, src FieldSource, actions []store.ActionRecord) (map[string][]store.FieldRecord, error) {
	out := make(map[string][]store.FieldRecord, len(actions))

	correlationIDs := make([]string, 0, len(actions))
	byCorrelation := make(map[string][]string, len(actions))
	for _, action := range actions {
		out[action.ID] = []store.FieldRecord{}
		if action.CorrelationID == "" {
			continue
		}
		if _, ok := byCorrelation[action.CorrelationID]; !ok {
			correlationIDs = append(correlationIDs, action.CorrelationID)
		}
		byCorrelation[action.CorrelationID] = append(byCorrelation[action.CorrelationID], action.ID)
	}

	if len(correlationIDs) > 0 {
		records, err := src.ListFieldRecordsByCorrelation(ctx, correlationIDs)
		if err != nil {
			return nil, fmt.Errorf("load correlated field records: %w", err)
		}
		for _, record := range records {
			for _, actionID := range byCorrelation[record.CorrelationID] {
				out[actionID] = append(out[actionID], record)
			}
		}
	}

	for _, action := range actions {
		if action.CorrelationID != "" {
			continue
		}
		records, err := WindowFieldRecords(ctx, src, action)
		if err != nil {
			return nil, err
		}
		out[action.ID] = records
	}
	return out, nil
}

// WindowFieldRecords applies the timestamp heuristic to a single action record.
func WindowFieldRecords(ctx context.Context, src FieldSource, action store.ActionRecord) ([]store.FieldRecord, error) {
	from := action.CreatedAt.Add(-CorrelationWindow)
	to := action.CreatedAt.Add(CorrelationWindow)
	records, err := src.ListFieldRecordsInWindow(ctx, action.EntityType, action.EntityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load field records near %s: %w", action.ID, err)
	}
	matched := make([]store.FieldRecord, 0, len(records))
	for _, record := range records {
		if record.CorrelationID != "" {
			continue
		}
		matched = append(matched, record)
	}
	return matched, nil
}
