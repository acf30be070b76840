package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const actionColumns = `a.id, a.actor_id, a.entity_type, a.entity_id, a.project_id, a.action,
	COALESCE(a.correlation_id, ''), a.created_at`

const fieldColumns = `id, entity_type, entity_id, field_path, old_value, new_value,
	COALESCE(correlation_id, ''), changed_at`

func (s *PostgresStore) InsertActionRecord(ctx context.Context, record ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_records (id, actor_id, entity_type, entity_id, project_id, action, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`,
		record.ID, record.ActorID, record.EntityType, record.EntityID,
		nullableString(record.ProjectID), record.Action, record.CorrelationID, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert action record: %w", translateError(err))
	}
	return nil
}

// InsertFieldRecords writes all records of one mutation in a single transaction.
func (s *PostgresStore) InsertFieldRecords(ctx context.Context, records []FieldRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin field records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO field_records (entity_type, entity_id, field_path, old_value, new_value, correlation_id, changed_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, NULLIF($6, ''), $7)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare field records: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		oldValue, err := json.Marshal(record.OldValue)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode old value for %s: %w", record.FieldPath, err)
		}
		newValue, err := json.Marshal(record.NewValue)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode new value for %s: %w", record.FieldPath, err)
		}
		if _, err := stmt.ExecContext(ctx,
			record.EntityType, record.EntityID, record.FieldPath,
			string(oldValue), string(newValue), record.CorrelationID, record.ChangedAt,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert field record %s: %w", record.FieldPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit field records: %w", err)
	}
	return nil
}

// ListActionRecords returns one page of matching action records, newest first,
// together with the total number of matches.
func (s *PostgresStore) ListActionRecords(ctx context.Context, filter AuditFilter) ([]ActionRecord, int, error) {
	if filter.IDs != nil && len(filter.IDs) == 0 {
		return []ActionRecord{}, 0, nil
	}
	a := &args{}
	where := auditWhere(a, filter)
	from := ` FROM action_records a LEFT JOIN users u ON u.id = a.actor_id WHERE ` + where

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+from, a.values...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count action records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + actionColumns + from +
		` ORDER BY a.created_at DESC, a.id DESC LIMIT ` + a.add(limit) + ` OFFSET ` + a.add(max(filter.Offset, 0))
	rows, err := s.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, 0, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()

	records := make([]ActionRecord, 0, limit)
	for rows.Next() {
		var (
			record    ActionRecord
			projectID sql.NullString
		)
		if err := rows.Scan(
			&record.ID, &record.ActorID, &record.EntityType, &record.EntityID,
			&projectID, &record.Action, &record.CorrelationID, &record.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan action record: %w", err)
		}
		if projectID.Valid {
			record.ProjectID = &projectID.String
		}
		record.CreatedAt = record.CreatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate action records: %w", err)
	}
	return records, total, nil
}

func auditWhere(a *args, filter AuditFilter) string {
	where := []string{"TRUE"}
	if filter.Action != "" {
		where = append(where, "a.action = "+a.add(filter.Action))
	}
	if filter.EntityType != "" {
		where = append(where, "a.entity_type = "+a.add(filter.EntityType))
	}
	if filter.ProjectID != "" {
		where = append(where, "a.project_id = "+a.add(filter.ProjectID))
	}
	if filter.ActorID != "" {
		where = append(where, "a.actor_id = "+a.add(filter.ActorID))
	}
	if filter.IDs != nil {
		where = append(where, "a.id IN ("+a.list(filter.IDs)+")")
	}
	if filter.Since != nil {
		where = append(where, "a.created_at >= "+a.add(*filter.Since))
	}
	if filter.Scope != nil {
		clauses := []string{"a.actor_id = " + a.add(filter.Scope.ActorID)}
		if len(filter.Scope.ProjectIDs) > 0 {
			clauses = append(clauses, "a.project_id IN ("+a.list(filter.Scope.ProjectIDs)+")")
		}
		if filter.Scope.IncludeShared {
			clauses = append(clauses, sharedScopeClause(a, filter.Scope))
		}
		where = append(where, "("+strings.Join(clauses, " OR ")+")")
	}
	if text := strings.TrimSpace(filter.TextQuery); text != "" {
		p := a.add(likePattern(text))
		where = append(where, fmt.Sprintf(
			"(a.entity_id ILIKE %[1]s OR a.entity_type ILIKE %[1]s OR a.action ILIKE %[1]s OR COALESCE(u.display_name, '') ILIKE %[1]s)", p,
		))
	}
	return strings.Join(where, " AND ")
}

func sharedScopeClause(a *args, scope *AuditScope) string {
	match := "e.shared_user_ids @> jsonb_build_array(" + a.add(scope.ActorID) + "::text)"
	if len(scope.ProjectIDs) > 0 {
		match = "(" + match + " OR (e.visibility = 'shared' AND EXISTS (" +
			"SELECT 1 FROM jsonb_array_elements_text(e.shared_project_ids) sp(id) WHERE sp.id IN (" + a.list(scope.ProjectIDs) + "))))"
	}
	return "EXISTS (SELECT 1 FROM entities e WHERE e.id = a.entity_id AND e.entity_type = a.entity_type AND " + match + ")"
}

func likePattern(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(text) + "%"
}

func (s *PostgresStore) ListFieldRecordsInWindow(ctx context.Context, entityType, entityID string, from, to time.Time) ([]FieldRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fieldColumns+` FROM field_records
		WHERE entity_type=$1 AND entity_id=$2 AND changed_at >= $3 AND changed_at <= $4
		ORDER BY changed_at, id
	`, entityType, entityID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list field records in window: %w", err)
	}
	return scanFieldRecords(rows)
}

func (s *PostgresStore) ListFieldRecordsByCorrelation(ctx context.Context, correlationIDs []string) ([]FieldRecord, error) {
	if len(correlationIDs) == 0 {
		return []FieldRecord{}, nil
	}
	a := &args{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fieldColumns+` FROM field_records
		WHERE correlation_id IN (`+a.list(correlationIDs)+`)
		ORDER BY changed_at, id
	`, a.values...)
	if err != nil {
		return nil, fmt.Errorf("list field records by correlation: %w", err)
	}
	return scanFieldRecords(rows)
}

func (s *PostgresStore) ListRecentFieldChanges(ctx context.Context, fieldPath string, since time.Time, limit int) ([]FieldRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fieldColumns+` FROM field_records
		WHERE field_path=$1 AND changed_at >= $2
		ORDER BY changed_at DESC, id DESC
		LIMIT $3
	`, fieldPath, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent field changes: %w", err)
	}
	return scanFieldRecords(rows)
}

func scanFieldRecords(rows *sql.Rows) ([]FieldRecord, error) {
	defer rows.Close()
	records := make([]FieldRecord, 0)
	for rows.Next() {
		var (
			record   FieldRecord
			oldValue []byte
			newValue []byte
		)
		if err := rows.Scan(
			&record.ID, &record.EntityType, &record.EntityID, &record.FieldPath,
			&oldValue, &newValue, &record.CorrelationID, &record.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("scan field record: %w", err)
		}
		if err := decodeJSONValue(oldValue, &record.OldValue); err != nil {
			return nil, fmt.Errorf("decode old value: %w", err)
		}
		if err := decodeJSONValue(newValue, &record.NewValue); err != nil {
			return nil, fmt.Errorf("decode new value: %w", err)
		}
		record.ChangedAt = record.ChangedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate field records: %w", err)
	}
	return records, nil
}

func decodeJSONValue(raw []byte, dest *any) error {
	if len(raw) == 0 {
		*dest = nil
		return nil
	}
	return json.Unmarshal(raw, dest)
}
