package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const entityColumns = `id, entity_type, owner_id, project_id, parent_id, fields, shared_user_ids,
	shared_project_ids, visibility, due_at, archived_at, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// args accumulates positional parameters while a query is assembled.
type args struct {
	values []any
}

func (a *args) add(value any) string {
	a.values = append(a.values, value)
	return fmt.Sprintf("$%d", len(a.values))
}

func (a *args) list(values []string) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = a.add(v)
	}
	return strings.Join(placeholders, ", ")
}

func archiveClause(filter ArchiveFilter, column string) string {
	switch filter {
	case ArchivedOnly:
		return column + " IS NOT NULL"
	case AnyState:
		return "TRUE"
	default:
		return column + " IS NULL"
	}
}

func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var (
		item             Entity
		projectID        sql.NullString
		parentID         sql.NullString
		fields           []byte
		sharedUserIDs    []byte
		sharedProjectIDs []byte
		dueAt            sql.NullTime
		archivedAt       sql.NullTime
	)
	err := row.Scan(
		&item.ID,
		&item.Type,
		&item.OwnerID,
		&projectID,
		&parentID,
		&fields,
		&sharedUserIDs,
		&sharedProjectIDs,
		&item.Visibility,
		&dueAt,
		&archivedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Entity{}, err
	}
	if projectID.Valid {
		item.ProjectID = &projectID.String
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if dueAt.Valid {
		t := dueAt.Time.UTC()
		item.DueAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time.UTC()
		item.ArchivedAt = &t
	}
	item.Fields = map[string]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &item.Fields); err != nil {
			return Entity{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	if err := json.Unmarshal(sharedUserIDs, &item.SharedUserIDs); err != nil {
		return Entity{}, fmt.Errorf("decode shared users: %w", err)
	}
	if err := json.Unmarshal(sharedProjectIDs, &item.SharedProjectIDs); err != nil {
		return Entity{}, fmt.Errorf("decode shared projects: %w", err)
	}
	return item, nil
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	defer rows.Close()
	items := make([]Entity, 0)
	for rows.Next() {
		item, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return items, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func jsonList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	return string(encoded), err
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityType, id string, filter ArchiveFilter) (Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type=$1 AND id=$2 AND ` + archiveClause(filter, "archived_at")
	item, err := scanEntity(s.db.QueryRowContext(ctx, query, entityType, id))
	if err != nil {
		return Entity{}, translateError(err)
	}
	return item, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, q EntityQuery) ([]Entity, error) {
	a := &args{}
	where := []string{"entity_type = " + a.add(q.Type), archiveClause(q.Archive, "archived_at")}
	if q.ProjectID != "" {
		where = append(where, "project_id = "+a.add(q.ProjectID))
	}
	if q.ParentID != "" {
		where = append(where, "parent_id = "+a.add(q.ParentID))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC, id LIMIT ` + a.add(limit) + ` OFFSET ` + a.add(max(q.Offset, 0))
	rows, err := s.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return scanEntities(rows)
}

func (s *PostgresStore) InsertEntity(ctx context.Context, item Entity) error {
	fields, err := json.Marshal(nonNilFields(item.Fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	sharedUsers, err := jsonList(item.SharedUserIDs)
	if err != nil {
		return fmt.Errorf("encode shared users: %w", err)
	}
	sharedProjects, err := jsonList(item.SharedProjectIDs)
	if err != nil {
		return fmt.Errorf("encode shared projects: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13)
	`,
		item.ID, item.Type, item.OwnerID, nullableString(item.ProjectID), nullableString(item.ParentID),
		string(fields), sharedUsers, sharedProjects, item.Visibility,
		nullableTime(item.DueAt), nullableTime(item.ArchivedAt), item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entity: %w", translateError(err))
	}
	return nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, item Entity) error {
	fields, err := json.Marshal(nonNilFields(item.Fields))
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	sharedUsers, err := jsonList(item.SharedUserIDs)
	if err != nil {
		return fmt.Errorf("encode shared users: %w", err)
	}
	sharedProjects, err := jsonList(item.SharedProjectIDs)
	if err != nil {
		return fmt.Errorf("encode shared projects: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET owner_id=$3, project_id=$4, parent_id=$5, fields=$6::jsonb, shared_user_ids=$7::jsonb,
			shared_project_ids=$8::jsonb, visibility=$9, due_at=$10, archived_at=$11, updated_at=$12
		WHERE entity_type=$1 AND id=$2
	`,
		item.Type, item.ID, item.OwnerID, nullableString(item.ProjectID), nullableString(item.ParentID),
		string(fields), sharedUsers, sharedProjects, item.Visibility,
		nullableTime(item.DueAt), nullableTime(item.ArchivedAt), item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", translateError(err))
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, entityType string, parentIDs []string) ([]Entity, error) {
	if len(parentIDs) == 0 {
		return []Entity{}, nil
	}
	a := &args{}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ` + a.add(entityType) +
		` AND parent_id IN (` + a.list(parentIDs) + `) ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return scanEntities(rows)
}

// ArchiveEntities stamps every still-active id with the same timestamp in one
// statement and returns the ids that transitioned.
func (s *PostgresStore) ArchiveEntities(ctx context.Context, entityType string, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	a := &args{}
	query := `UPDATE entities SET archived_at = ` + a.add(at) + `, updated_at = $1
		WHERE entity_type = ` + a.add(entityType) + ` AND archived_at IS NULL AND id IN (` + a.list(ids) + `)
		RETURNING id`
	rows, err := s.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, fmt.Errorf("archive entities: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) ReparentChildren(ctx context.Context, entityType, parentID string, newParent *string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE entities SET parent_id=$3, updated_at=NOW()
		WHERE entity_type=$1 AND parent_id=$2
		RETURNING id
	`, entityType, parentID, nullableString(newParent))
	if err != nil {
		return nil, fmt.Errorf("reparent children: %w", err)
	}
	return scanIDs(rows)
}

func (s *PostgresStore) ListDueEntities(ctx context.Context, q DueQuery) ([]Entity, error) {
	if len(q.Types) == 0 {
		return []Entity{}, nil
	}
	a := &args{}
	where := []string{
		"archived_at IS NULL",
		"due_at IS NOT NULL",
		"entity_type IN (" + a.list(q.Types) + ")",
	}
	if q.From != nil {
		where = append(where, "due_at >= "+a.add(*q.From))
	}
	if q.ToInclusive {
		where = append(where, "due_at <= "+a.add(q.To))
	} else {
		where = append(where, "due_at < "+a.add(q.To))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY due_at ASC, id LIMIT ` + a.add(limit)
	rows, err := s.db.QueryContext(ctx, query, a.values...)
	if err != nil {
		return nil, fmt.Errorf("list due entities: %w", err)
	}
	return scanEntities(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func nonNilFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}
