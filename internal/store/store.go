package store

import (
	"context"
	"time"
)

// Store is the full persistence surface. Packages that only need a slice of it
// declare their own narrower interface.
type Store interface {
	Ping(ctx context.Context) error

	GetEntity(ctx context.Context, entityType, id string, filter ArchiveFilter) (Entity, error)
	ListEntities(ctx context.Context, q EntityQuery) ([]Entity, error)
	InsertEntity(ctx context.Context, item Entity) error
	UpdateEntity(ctx context.Context, item Entity) error
	ListChildren(ctx context.Context, entityType string, parentIDs []string) ([]Entity, error)
	ArchiveEntities(ctx context.Context, entityType string, ids []string, at time.Time) ([]string, error)
	ReparentChildren(ctx context.Context, entityType, parentID string, newParent *string) ([]string, error)
	ListDueEntities(ctx context.Context, q DueQuery) ([]Entity, error)

	UpsertMembership(ctx context.Context, m Membership) (Membership, bool, error)
	GetMembership(ctx context.Context, projectID, userID string) (Membership, error)
	DeleteMembership(ctx context.Context, projectID, userID string) error
	ListAccessibleProjectIDs(ctx context.Context, userID string) ([]string, error)

	InsertUser(ctx context.Context, user User) error
	GetUserByID(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	DeleteUser(ctx context.Context, userID string) error
	ListUsersByIDs(ctx context.Context, ids []string) (map[string]User, error)

	InsertActionRecord(ctx context.Context, record ActionRecord) error
	InsertFieldRecords(ctx context.Context, records []FieldRecord) error
	ListActionRecords(ctx context.Context, filter AuditFilter) ([]ActionRecord, int, error)
	ListFieldRecordsInWindow(ctx context.Context, entityType, entityID string, from, to time.Time) ([]FieldRecord, error)
	ListFieldRecordsByCorrelation(ctx context.Context, correlationIDs []string) ([]FieldRecord, error)
	ListRecentFieldChanges(ctx context.Context, fieldPath string, since time.Time, limit int) ([]FieldRecord, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
