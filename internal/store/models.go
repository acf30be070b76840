package store

import "time"

// Entity types known to the core. Any other non-empty type is accepted and
// treated as a flat, owner-anchored entity.
const (
	TypeProject            = "project"
	TypeMilestone          = "milestone"
	TypeManuscript         = "manuscript"
	TypeExperiment         = "experiment"
	TypeFile               = "file"
	TypeNote               = "note"
	TypeTask               = "task"
	TypeProtocol           = "protocol"
	TypeMaterial           = "material"
	TypeKnowledgeBase      = "knowledge_base"
	TypeGrant              = "grant"
	TypeScholarshipPayment = "scholarship_payment"
)

const (
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ArchiveFilter selects entities by soft-delete state. The zero value lists
// active entities only, which is what ordinary reads want.
type ArchiveFilter int

const (
	ActiveOnly ArchiveFilter = iota
	ArchivedOnly
	AnyState
)

func (f ArchiveFilter) String() string {
	switch f {
	case ArchivedOnly:
		return "archived"
	case AnyState:
		return "all"
	default:
		return "active"
	}
}

// Matches reports whether an entity with the given archivedAt passes the filter.
func (f ArchiveFilter) Matches(archivedAt *time.Time) bool {
	switch f {
	case ArchivedOnly:
		return archivedAt != nil
	case AnyState:
		return true
	default:
		return archivedAt == nil
	}
}

// ParseArchiveFilter maps the query-string form back to the enum. Empty input
// yields ActiveOnly.
func ParseArchiveFilter(value string) (ArchiveFilter, bool) {
	switch value {
	case "", "active":
		return ActiveOnly, true
	case "archived":
		return ArchivedOnly, true
	case "all":
		return AnyState, true
	default:
		return ActiveOnly, false
	}
}

type Entity struct {
	ID               string
	Type             string
	OwnerID          string
	ProjectID        *string
	ParentID         *string
	Fields           map[string]any
	SharedUserIDs    []string
	SharedProjectIDs []string
	Visibility       string
	DueAt            *time.Time
	ArchivedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type EntityQuery struct {
	Type      string
	ProjectID string
	ParentID  string
	Archive   ArchiveFilter
	Limit     int
	Offset    int
}

type DueQuery struct {
	Types []string
	// From is an inclusive lower bound; nil means unbounded.
	From *time.Time
	// To is an exclusive upper bound when ToInclusive is false.
	To          time.Time
	ToInclusive bool
	Limit       int
}

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Membership struct {
	ProjectID string
	UserID    string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ActionRecord struct {
	ID            string
	ActorID       string
	EntityType    string
	EntityID      string
	ProjectID     *string
	Action        string
	CorrelationID string
	CreatedAt     time.Time
}

type FieldRecord struct {
	ID            int64
	EntityType    string
	EntityID      string
	FieldPath     string
	OldValue      any
	NewValue      any
	CorrelationID string
	ChangedAt     time.Time
}

// AuditScope limits action records to those a non-elevated viewer may see:
// their own actions plus actions on the listed projects. With IncludeShared,
// actions on entities shared with ActorID, or shared entities naming one of
// ProjectIDs, are in scope too.
type AuditScope struct {
	ActorID       string
	ProjectIDs    []string
	IncludeShared bool
}

type AuditFilter struct {
	Action     string
	EntityType string
	ProjectID  string
	ActorID    string
	TextQuery  string
	// IDs, when non-nil, restricts results to these action record ids.
	IDs    []string
	Scope  *AuditScope
	Since  *time.Time
	Limit  int
	Offset int
}
