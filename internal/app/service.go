package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"labtrack/internal/access"
	"labtrack/internal/archive"
	"labtrack/internal/audit"
	"labtrack/internal/auth"
	"labtrack/internal/config"
	"labtrack/internal/feed"
	"labtrack/internal/metrics"
	refresh "labtrack/internal/session"
	"labtrack/internal/store"
	"labtrack/internal/util"
)

// Session is the authenticated actor of a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Actor() access.Actor {
	return access.Actor{ID: s.UserID, Role: access.NormalizeRole(s.Role)}
}

// SessionStore keeps refresh sessions. session.RedisStore implements it.
type SessionStore interface {
	Save(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (refresh.Session, error)
	Revoke(ctx context.Context, tokenHash string) error
}

// Deps are the collaborators New wires together. Only Store is required.
type Deps struct {
	Store    store.Store
	Sessions SessionStore
	Searcher audit.TextSearcher
	Indexer  audit.Indexer
	Hooks    []archive.Hook
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    func() time.Time
}

type Service struct {
	cfg      config.Config
	store    store.Store
	sessions SessionStore
	signer   *auth.Signer
	resolver *access.Resolver
	recorder *audit.Recorder
	archiver *archive.Controller
	trail    *audit.Trail
	feed     *feed.Builder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	recorderOpts := []audit.Option{audit.WithMetrics(deps.Metrics), audit.WithClock(clock)}
	if deps.Indexer != nil {
		recorderOpts = append(recorderOpts, audit.WithIndexer(deps.Indexer))
	}
	recorder := audit.NewRecorder(deps.Store, deps.Logger, recorderOpts...)
	resolver := access.NewResolver(deps.Store)

	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		signer:   auth.NewSigner(cfg.JWTSecret, cfg.AccessTTL),
		resolver: resolver,
		recorder: recorder,
		archiver: archive.NewController(deps.Store, recorder, deps.Logger, deps.Metrics, deps.Hooks...),
		trail:    audit.NewTrail(deps.Store, deps.Searcher, deps.Logger),
		feed:     feed.NewBuilder(deps.Store, resolver, deps.Logger, feed.WithHorizon(cfg.FeedHorizon), feed.WithClock(clock)),
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "service").Logger(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type ReadinessCheck struct {
	Name string
	Err  error
}

// Readiness pings the database and, when it can be pinged, the session store.
func (s *Service) Readiness(ctx context.Context) []ReadinessCheck {
	checks := []ReadinessCheck{{Name: "database", Err: s.Ping(ctx)}}
	if pinger, ok := s.sessions.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, ReadinessCheck{Name: "sessions", Err: pinger.Ping(ctx)})
	}
	return checks
}

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z_]{1,39}$`)

func validateEntityType(entityType string) error {
	if !entityTypePattern.MatchString(entityType) {
		return invalidArgument("unknown entity type")
	}
	return nil
}

var idPrefixes = map[string]string{
	store.TypeProject:            "prj",
	store.TypeMilestone:          "mil",
	store.TypeManuscript:         "man",
	store.TypeExperiment:         "exp",
	store.TypeFile:               "fil",
	store.TypeNote:               "not",
	store.TypeTask:               "tsk",
	store.TypeProtocol:           "pro",
	store.TypeMaterial:           "mat",
	store.TypeKnowledgeBase:      "kb",
	store.TypeGrant:              "grt",
	store.TypeScholarshipPayment: "sch",
}

func newEntityID(entityType string) string {
	if prefix, ok := idPrefixes[entityType]; ok {
		return util.NewID(prefix)
	}
	return util.NewID("ent")
}

// authorize resolves the actor's access to e and fails with ErrForbidden when
// the requested level is not granted.
func (s *Service) authorize(ctx context.Context, session Session, e store.Entity, edit bool) (access.Decision, error) {
	decision, err := s.resolver.Resolve(ctx, session.Actor(), access.TargetFor(e))
	if err != nil {
		return access.Decision{}, err
	}
	if err := decision.Require(edit); err != nil {
		level := "view"
		if edit {
			level = "edit"
		}
		s.metrics.AccessDenied(level)
		s.logger.Info().
			Str("user_id", session.UserID).
			Str("entity_type", e.Type).
			Str("entity_id", e.ID).
			Str("level", level).
			Msg("access denied")
		return decision, err
	}
	return decision, nil
}

// projectForAssignment loads the active project an entity is being placed in
// and checks the session may edit it.
func (s *Service) projectForAssignment(ctx context.Context, session Session, projectID string) (store.Entity, error) {
	project, err := s.store.GetEntity(ctx, store.TypeProject, projectID, store.ActiveOnly)
	if errors.Is(err, store.ErrNotFound) {
		return store.Entity{}, invalidArgument("project does not exist")
	}
	if err != nil {
		return store.Entity{}, err
	}
	if _, err := s.authorize(ctx, session, project, true); err != nil {
		return store.Entity{}, err
	}
	return project, nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Authorize reports what the session may do with an entity in any state.
func (s *Service) Authorize(ctx context.Context, session Session, entityType, id string) (access.Decision, error) {
	if err := validateEntityType(entityType); err != nil {
		return access.Decision{}, err
	}
	e, err := s.store.GetEntity(ctx, entityType, id, store.AnyState)
	if err != nil {
		return access.Decision{}, err
	}
	return s.resolver.Resolve(ctx, session.Actor(), access.TargetFor(e))
}

type CreateEntityInput struct {
	ProjectID        *string        `json:"projectId"`
	ParentID         *string        `json:"parentId"`
	Visibility       string         `json:"visibility"`
	SharedUserIDs    []string       `json:"sharedUserIds"`
	SharedProjectIDs []string       `json:"sharedProjectIds"`
	Fields           map[string]any `json:"fields"`
}

func (s *Service) CreateEntity(ctx context.Context, session Session, entityType string, input CreateEntityInput) (store.Entity, error) {
	if err := validateEntityType(entityType); err != nil {
		return store.Entity{}, err
	}
	for key := range input.Fields {
		if store.IsReservedKey(key) {
			return store.Entity{}, invalidArgument(fmt.Sprintf("%s is not an open field", key))
		}
	}
	visibility := strings.TrimSpace(input.Visibility)
	if visibility == "" {
		visibility = store.VisibilityPrivate
	}
	if visibility != store.VisibilityPrivate && visibility != store.VisibilityShared {
		return store.Entity{}, invalidArgument("visibility must be private or shared")
	}

	now := s.recorder.Now()
	item := store.Entity{
		ID:               newEntityID(entityType),
		Type:             entityType,
		OwnerID:          session.UserID,
		Fields:           input.Fields,
		SharedUserIDs:    input.SharedUserIDs,
		SharedProjectIDs: input.SharedProjectIDs,
		Visibility:       visibility,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if item.Fields == nil {
		item.Fields = map[string]any{}
	}
	item.DueAt = store.DeriveDueAt(item.Fields)

	if entityType != store.TypeProject && input.ProjectID != nil && *input.ProjectID != "" {
		project, err := s.projectForAssignment(ctx, session, *input.ProjectID)
		if err != nil {
			return store.Entity{}, err
		}
		item.ProjectID = store.StringPtr(project.ID)
	}
	if input.ParentID != nil && *input.ParentID != "" {
		if !archive.IsHierarchical(entityType) {
			return store.Entity{}, invalidArgument(fmt.Sprintf("%s entities have no parent", entityType))
		}
		if err := s.archiver.ValidateParent(ctx, entityType, item.ID, input.ParentID); err != nil {
			return store.Entity{}, err
		}
		item.ParentID = store.StringPtr(*input.ParentID)
	}

	if err := s.store.InsertEntity(ctx, item); err != nil {
		return store.Entity{}, err
	}
	s.recorder.RecordCreate(ctx, session.UserID, audit.RefFor(item))
	return item, nil
}

func (s *Service) GetEntity(ctx context.Context, session Session, entityType, id string, filter store.ArchiveFilter) (store.Entity, error) {
	if err := validateEntityType(entityType); err != nil {
		return store.Entity{}, err
	}
	e, err := s.store.GetEntity(ctx, entityType, id, filter)
	if err != nil {
		return store.Entity{}, err
	}
	if _, err := s.authorize(ctx, session, e, false); err != nil {
		return store.Entity{}, err
	}
	return e, nil
}

// ListEntities returns the entities of one type the session may view.
func (s *Service) ListEntities(ctx context.Context, session Session, q store.EntityQuery) ([]store.Entity, error) {
	if err := validateEntityType(q.Type); err != nil {
		return nil, err
	}
	items, err := s.store.ListEntities(ctx, q)
	if err != nil {
		return nil, err
	}
	actor := session.Actor()
	visible := make([]store.Entity, 0, len(items))
	for _, item := range items {
		decision, err := s.resolver.Resolve(ctx, actor, access.TargetFor(item))
		if err != nil {
			return nil, err
		}
		if decision.CanView {
			visible = append(visible, item)
		}
	}
	return visible, nil
}

// ApplyChange applies patch to an entity and records the diff. An "archived"
// boolean in the patch is translated to archivedAt first. Archived entities
// accept only patches that change their archive state.
func (s *Service) ApplyChange(ctx context.Context, session Session, entityType, id string, patch map[string]any) (store.Entity, error) {
	if err := validateEntityType(entityType); err != nil {
		return store.Entity{}, err
	}
	if len(patch) == 0 {
		return store.Entity{}, invalidArgument("patch is empty")
	}
	current, err := s.store.GetEntity(ctx, entityType, id, store.AnyState)
	if err != nil {
		return store.Entity{}, err
	}
	decision, err := s.authorize(ctx, session, current, true)
	if err != nil {
		return store.Entity{}, err
	}

	now := s.recorder.Now()
	translated, err := audit.TranslateArchiveToggle(patch, current.ArchivedAt, now)
	if err != nil {
		return store.Entity{}, err
	}
	if current.IsArchived() {
		if _, toggles := translated[store.KeyArchivedAt]; !toggles {
			return store.Entity{}, store.ErrNotFound
		}
	}
	if _, ok := translated[store.KeyOwnerID]; ok && decision.EditSource != access.SourceElevation && decision.EditSource != access.SourceOwnership {
		return store.Entity{}, errForbidden
	}

	next, err := store.ApplyPatch(current, translated)
	if err != nil {
		return store.Entity{}, err
	}
	if _, ok := translated[store.KeyProjectID]; ok && next.ProjectID != nil && !sameRef(current.ProjectID, next.ProjectID) {
		if entityType == store.TypeProject {
			return store.Entity{}, invalidArgument("projects cannot belong to a project")
		}
		if _, err := s.projectForAssignment(ctx, session, *next.ProjectID); err != nil {
			return store.Entity{}, err
		}
	}
	if _, ok := translated[store.KeyParentID]; ok {
		if next.ParentID != nil && !archive.IsHierarchical(entityType) {
			return store.Entity{}, invalidArgument(fmt.Sprintf("%s entities have no parent", entityType))
		}
		if err := s.archiver.ValidateParent(ctx, entityType, id, next.ParentID); err != nil {
			return store.Entity{}, err
		}
	}

	keys := make([]string, 0, len(translated))
	for key := range translated {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(audit.Diff(current.State(), next.State(), keys)) == 0 {
		return current, nil
	}

	next.UpdatedAt = now
	if err := s.store.UpdateEntity(ctx, next); err != nil {
		return store.Entity{}, err
	}
	s.recorder.RecordUpdateAt(ctx, session.UserID, audit.RefFor(next), current.State(), next.State(), keys, now)
	return next, nil
}

func (s *Service) Archive(ctx context.Context, session Session, entityType, id string, opts archive.Options) (archive.Result, error) {
	if err := validateEntityType(entityType); err != nil {
		return archive.Result{}, err
	}
	if opts.Cascade && opts.Reparent {
		return archive.Result{}, invalidArgument("cascade and reparent are mutually exclusive")
	}
	current, err := s.store.GetEntity(ctx, entityType, id, store.AnyState)
	if err != nil {
		return archive.Result{}, err
	}
	if _, err := s.authorize(ctx, session, current, true); err != nil {
		return archive.Result{}, err
	}
	return s.archiver.Archive(ctx, session.UserID, entityType, id, opts)
}

func (s *Service) Restore(ctx context.Context, session Session, entityType, id string) (store.Entity, error) {
	if err := validateEntityType(entityType); err != nil {
		return store.Entity{}, err
	}
	current, err := s.store.GetEntity(ctx, entityType, id, store.AnyState)
	if err != nil {
		return store.Entity{}, err
	}
	if _, err := s.authorize(ctx, session, current, true); err != nil {
		return store.Entity{}, err
	}
	restored, _, err := s.archiver.Restore(ctx, session.UserID, entityType, id)
	return restored, err
}

func (s *Service) QueryAuditTrail(ctx context.Context, session Session, filter audit.TrailFilter, page, limit int) (audit.TrailPage, error) {
	if filter.Action != "" && filter.Action != store.ActionCreate && filter.Action != store.ActionUpdate && filter.Action != store.ActionDelete {
		return audit.TrailPage{}, invalidArgument("action must be create, update or delete")
	}
	return s.trail.Query(ctx, session.Actor(), filter, page, limit)
}

func (s *Service) QueryFeed(ctx context.Context, session Session, limit int) ([]feed.Item, error) {
	return s.feed.Build(ctx, session.Actor(), limit)
}

// statusForCreate picks 201 for newly created rows and 200 for replacements.
func statusForCreate(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}
