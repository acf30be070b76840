package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labtrack/internal/access"
	"labtrack/internal/archive"
	"labtrack/internal/audit"
	"labtrack/internal/auth"
	"labtrack/internal/config"
	"labtrack/internal/logging"
	"labtrack/internal/metrics"
	"labtrack/internal/session"
	"labtrack/internal/store"
)

const testPassword = "correct horse battery"

type testEnv struct {
	mem     *store.MemoryStore
	svc     *Service
	metrics *metrics.Metrics
	redis   *miniredis.Miniredis
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:   "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
		CORSOrigin:  "*",
		FeedHorizon: 7 * 24 * time.Hour,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	redisServer := miniredis.RunT(t)
	sessions, err := session.NewRedisStore(context.Background(), "redis://"+redisServer.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	mem := store.NewMemoryStore()
	m := metrics.New()
	svc := New(testConfig(), Deps{Store: mem, Sessions: sessions, Metrics: m, Logger: logging.Nop()})
	return &testEnv{mem: mem, svc: svc, metrics: m, redis: redisServer}
}

func (e *testEnv) addUser(t *testing.T, id, role string) Session {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, e.mem.InsertUser(context.Background(), store.User{
		ID:           id,
		DisplayName:  "User " + id,
		Email:        id + "@example.org",
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}))
	return Session{UserID: id, UserName: "User " + id, Role: role}
}

func (e *testEnv) trail(t *testing.T, viewer Session, filter audit.TrailFilter) audit.TrailPage {
	t.Helper()
	page, err := e.svc.QueryAuditTrail(context.Background(), viewer, filter, 1, 100)
	require.NoError(t, err)
	return page
}

func TestLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	b := env.addUser(t, "usr_b", "researcher")
	c := env.addUser(t, "usr_c", "student")

	project, err := env.svc.CreateEntity(ctx, a, store.TypeProject, CreateEntityInput{Fields: map[string]any{"title": "Thesis"}})
	require.NoError(t, err)
	created := env.trail(t, a, audit.TrailFilter{EntityType: store.TypeProject, Action: store.ActionCreate})
	assert.Equal(t, 1, created.Total)

	_, isNew, err := env.svc.UpsertMembership(ctx, a, project.ID, b.UserID, "collaborator")
	require.NoError(t, err)
	assert.True(t, isNew)
	projectFields, err := env.mem.ListFieldRecordsInWindow(ctx, store.TypeProject, project.ID, time.Unix(0, 0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, projectFields, "membership changes must not touch the project's field records")

	m2, err := env.svc.CreateEntity(ctx, b, store.TypeMilestone, CreateEntityInput{ProjectID: &project.ID, Fields: map[string]any{"title": "Chapter"}})
	require.NoError(t, err)
	m1, err := env.svc.CreateEntity(ctx, b, store.TypeMilestone, CreateEntityInput{ProjectID: &project.ID, ParentID: &m2.ID, Fields: map[string]any{"title": "Draft"}})
	require.NoError(t, err)
	_, err = env.svc.CreateEntity(ctx, b, store.TypeMilestone, CreateEntityInput{ProjectID: &project.ID, ParentID: &m2.ID, Fields: map[string]any{"title": "Figures"}})
	require.NoError(t, err)

	updated, err := env.svc.ApplyChange(ctx, b, store.TypeMilestone, m1.ID, map[string]any{"title": "Final"})
	require.NoError(t, err)
	assert.Equal(t, "Final", updated.Fields["title"])

	updates := env.trail(t, a, audit.TrailFilter{EntityType: store.TypeMilestone, Action: store.ActionUpdate, ActorID: b.UserID})
	require.Equal(t, 1, updates.Total)
	require.Len(t, updates.Items[0].Changes, 1)
	change := updates.Items[0].Changes[0]
	assert.Equal(t, "title", change.FieldPath)
	assert.Equal(t, "Draft", change.OldValue)
	assert.Equal(t, "Final", change.NewValue)

	result, err := env.svc.Archive(ctx, a, store.TypeMilestone, m2.ID, archive.Options{Cascade: true})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ArchivedCount)
	active, err := env.svc.ListEntities(ctx, a, store.EntityQuery{Type: store.TypeMilestone})
	require.NoError(t, err)
	assert.Empty(t, active)

	decision, err := env.svc.Authorize(ctx, c, store.TypeMilestone, m1.ID)
	require.NoError(t, err)
	assert.False(t, decision.CanView)
	assert.False(t, decision.CanEdit)
}

func TestViewerMemberCanReadButNotEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	v := env.addUser(t, "usr_v", "student")

	project, err := env.svc.CreateEntity(ctx, a, store.TypeProject, CreateEntityInput{})
	require.NoError(t, err)
	task, err := env.svc.CreateEntity(ctx, a, store.TypeTask, CreateEntityInput{ProjectID: &project.ID, Fields: map[string]any{"title": "Ethics"}})
	require.NoError(t, err)
	_, _, err = env.svc.UpsertMembership(ctx, a, project.ID, v.UserID, "viewer")
	require.NoError(t, err)

	got, err := env.svc.GetEntity(ctx, v, store.TypeTask, task.ID, store.ActiveOnly)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = env.svc.ApplyChange(ctx, v, store.TypeTask, task.ID, map[string]any{"title": "Changed"})
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, err = env.svc.Archive(ctx, v, store.TypeTask, task.ID, archive.Options{})
	assert.ErrorIs(t, err, access.ErrForbidden)
	_, _, err = env.svc.UpsertMembership(ctx, v, project.ID, v.UserID, "collaborator")
	assert.ErrorIs(t, err, access.ErrForbidden)
}

func TestApplyChangeArchiveToggle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "researcher")

	note, err := env.svc.CreateEntity(ctx, a, store.TypeNote, CreateEntityInput{Fields: map[string]any{"title": "Idea"}})
	require.NoError(t, err)

	archived, err := env.svc.ApplyChange(ctx, a, store.TypeNote, note.ID, map[string]any{"archived": true})
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)

	again, err := env.svc.ApplyChange(ctx, a, store.TypeNote, note.ID, map[string]any{"archived": true})
	require.NoError(t, err)
	assert.True(t, again.ArchivedAt.Equal(*archived.ArchivedAt), "re-archiving keeps the first timestamp")

	updates := env.trail(t, a, audit.TrailFilter{Action: store.ActionUpdate})
	require.Equal(t, 1, updates.Total, "repeated archive must not add records")
	require.Len(t, updates.Items[0].Changes, 1)
	assert.Equal(t, store.KeyArchivedAt, updates.Items[0].Changes[0].FieldPath)
	assert.Nil(t, updates.Items[0].Changes[0].OldValue)

	_, err = env.svc.ApplyChange(ctx, a, store.TypeNote, note.ID, map[string]any{"title": "Edited"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.svc.GetEntity(ctx, a, store.TypeNote, note.ID, store.ActiveOnly)
	assert.ErrorIs(t, err, store.ErrNotFound)

	restored, err := env.svc.ApplyChange(ctx, a, store.TypeNote, note.ID, map[string]any{"archived": false})
	require.NoError(t, err)
	assert.Nil(t, restored.ArchivedAt)

	_, err = env.svc.ApplyChange(ctx, a, store.TypeNote, note.ID, map[string]any{"archived": "yes"})
	assert.ErrorIs(t, err, store.ErrInvalidPatch)
}

func TestApplyChangeNoOpWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "researcher")
	note, err := env.svc.CreateEntity(ctx, a, store.TypeNote, CreateEntityInput{Fields: map[string]any{"title": "Idea", "count": 3}})
	require.NoError(t, err)

	_, err = env.svc.ApplyChange(ctx, a, store.TypeNote, note.ID, map[string]any{"title": "Idea", "count": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 0, env.trail(t, a, audit.TrailFilter{Action: store.ActionUpdate}).Total)
}

func TestApplyChangeRejectsParentCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")

	root, err := env.svc.CreateEntity(ctx, a, store.TypeMilestone, CreateEntityInput{})
	require.NoError(t, err)
	child, err := env.svc.CreateEntity(ctx, a, store.TypeMilestone, CreateEntityInput{ParentID: &root.ID})
	require.NoError(t, err)

	_, err = env.svc.ApplyChange(ctx, a, store.TypeMilestone, root.ID, map[string]any{"parentId": child.ID})
	assert.ErrorIs(t, err, archive.ErrCycle)
	_, err = env.svc.ApplyChange(ctx, a, store.TypeMilestone, root.ID, map[string]any{"parentId": root.ID})
	assert.ErrorIs(t, err, archive.ErrCycle)

	task, err := env.svc.CreateEntity(ctx, a, store.TypeTask, CreateEntityInput{})
	require.NoError(t, err)
	_, err = env.svc.ApplyChange(ctx, a, store.TypeTask, task.ID, map[string]any{"parentId": root.ID})
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "INVALID_ARGUMENT", domainErr.Code)
}

func TestOwnershipTransferNeedsOwnerOrElevation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "researcher")
	b := env.addUser(t, "usr_b", "researcher")

	project, err := env.svc.CreateEntity(ctx, a, store.TypeProject, CreateEntityInput{})
	require.NoError(t, err)
	_, _, err = env.svc.UpsertMembership(ctx, a, project.ID, b.UserID, "collaborator")
	require.NoError(t, err)
	task, err := env.svc.CreateEntity(ctx, a, store.TypeTask, CreateEntityInput{ProjectID: &project.ID})
	require.NoError(t, err)

	_, err = env.svc.ApplyChange(ctx, b, store.TypeTask, task.ID, map[string]any{store.KeyOwnerID: b.UserID})
	assert.Error(t, err)
	moved, err := env.svc.ApplyChange(ctx, a, store.TypeTask, task.ID, map[string]any{store.KeyOwnerID: b.UserID})
	require.NoError(t, err)
	assert.Equal(t, b.UserID, moved.OwnerID)
}

func TestApplyChangeMovingProjectNeedsEditOnTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "researcher")
	m := env.addUser(t, "usr_m", "student")
	root := env.addUser(t, "usr_root", "owner")

	project, err := env.svc.CreateEntity(ctx, a, store.TypeProject, CreateEntityInput{Fields: map[string]any{"title": "Thesis"}})
	require.NoError(t, err)
	_, err = env.svc.CreateEntity(ctx, m, store.TypeTask, CreateEntityInput{ProjectID: &project.ID})
	assert.ErrorIs(t, err, access.ErrForbidden)

	task, err := env.svc.CreateEntity(ctx, m, store.TypeTask, CreateEntityInput{Fields: map[string]any{"title": "Mine"}})
	require.NoError(t, err)

	_, err = env.svc.ApplyChange(ctx, m, store.TypeTask, task.ID, map[string]any{store.KeyProjectID: project.ID})
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = env.svc.ApplyChange(ctx, m, store.TypeTask, task.ID, map[string]any{store.KeyProjectID: "prj_does_not_exist"})
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "INVALID_ARGUMENT", domainErr.Code)

	stored, err := env.mem.GetEntity(ctx, store.TypeTask, task.ID, store.ActiveOnly)
	require.NoError(t, err)
	assert.Nil(t, stored.ProjectID)
	updates := env.trail(t, root, audit.TrailFilter{EntityType: store.TypeTask, Action: store.ActionUpdate})
	assert.Equal(t, 0, updates.Total)

	_, _, err = env.svc.UpsertMembership(ctx, a, project.ID, m.UserID, "collaborator")
	require.NoError(t, err)
	moved, err := env.svc.ApplyChange(ctx, m, store.TypeTask, task.ID, map[string]any{store.KeyProjectID: project.ID})
	require.NoError(t, err)
	require.NotNil(t, moved.ProjectID)
	assert.Equal(t, project.ID, *moved.ProjectID)

	detached, err := env.svc.ApplyChange(ctx, m, store.TypeTask, task.ID, map[string]any{store.KeyProjectID: nil})
	require.NoError(t, err)
	assert.Nil(t, detached.ProjectID)
}

func TestArchiveValidatesOptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	task, err := env.svc.CreateEntity(ctx, a, store.TypeTask, CreateEntityInput{})
	require.NoError(t, err)

	_, err = env.svc.Archive(ctx, a, store.TypeTask, task.ID, archive.Options{Cascade: true})
	assert.ErrorIs(t, err, archive.ErrUnsupportedOption)
	_, err = env.svc.Archive(ctx, a, store.TypeTask, task.ID, archive.Options{Cascade: true, Reparent: true})
	assert.Error(t, err)

	restored, err := env.svc.Restore(ctx, a, store.TypeTask, task.ID)
	require.NoError(t, err)
	assert.Nil(t, restored.ArchivedAt)
}

func TestMembershipRoleChangeIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	b := env.addUser(t, "usr_b", "student")
	project, err := env.svc.CreateEntity(ctx, a, store.TypeProject, CreateEntityInput{})
	require.NoError(t, err)

	_, created, err := env.svc.UpsertMembership(ctx, a, project.ID, b.UserID, "viewer")
	require.NoError(t, err)
	assert.True(t, created)
	membership, created, err := env.svc.UpsertMembership(ctx, a, project.ID, b.UserID, "Collaborator")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "collaborator", membership.Role)

	page := env.trail(t, a, audit.TrailFilter{EntityType: entityTypeMembership, Action: store.ActionUpdate})
	require.Equal(t, 1, page.Total)
	require.Len(t, page.Items[0].Changes, 1)
	assert.Equal(t, "viewer", page.Items[0].Changes[0].OldValue)
	assert.Equal(t, "collaborator", page.Items[0].Changes[0].NewValue)

	_, _, err = env.svc.UpsertMembership(ctx, a, project.ID, b.UserID, "admin")
	assert.Error(t, err)
	_, _, err = env.svc.UpsertMembership(ctx, a, project.ID, "usr_ghost", "viewer")
	assert.Error(t, err)

	require.NoError(t, env.svc.RemoveMembership(ctx, a, project.ID, b.UserID))
	_, err = env.mem.GetMembership(ctx, project.ID, b.UserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveUserIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	s := env.addUser(t, "usr_s", "supervisor")
	b := env.addUser(t, "usr_b", "student")

	assert.Error(t, env.svc.RemoveUser(ctx, s, b.UserID))
	assert.Error(t, env.svc.RemoveUser(ctx, a, a.UserID))
	require.NoError(t, env.svc.RemoveUser(ctx, a, b.UserID))

	_, err := env.mem.GetUserByID(ctx, b.UserID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	page := env.trail(t, a, audit.TrailFilter{EntityType: "user", Action: store.ActionDelete})
	require.Equal(t, 1, page.Total)
	assert.Empty(t, page.Items[0].Changes)
	assert.Equal(t, b.UserID, page.Items[0].Record.EntityID)
}

func TestListEntitiesFiltersByAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "researcher")
	b := env.addUser(t, "usr_b", "researcher")

	_, err := env.svc.CreateEntity(ctx, a, store.TypeNote, CreateEntityInput{Fields: map[string]any{"title": "mine"}})
	require.NoError(t, err)
	_, err = env.svc.CreateEntity(ctx, b, store.TypeKnowledgeBase, CreateEntityInput{
		Visibility:    store.VisibilityShared,
		SharedUserIDs: []string{a.UserID},
	})
	require.NoError(t, err)
	_, err = env.svc.CreateEntity(ctx, b, store.TypeKnowledgeBase, CreateEntityInput{})
	require.NoError(t, err)

	notes, err := env.svc.ListEntities(ctx, b, store.EntityQuery{Type: store.TypeNote})
	require.NoError(t, err)
	assert.Empty(t, notes)

	entries, err := env.svc.ListEntities(ctx, a, store.EntityQuery{Type: store.TypeKnowledgeBase})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	decision, err := env.svc.Authorize(ctx, a, store.TypeKnowledgeBase, entries[0].ID)
	require.NoError(t, err)
	assert.True(t, decision.CanView)
	assert.False(t, decision.CanEdit, "sharing never grants edit")
	assert.Equal(t, access.SourceSharing, decision.ViewSource)
}

func TestCreateEntityValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "researcher")
	missing := "prj_missing"

	cases := []struct {
		name       string
		entityType string
		input      CreateEntityInput
	}{
		{name: "bad type", entityType: "Bad-Type", input: CreateEntityInput{}},
		{name: "reserved field", entityType: store.TypeNote, input: CreateEntityInput{Fields: map[string]any{"ownerId": "x"}}},
		{name: "bad visibility", entityType: store.TypeNote, input: CreateEntityInput{Visibility: "public"}},
		{name: "missing project", entityType: store.TypeTask, input: CreateEntityInput{ProjectID: &missing}},
		{name: "parent on flat type", entityType: store.TypeTask, input: CreateEntityInput{ParentID: &missing}},
		{name: "missing parent", entityType: store.TypeMilestone, input: CreateEntityInput{ParentID: &missing}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateEntity(ctx, a, tc.entityType, tc.input)
			require.Error(t, err)
			status, code, _, _ := mapError(err)
			assert.Equal(t, 400, status)
			assert.Equal(t, "INVALID_ARGUMENT", code)
		})
	}
}

func TestCreateEntityDerivesDueDate(t *testing.T) {
	env := newTestEnv(t)
	a := env.addUser(t, "usr_a", "researcher")
	task, err := env.svc.CreateEntity(context.Background(), a, store.TypeTask, CreateEntityInput{Fields: map[string]any{"dueDate": "2026-11-01"}})
	require.NoError(t, err)
	require.NotNil(t, task.DueAt)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), *task.DueAt)
}

func TestSessionsLoginRefreshLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addUser(t, "usr_a", "mentor")

	_, err := env.svc.Login(ctx, "usr_a@example.org", "wrong password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = env.svc.Login(ctx, "nobody@example.org", testPassword)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	first, err := env.svc.Login(ctx, "USR_A@example.org", testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)
	require.NotEmpty(t, first.RefreshToken)

	current, err := env.svc.SessionFromToken(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, "usr_a", current.UserID)
	assert.Equal(t, access.RoleMentor, current.Actor().Role)

	second, err := env.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	_, err = env.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, session.ErrNotFound, "refresh tokens redeem once")

	require.NoError(t, env.svc.Logout(ctx, second.RefreshToken))
	_, err = env.svc.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRefreshWithoutSessionStore(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := New(testConfig(), Deps{Store: mem, Logger: logging.Nop()})
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, mem.InsertUser(context.Background(), store.User{ID: "usr_a", Email: "a@example.org", PasswordHash: hash, Role: "student"}))

	login, err := svc.Login(context.Background(), "a@example.org", testPassword)
	require.NoError(t, err)
	assert.Empty(t, login.RefreshToken)

	_, err = svc.Refresh(context.Background(), "anything")
	assert.ErrorIs(t, err, errSessionsUnavailable)
	assert.NoError(t, svc.Logout(context.Background(), "anything"))
}

func TestSessionFromTokenRejectsRemovedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	env.addUser(t, "usr_b", "student")

	login, err := env.svc.Login(ctx, "usr_b@example.org", testPassword)
	require.NoError(t, err)
	require.NoError(t, env.svc.RemoveUser(ctx, a, "usr_b"))

	_, err = env.svc.SessionFromToken(ctx, login.Token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestQueryAuditTrailRejectsUnknownAction(t *testing.T) {
	env := newTestEnv(t)
	a := env.addUser(t, "usr_a", "owner")
	_, err := env.svc.QueryAuditTrail(context.Background(), a, audit.TrailFilter{Action: "purge"}, 1, 10)
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "INVALID_ARGUMENT", domainErr.Code)
}

func TestBootstrapCreatesOwnerOnce(t *testing.T) {
	mem := store.NewMemoryStore()
	cfg := testConfig()
	cfg.BootstrapEmail = "pi@example.org"
	cfg.BootstrapPassword = testPassword
	svc := New(cfg, Deps{Store: mem, Logger: logging.Nop()})
	ctx := context.Background()

	require.NoError(t, svc.Bootstrap(ctx))
	require.NoError(t, svc.Bootstrap(ctx))

	user, err := mem.GetUserByEmail(ctx, "pi@example.org")
	require.NoError(t, err)
	assert.Equal(t, "owner", user.Role)

	login, err := svc.Login(ctx, "pi@example.org", testPassword)
	require.NoError(t, err)
	assert.Equal(t, user.ID, login.UserID)

	cfg.BootstrapEmail = "weak@example.org"
	cfg.BootstrapPassword = "short"
	assert.ErrorIs(t, New(cfg, Deps{Store: mem, Logger: logging.Nop()}).Bootstrap(ctx), auth.ErrWeakPassword)
}

func TestCreateUserIsOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.addUser(t, "usr_a", "owner")
	sup := env.addUser(t, "usr_s", "supervisor")

	input := CreateUserInput{Email: "b@example.org", Password: testPassword, DisplayName: "Bea", Role: "researcher"}
	_, err := env.svc.CreateUser(ctx, sup, input)
	assert.ErrorIs(t, err, errForbidden)

	user, err := env.svc.CreateUser(ctx, a, input)
	require.NoError(t, err)
	assert.Equal(t, "researcher", user.Role)
	assert.NotEqual(t, testPassword, user.PasswordHash)

	login, err := env.svc.Login(ctx, "b@example.org", testPassword)
	require.NoError(t, err)
	assert.Equal(t, user.ID, login.UserID)

	page := env.trail(t, a, audit.TrailFilter{EntityType: "user", Action: store.ActionCreate})
	require.Equal(t, 1, page.Total)
	assert.Equal(t, user.ID, page.Items[0].Record.EntityID)
	assert.Equal(t, a.UserID, page.Items[0].Record.ActorID)

	_, err = env.svc.CreateUser(ctx, a, input)
	status, code, _, _ := mapError(err)
	assert.Equal(t, 409, status)
	assert.Equal(t, "CONFLICT", code)

	defaulted, err := env.svc.CreateUser(ctx, a, CreateUserInput{Email: "c@example.org", Password: testPassword, DisplayName: "Cy"})
	require.NoError(t, err)
	assert.Equal(t, "student", defaulted.Role)

	cases := []struct {
		name  string
		input CreateUserInput
	}{
		{name: "missing display name", input: CreateUserInput{Email: "d@example.org", Password: testPassword}},
		{name: "bad email", input: CreateUserInput{Email: "nobody", Password: testPassword, DisplayName: "D"}},
		{name: "short password", input: CreateUserInput{Email: "d@example.org", Password: "short", DisplayName: "D"}},
		{name: "unknown role", input: CreateUserInput{Email: "d@example.org", Password: testPassword, DisplayName: "D", Role: "admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateUser(ctx, a, tc.input)
			status, code, _, _ := mapError(err)
			assert.Equal(t, 400, status)
			assert.Equal(t, "INVALID_ARGUMENT", code)
		})
	}
}
