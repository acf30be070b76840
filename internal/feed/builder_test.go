package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labtrack/internal/access"
	"labtrack/internal/audit"
	"labtrack/internal/logging"
	"labtrack/internal/store"
)

var now = time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)

var (
	owner      = access.Actor{ID: "usr_a", Role: access.RoleOwner}
	researcher = access.Actor{ID: "usr_b", Role: access.RoleResearcher}
	outsider   = access.Actor{ID: "usr_z", Role: access.RoleStudent}
)

func due(offset time.Duration) *time.Time {
	at := now.Add(offset)
	return &at
}

func seedFeed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.InsertUser(ctx, store.User{ID: "usr_a", DisplayName: "Ada", Role: "owner"}))
	require.NoError(t, mem.InsertUser(ctx, store.User{ID: "usr_b", DisplayName: "Ben", Role: "researcher"}))
	_, _, err := mem.UpsertMembership(ctx, store.Membership{ProjectID: "prj_1", UserID: "usr_b", Role: "viewer"})
	require.NoError(t, err)

	entities := []store.Entity{
		{ID: "prj_1", Type: store.TypeProject, OwnerID: "usr_a", Fields: map[string]any{"title": "Thesis"}},
		{ID: "ms_up", Type: store.TypeMilestone, OwnerID: "usr_a", ProjectID: store.StringPtr("prj_1"), Fields: map[string]any{"title": "Chapter 1"}, DueAt: due(48 * time.Hour)},
		{ID: "tsk_late", Type: store.TypeTask, OwnerID: "usr_a", ProjectID: store.StringPtr("prj_1"), Fields: map[string]any{"title": "Ethics form", "status": "todo"}, DueAt: due(-24 * time.Hour)},
		{ID: "tsk_far", Type: store.TypeTask, OwnerID: "usr_a", ProjectID: store.StringPtr("prj_1"), DueAt: due(30 * 24 * time.Hour)},
		{ID: "ms_other", Type: store.TypeMilestone, OwnerID: "usr_c", ProjectID: store.StringPtr("prj_2"), DueAt: due(24 * time.Hour)},
		{ID: "note_1", Type: store.TypeNote, OwnerID: "usr_a", ProjectID: store.StringPtr("prj_1"), DueAt: due(time.Hour)},
	}
	for _, e := range entities {
		e.Visibility = store.VisibilityPrivate
		e.CreatedAt, e.UpdatedAt = now.Add(-72*time.Hour), now.Add(-72*time.Hour)
		require.NoError(t, mem.InsertEntity(ctx, e))
	}

	at := now.Add(-48 * time.Hour)
	rec := audit.NewRecorder(mem, logging.Nop(), audit.WithClock(func() time.Time { return at }))
	rec.RecordUpdate(ctx, "usr_a", audit.Ref{Type: store.TypeTask, ID: "tsk_late", ProjectID: store.StringPtr("prj_1")},
		map[string]any{"status": "draft"}, map[string]any{"status": "todo"}, []string{"status"})
	at = now.Add(-3 * time.Hour)
	rec.RecordCreate(ctx, "usr_a", audit.Ref{Type: store.TypeProject, ID: "prj_1", ProjectID: store.StringPtr("prj_1")})
	at = now.Add(-2 * time.Hour)
	rec.RecordCreate(ctx, "usr_c", audit.Ref{Type: store.TypeMilestone, ID: "ms_other", ProjectID: store.StringPtr("prj_2")})
	at = now.Add(-time.Hour)
	rec.RecordUpdate(ctx, "usr_a", audit.Ref{Type: store.TypeTask, ID: "tsk_late", ProjectID: store.StringPtr("prj_1")},
		map[string]any{"status": "todo"}, map[string]any{"status": "blocked"}, []string{"status"})
	return mem
}

func build(t *testing.T, mem *store.MemoryStore, viewer access.Actor, limit int) []Item {
	t.Helper()
	b := NewBuilder(mem, access.NewResolver(mem), logging.Nop(), WithClock(func() time.Time { return now }))
	items, err := b.Build(context.Background(), viewer, limit)
	require.NoError(t, err)
	return items
}

func kindsByEntity(items []Item) map[string][]Kind {
	out := map[string][]Kind{}
	for _, item := range items {
		out[item.EntityID] = append(out[item.EntityID], item.Kind)
	}
	return out
}

func TestBuildMergesSourcesForElevatedViewer(t *testing.T) {
	items := build(t, seedFeed(t), owner, 0)

	byEntity := kindsByEntity(items)
	assert.ElementsMatch(t, []Kind{KindUpcoming}, byEntity["ms_up"])
	assert.ElementsMatch(t, []Kind{KindUpcoming, KindActivity}, byEntity["ms_other"])
	assert.ElementsMatch(t, []Kind{KindOverdue, KindActivity, KindActivity, KindStatusChange}, byEntity["tsk_late"])
	assert.ElementsMatch(t, []Kind{KindActivity}, byEntity["prj_1"])
	assert.NotContains(t, byEntity, "tsk_far", "outside the horizon")
	assert.NotContains(t, byEntity, "note_1", "notes carry no deadline in the feed")

	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].Timestamp.After(items[i-1].Timestamp), "items must be newest first")
	}
	assert.Equal(t, KindUpcoming, items[0].Kind)
	assert.Equal(t, "ms_up", items[0].EntityID)
}

func TestBuildStatusChangesWithinWindowOnly(t *testing.T) {
	items := build(t, seedFeed(t), owner, 0)
	var statuses []Item
	for _, item := range items {
		if item.Kind == KindStatusChange {
			statuses = append(statuses, item)
		}
	}
	require.Len(t, statuses, 1)
	assert.Equal(t, "todo", statuses[0].OldValue)
	assert.Equal(t, "blocked", statuses[0].NewValue)
	assert.Equal(t, "Ethics form", statuses[0].Title)
}

func TestBuildFiltersByViewerAccess(t *testing.T) {
	mem := seedFeed(t)

	items := build(t, mem, researcher, 0)
	byEntity := kindsByEntity(items)
	assert.NotContains(t, byEntity, "ms_other")
	assert.Contains(t, byEntity, "ms_up")
	assert.Contains(t, byEntity, "tsk_late")

	for _, item := range items {
		if item.Kind == KindActivity {
			require.NotNil(t, item.Actor)
			assert.Equal(t, "Ada", item.Actor.DisplayName)
		}
	}

	assert.Empty(t, build(t, mem, outsider, 0))
}

func TestBuildTruncatesToLimit(t *testing.T) {
	items := build(t, seedFeed(t), owner, 2)
	require.Len(t, items, 2)
	assert.Equal(t, "ms_up", items[0].EntityID)
	assert.Equal(t, "ms_other", items[1].EntityID)
}

func TestBuildShowsRemovedEntityActivityToActorOnly(t *testing.T) {
	mem := seedFeed(t)
	ctx := context.Background()
	rec := audit.NewRecorder(mem, logging.Nop(), audit.WithClock(func() time.Time { return now.Add(-time.Minute) }))
	rec.RecordRemoval(ctx, "usr_b", audit.Ref{Type: "user", ID: "usr_gone"})

	items := build(t, mem, researcher, 0)
	assert.Contains(t, kindsByEntity(items), "usr_gone")
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, DefaultLimit, NormalizeLimit(-3))
	assert.Equal(t, 5, NormalizeLimit(5))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+1))
}

func TestSortBreaksTiesByKindThenID(t *testing.T) {
	items := []Item{
		{Kind: KindUpcoming, ID: "b", Timestamp: now},
		{Kind: KindActivity, ID: "z", Timestamp: now},
		{Kind: KindUpcoming, ID: "a", Timestamp: now},
		{Kind: KindOverdue, ID: "c", Timestamp: now.Add(time.Second)},
	}
	Sort(items)
	got := make([]string, 0, len(items))
	for _, item := range items {
		got = append(got, item.ID)
	}
	assert.Equal(t, []string{"c", "z", "a", "b"}, got)
}

type failingDue struct {
	*store.MemoryStore
}

func (failingDue) ListDueEntities(context.Context, store.DueQuery) ([]store.Entity, error) {
	return nil, errors.New("timeout")
}

func TestBuildPropagatesSourceErrors(t *testing.T) {
	mem := seedFeed(t)
	b := NewBuilder(failingDue{mem}, access.NewResolver(mem), logging.Nop(), WithClock(func() time.Time { return now }))
	_, err := b.Build(context.Background(), owner, 10)
	require.Error(t, err)
}
