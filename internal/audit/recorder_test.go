package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labtrack/internal/logging"
	"labtrack/internal/metrics"
	"labtrack/internal/store"
)

var fixedNow = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type failingWriter struct {
	actionErr error
	fieldErr  error
}

func (f failingWriter) InsertActionRecord(context.Context, store.ActionRecord) error { return f.actionErr }
func (f failingWriter) InsertFieldRecords(context.Context, []store.FieldRecord) error { return f.fieldErr }

type recordingIndexer struct {
	titles []string
	paths  [][]string
}

func (r *recordingIndexer) IndexAction(_ store.ActionRecord, title string, fieldPaths []string) {
	r.titles = append(r.titles, title)
	r.paths = append(r.paths, fieldPaths)
}

func milestoneRef() Ref {
	return Ref{Type: store.TypeMilestone, ID: "ms_1", ProjectID: store.StringPtr("prj_1"), Title: "M1"}
}

func TestRecordCreateWritesSingleActionRecord(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	rec := NewRecorder(mem, logging.Nop(), WithClock(fixedClock))

	entry := rec.RecordCreate(ctx, "usr_a", RefFor(store.Entity{ID: "prj_1", Type: store.TypeProject, Fields: map[string]any{"title": "P"}}))
	require.NotEmpty(t, entry.Action.ID)
	assert.Empty(t, entry.Fields)

	records, total, err := mem.ListActionRecords(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, store.ActionCreate, records[0].Action)
	assert.Equal(t, "prj_1", *records[0].ProjectID)
	assert.Equal(t, fixedNow, records[0].CreatedAt)
}

func TestRecordUpdateSharesCorrelationAndTimestamp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	indexer := &recordingIndexer{}
	rec := NewRecorder(mem, logging.Nop(), WithClock(fixedClock), WithIndexer(indexer))

	previous := map[string]any{"title": "Draft", "status": "todo"}
	next := map[string]any{"title": "Final", "status": "done"}
	entry := rec.RecordUpdate(ctx, "usr_b", milestoneRef(), previous, next, []string{"title", "status"})

	require.Len(t, entry.Fields, 2)
	for _, field := range entry.Fields {
		assert.Equal(t, entry.Action.CorrelationID, field.CorrelationID)
		assert.Equal(t, entry.Action.CreatedAt, field.ChangedAt)
	}
	assert.Equal(t, store.ActionUpdate, entry.Action.Action)
	assert.Equal(t, []string{"M1"}, indexer.titles)
	assert.Equal(t, [][]string{{"status", "title"}}, indexer.paths)

	stored, err := mem.ListFieldRecordsByCorrelation(ctx, []string{entry.Action.CorrelationID})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRecordUpdateWithoutChangesWritesNothing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	rec := NewRecorder(mem, logging.Nop())

	entry := rec.RecordUpdate(ctx, "usr_b", milestoneRef(), map[string]any{"title": "Same"}, map[string]any{"title": "Same"}, []string{"title"})
	assert.Empty(t, entry.Action.ID)

	_, total, err := mem.ListActionRecords(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRecordDeleteWritesArchivedAtTransition(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	rec := NewRecorder(mem, logging.Nop())

	entry := rec.RecordDelete(ctx, "usr_a", milestoneRef(), nil, fixedNow)
	require.Len(t, entry.Fields, 1)
	assert.Equal(t, store.KeyArchivedAt, entry.Fields[0].FieldPath)
	assert.Nil(t, entry.Fields[0].OldValue)
	assert.Equal(t, store.ActionDelete, entry.Action.Action)
	assert.Equal(t, fixedNow, entry.Action.CreatedAt)
}

func TestRecordRemovalHasNoFieldRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	rec := NewRecorder(mem, logging.Nop())

	entry := rec.RecordRemoval(ctx, "usr_admin", Ref{Type: "user", ID: "usr_gone"})
	assert.Equal(t, store.ActionDelete, entry.Action.Action)
	assert.Empty(t, entry.Fields)
}

func TestRecorderSwallowsAndCountsFailures(t *testing.T) {
	var buf bytes.Buffer
	m := metrics.New()
	rec := NewRecorder(failingWriter{actionErr: errors.New("db down"), fieldErr: errors.New("db down")}, logging.New(&buf, "info"), WithMetrics(m))

	entry := rec.RecordUpdate(context.Background(), "usr_b", milestoneRef(), map[string]any{"title": "a"}, map[string]any{"title": "b"}, []string{"title"})
	assert.Empty(t, entry.Action.ID)
	assert.Empty(t, entry.Fields)
	assert.Contains(t, buf.String(), "action record dropped")
	assert.Contains(t, buf.String(), "field records dropped")

	count, err := testutil.GatherAndCount(m.Registry(), "labtrack_audit_write_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
