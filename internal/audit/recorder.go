// Package audit writes and reads the two-level change history: one action
// record per mutation plus one field record per changed key, both stamped with
// a shared correlation id and timestamp.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"labtrack/internal/metrics"
	"labtrack/internal/store"
	"labtrack/internal/util"
)

// Writer is the append-only store slice the recorder needs.
type Writer interface {
	InsertActionRecord(ctx context.Context, record store.ActionRecord) error
	InsertFieldRecords(ctx context.Context, records []store.FieldRecord) error
}

// Indexer receives every persisted action record for full-text search.
type Indexer interface {
	IndexAction(record store.ActionRecord, title string, fieldPaths []string)
}

// Ref identifies the entity a record is about.
type Ref struct {
	Type      string
	ID        string
	ProjectID *string
	Title     string
}

// RefFor builds a Ref from an entity. A project is recorded under its own id.
func RefFor(e store.Entity) Ref {
	ref := Ref{Type: e.Type, ID: e.ID, ProjectID: e.ProjectID, Title: e.Title()}
	if e.Type == store.TypeProject {
		ref.ProjectID = store.StringPtr(e.ID)
	}
	return ref
}

// Entry is what one Record* call wrote. Action is zero when nothing was written.
type Entry struct {
	Action store.ActionRecord
	Fields []store.FieldRecord
}

// Recorder never returns an error to the caller: a failed audit write is
// logged and counted and the mutation it describes still stands.
type Recorder struct {
	writer  Writer
	indexer Indexer
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Recorder)

func WithIndexer(indexer Indexer) Option {
	return func(r *Recorder) { r.indexer = indexer }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(writer Writer, logger zerolog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		writer: writer,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now is the clock mutations should stamp records and archivedAt with.
func (r *Recorder) Now() time.Time {
	return r.now().UTC()
}

func (r *Recorder) RecordCreate(ctx context.Context, actorID string, ref Ref) Entry {
	return r.write(ctx, actorID, ref, store.ActionCreate, nil, r.Now())
}

// RecordUpdate diffs previous against next over keys. An empty diff writes
// nothing.
func (r *Recorder) RecordUpdate(ctx context.Context, actorID string, ref Ref, previous, next map[string]any, keys []string) Entry {
	return r.RecordUpdateAt(ctx, actorID, ref, previous, next, keys, r.Now())
}

// RecordUpdateAt is RecordUpdate with an explicit timestamp, for callers that
// already stamped the entity.
func (r *Recorder) RecordUpdateAt(ctx context.Context, actorID string, ref Ref, previous, next map[string]any, keys []string, at time.Time) Entry {
	changes := Diff(previous, next, keys)
	if len(changes) == 0 {
		return Entry{}
	}
	return r.write(ctx, actorID, ref, store.ActionUpdate, changes, at)
}

// RecordDelete records a soft delete: the archivedAt transition plus a delete
// action, both stamped with archivedAt.
func (r *Recorder) RecordDelete(ctx context.Context, actorID string, ref Ref, previous *time.Time, archivedAt time.Time) Entry {
	var old any
	if previous != nil {
		old = previous.UTC()
	}
	changes := []FieldChange{{Path: store.KeyArchivedAt, OldValue: old, NewValue: archivedAt.UTC()}}
	return r.write(ctx, actorID, ref, store.ActionDelete, changes, archivedAt)
}

// RecordRemoval records an administrative hard removal. There is no field
// state left to diff.
func (r *Recorder) RecordRemoval(ctx context.Context, actorID string, ref Ref) Entry {
	return r.write(ctx, actorID, ref, store.ActionDelete, nil, r.Now())
}

func (r *Recorder) write(ctx context.Context, actorID string, ref Ref, action string, changes []FieldChange, at time.Time) Entry {
	at = at.UTC()
	correlationID := util.NewCorrelationID()
	entry := Entry{
		Action: store.ActionRecord{
			ID:            util.NewID("act"),
			ActorID:       actorID,
			EntityType:    ref.Type,
			EntityID:      ref.ID,
			ProjectID:     ref.ProjectID,
			Action:        action,
			CorrelationID: correlationID,
			CreatedAt:     at,
		},
	}

	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		entry.Fields = append(entry.Fields, store.FieldRecord{
			EntityType:    ref.Type,
			EntityID:      ref.ID,
			FieldPath:     change.Path,
			OldValue:      change.OldValue,
			NewValue:      change.NewValue,
			CorrelationID: correlationID,
			ChangedAt:     at,
		})
		paths = append(paths, change.Path)
	}

	log := r.logger.With().
		Str("actor_id", actorID).
		Str("entity_type", ref.Type).
		Str("entity_id", ref.ID).
		Str("action", action).
		Str("correlation_id", correlationID).
		Logger()

	if len(entry.Fields) > 0 {
		if err := r.writer.InsertFieldRecords(ctx, entry.Fields); err != nil {
			log.Error().Err(err).Int("fields", len(entry.Fields)).Msg("field records dropped")
			r.metrics.AuditWriteFailed("field")
			entry.Fields = nil
		}
	}
	if err := r.writer.InsertActionRecord(ctx, entry.Action); err != nil {
		log.Error().Err(err).Msg("action record dropped")
		r.metrics.AuditWriteFailed("action")
		entry.Action = store.ActionRecord{}
		return entry
	}
	if r.indexer != nil {
		r.indexer.IndexAction(entry.Action, ref.Title, paths)
	}
	log.Debug().Int("fields", len(entry.Fields)).Msg("recorded")
	return entry
}
