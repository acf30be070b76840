package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"labtrack/internal/store"
)

const (
	// pageHits is how many ids one backend round trip returns.
	pageHits = 1000
	// maxTotalHits is the ceiling the index is configured to page up to. A
	// text query matching more records than this narrows the trail to the
	// best maxTotalHits matches.
	maxTotalHits = 20000
)

// Service is the facade handlers and the recorder talk to. backend may be nil
// when no index is configured.
type Service struct {
	backend Backend
	logger  zerolog.Logger
	pending sync.WaitGroup
}

func NewService(backend Backend, logger zerolog.Logger) *Service {
	return &Service{backend: backend, logger: logger.With().Str("component", "search").Logger()}
}

func (s *Service) available() bool {
	return s != nil && s.backend != nil && s.backend.Healthy()
}

// SearchActionIDs returns ErrUnavailable when the caller should fall back.
func (s *Service) SearchActionIDs(ctx context.Context, text string) ([]string, error) {
	if !s.available() {
		return nil, ErrUnavailable
	}
	ids := make([]string, 0)
	for offset := 0; offset < maxTotalHits; offset += pageHits {
		page, err := s.backend.SearchActionIDs(ctx, text, offset, pageHits)
		if err != nil {
			s.logger.Warn().Err(err).Msg("index query failed, falling back to store match")
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ids = append(ids, page...)
		if len(page) < pageHits {
			return ids, nil
		}
	}
	s.logger.Warn().Str("query", text).Int("hits", len(ids)).Msg("text query reached the index hit ceiling")
	return ids, nil
}

// IndexAction pushes one action record to the index without blocking the
// mutation that produced it.
func (s *Service) IndexAction(record store.ActionRecord, title string, fieldPaths []string) {
	if !s.available() {
		return
	}
	doc := DocumentFor(record, title, fieldPaths)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.backend.IndexActions([]ActionDocument{doc}); err != nil {
			s.logger.Warn().Err(err).Str("action_id", doc.ID).Msg("index action")
		}
	}()
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.pending.Wait()
}

// ActionSource pages through persisted action records.
type ActionSource interface {
	ListActionRecords(ctx context.Context, filter store.AuditFilter) ([]store.ActionRecord, int, error)
}

// Reindex copies every persisted action record into the index in batches. It
// runs at startup so records written while the index was down become
// searchable. Documents are merged, so titles and field paths indexed at
// record time are kept.
func (s *Service) Reindex(ctx context.Context, source ActionSource, batch int) (int, error) {
	if !s.available() {
		return 0, nil
	}
	if batch <= 0 {
		batch = 500
	}
	indexed := 0
	for offset := 0; ; offset += batch {
		records, total, err := source.ListActionRecords(ctx, store.AuditFilter{Limit: batch, Offset: offset})
		if err != nil {
			return indexed, fmt.Errorf("load action records: %w", err)
		}
		if len(records) == 0 {
			return indexed, nil
		}
		docs := make([]ActionDocument, 0, len(records))
		for _, record := range records {
			docs = append(docs, DocumentFor(record, "", nil))
		}
		if err := s.backend.MergeActions(docs); err != nil {
			return indexed, fmt.Errorf("index batch at %d: %w", offset, err)
		}
		indexed += len(docs)
		if offset+len(records) >= total {
			return indexed, nil
		}
	}
}
