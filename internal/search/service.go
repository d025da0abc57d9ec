package search

import (
	"context"
	"log/slog"
	"strings"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Backend
	indexer  Indexer
	fallback Backend
	loader   RecordLoader
	logger   *slog.Logger
}

// RecordLoader reads every indexable message from the system of record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	s := &Service{logger: logger}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

// NewServiceWithBackends wires arbitrary backends; primary and indexer may be nil.
func NewServiceWithBackends(primary Backend, indexer Indexer, fallback Backend, loader RecordLoader, logger *slog.Logger) *Service {
	return &Service{primary: primary, indexer: indexer, fallback: fallback, loader: loader, logger: logger}
}

// Search tries the primary backend if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: s.primary.Name()}
		}
		s.logger.Warn("search: primary backend failed, falling back", "backend", s.primary.Name(), "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: fallback backend failed", "backend", s.fallback.Name(), "error", err)
		return Response{Results: []Result{}, Query: q.Text, Backend: s.fallback.Name()}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: s.fallback.Name()}
}

// IndexMessage indexes one persisted message, fire-and-forget.
func (s *Service) IndexMessage(record MessageRecord) {
	if s.indexer == nil || (s.primary != nil && !s.primary.Healthy()) {
		return
	}
	go func() {
		if err := s.indexer.IndexMessages([]MessageRecord{record}); err != nil {
			s.logger.Warn("search: index message", "message_id", record.ID, "error", err)
		}
	}()
}

// ReindexAllFromPG pushes every stored message into the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.indexer == nil || s.loader == nil || (s.primary != nil && !s.primary.Healthy()) {
		return
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("search: reindex load failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.indexer.IndexMessages(records); err != nil {
		s.logger.Warn("search: reindex messages", "count", len(records), "error", err)
		return
	}
	s.logger.Info("search: reindexed messages", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
