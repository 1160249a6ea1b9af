// Package backlog reports ready and in-flight work per stage for the
// dispatcher. Counts may drift by one dispatcher cycle; the queue lease is
// what actually prevents double processing.
package backlog

import (
	"context"
	"errors"
	"fmt"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/store"
)

// Source computes the backlog for the given stage configs in one pass.
// Stages with no work are present with zero counts.
type Source interface {
	Backlog(ctx context.Context, stages []*store.StageConfig) (map[string]store.StageBacklog, error)
}

// RecordsSource derives backlog from stage records, which carry both the
// schedule (available_at) and the lease deadline.
type RecordsSource struct {
	Store *store.Store
}

// Backlog implements Source.
func (s RecordsSource) Backlog(ctx context.Context, stages []*store.StageConfig) (map[string]store.StageBacklog, error) {
	if s.Store == nil {
		return nil, errors.New("backlog: store is required")
	}
	counts, err := s.Store.StageBacklog(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.StageBacklog, len(stages))
	for _, cfg := range stages {
		entry := counts[cfg.Stage]
		entry.Stage = cfg.Stage
		out[cfg.Stage] = entry
	}
	return out, nil
}

// QueueSource reads the queue backend's own counters for each stage's queue.
// It is useful when producers enqueue directly without creating records.
type QueueSource struct {
	Queue queue.Queue
}

// Backlog implements Source.
func (s QueueSource) Backlog(ctx context.Context, stages []*store.StageConfig) (map[string]store.StageBacklog, error) {
	if s.Queue == nil {
		return nil, errors.New("backlog: queue is required")
	}
	out := make(map[string]store.StageBacklog, len(stages))
	for _, cfg := range stages {
		stats, err := s.Queue.Stats(ctx, cfg.Queue)
		if err != nil {
			return nil, fmt.Errorf("backlog for stage %s: %w", cfg.Stage, err)
		}
		out[cfg.Stage] = store.StageBacklog{
			Stage:         cfg.Stage,
			ReadyCount:    stats.Ready,
			InflightCount: stats.Inflight,
		}
	}
	return out, nil
}

// New selects the source named by dispatch.backlog_source.
func New(cfg *config.Config, st *store.Store, q queue.Queue) (Source, error) {
	switch cfg.Dispatch.BacklogSource {
	case config.BacklogRecords, "":
		return RecordsSource{Store: st}, nil
	case config.BacklogQueue:
		return QueueSource{Queue: q}, nil
	default:
		return nil, fmt.Errorf("backlog: unsupported source %q", cfg.Dispatch.BacklogSource)
	}
}

// List returns one row per stage config in the order given.
func List(ctx context.Context, src Source, stages []*store.StageConfig) ([]store.StageBacklog, error) {
	counts, err := src.Backlog(ctx, stages)
	if err != nil {
		return nil, err
	}
	rows := make([]store.StageBacklog, 0, len(stages))
	for _, cfg := range stages {
		row := counts[cfg.Stage]
		row.Stage = cfg.Stage
		rows = append(rows, row)
	}
	return rows, nil
}
