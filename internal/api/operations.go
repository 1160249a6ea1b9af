package api

import (
	"context"
	"fmt"

	"conveyor/internal/backlog"
	"conveyor/internal/dispatch"
	"conveyor/internal/queue"
	"conveyor/internal/rescue"
	"conveyor/internal/services"
	"conveyor/internal/worker"
)

// deadLetterStatusLimit caps the entries counted for status displays.
const deadLetterStatusLimit = 1000

// Backlog returns ready and inflight counts for every configured stage.
func (s *Service) Backlog(ctx context.Context) ([]BacklogRow, error) {
	configs, err := s.store.ListStageConfigs(ctx, false)
	if err != nil {
		return nil, err
	}
	s.sortConfigs(configs)
	rows, err := backlog.List(ctx, s.backlog, configs)
	if err != nil {
		return nil, err
	}
	out := make([]BacklogRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, BacklogRow{Stage: row.Stage, Ready: row.ReadyCount, Inflight: row.InflightCount})
	}
	return out, nil
}

// Dispatch runs one dispatcher cycle.
func (s *Service) Dispatch(ctx context.Context, source string) (dispatch.Summary, error) {
	if s.dispatcher == nil {
		return dispatch.Summary{}, fmt.Errorf("%w: dispatcher not available", services.ErrConfiguration)
	}
	if source == "" {
		source = "manual"
	}
	return s.dispatcher.Run(ctx, source)
}

// Rescue runs one rescue sweep.
func (s *Service) Rescue(ctx context.Context) (rescue.Summary, error) {
	if s.sweeper == nil {
		return rescue.Summary{}, fmt.Errorf("%w: rescue sweeper not available", services.ErrConfiguration)
	}
	return s.sweeper.Sweep(ctx)
}

// Work runs up to count invocations of the stage in the calling goroutine,
// stopping early when the queue has nothing visible.
func (s *Service) Work(ctx context.Context, stage string, count int) ([]worker.Result, error) {
	if s.worker == nil {
		return nil, fmt.Errorf("%w: worker not available", services.ErrConfiguration)
	}
	if !s.pipeline.Contains(stage) {
		return nil, validationError("stage %q is not part of the pipeline", stage)
	}
	if count <= 0 {
		count = 1
	}
	results := make([]worker.Result, 0, count)
	for range count {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.worker.RunOnce(ctx, stage)
		if err != nil {
			return results, translate(err)
		}
		results = append(results, res)
		if res.Outcome == worker.OutcomeIdle {
			break
		}
	}
	return results, nil
}

// QueueStats returns message counts for every queue named by a stage config.
func (s *Service) QueueStats(ctx context.Context) ([]queue.Stats, error) {
	configs, err := s.store.ListStageConfigs(ctx, false)
	if err != nil {
		return nil, err
	}
	s.sortConfigs(configs)
	seen := make(map[string]struct{}, len(configs))
	out := make([]queue.Stats, 0, len(configs))
	for _, cfg := range configs {
		if _, ok := seen[cfg.Queue]; ok {
			continue
		}
		seen[cfg.Queue] = struct{}{}
		stats, err := s.queue.Stats(ctx, cfg.Queue)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, stats)
	}
	return out, nil
}

// Status aggregates job counts, backlog, queue stats and dead letters.
func (s *Service) Status(ctx context.Context) (Status, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{Jobs: make(map[string]int, len(counts))}
	for key, value := range counts {
		status.Jobs[string(key)] = value
	}
	if status.Backlog, err = s.Backlog(ctx); err != nil {
		return Status{}, err
	}
	if status.Queues, err = s.QueueStats(ctx); err != nil {
		return Status{}, err
	}
	entries, err := s.queue.ListDeadLetters(ctx, queue.DeadLetterFilter{Limit: deadLetterStatusLimit})
	if err != nil {
		return Status{}, translate(err)
	}
	status.DeadLetters = len(entries)
	configs, err := s.store.ListStageConfigs(ctx, false)
	if err != nil {
		return Status{}, err
	}
	status.Stages = len(configs)
	for _, cfg := range configs {
		if cfg.Enabled {
			status.Enabled++
		}
	}
	return status, nil
}

// HasStage reports whether stage is part of the pipeline.
func (s *Service) HasStage(stage string) bool {
	return s.pipeline.Contains(stage)
}
