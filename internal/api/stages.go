package api

import (
	"context"
	"errors"
	"sort"
	"strings"

	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// ListStages returns every stage configuration in pipeline order.
func (s *Service) ListStages(ctx context.Context) ([]StageConfig, error) {
	configs, err := s.store.ListStageConfigs(ctx, false)
	if err != nil {
		return nil, err
	}
	s.sortConfigs(configs)
	out := make([]StageConfig, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, FromStageConfig(cfg))
	}
	return out, nil
}

// UpsertStage merges an update into the stored stage configuration and makes
// sure its queue exists. A zero concurrency disables dispatching without
// disabling the stage.
func (s *Service) UpsertStage(ctx context.Context, update StageUpdate) (StageConfig, error) {
	merged, err := s.mergeStage(ctx, update)
	if err != nil {
		return StageConfig{}, err
	}
	if err := s.queue.EnsureQueue(ctx, merged.Queue); err != nil {
		return StageConfig{}, translate(err)
	}
	saved, err := s.store.UpsertStageConfig(ctx, merged)
	if err != nil {
		return StageConfig{}, translate(err)
	}
	s.logger.Info("stage config updated",
		logging.Event("stage_config_updated"),
		logging.Stage(saved.Stage),
		logging.Queue(saved.Queue),
		logging.Int("max_concurrency", saved.MaxConcurrency),
		logging.Int("trigger_batch_size", saved.TriggerBatchSize),
		logging.Bool("enabled", saved.Enabled),
	)
	return FromStageConfig(saved), nil
}

// ApplyStages validates every update before writing any of them.
func (s *Service) ApplyStages(ctx context.Context, updates []StageUpdate) ([]StageConfig, error) {
	for _, update := range updates {
		if _, err := s.mergeStage(ctx, update); err != nil {
			return nil, err
		}
	}
	out := make([]StageConfig, 0, len(updates))
	for _, update := range updates {
		saved, err := s.UpsertStage(ctx, update)
		if err != nil {
			return out, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (s *Service) mergeStage(ctx context.Context, update StageUpdate) (store.StageConfig, error) {
	if err := s.check(update); err != nil {
		return store.StageConfig{}, err
	}
	name := strings.TrimSpace(update.Stage)
	if !s.pipeline.Contains(name) {
		return store.StageConfig{}, validationError("stage %q is not part of the pipeline", name)
	}

	merged := store.StageConfig{
		Stage:            name,
		Queue:            name,
		MaxConcurrency:   s.defaults.MaxConcurrency,
		TriggerBatchSize: s.defaults.TriggerBatchSize,
		Enabled:          true,
	}
	existing, err := s.store.GetStageConfig(ctx, name)
	switch {
	case err == nil:
		merged = *existing
	case !errors.Is(err, store.ErrNotFound):
		return store.StageConfig{}, err
	}

	if queueName := strings.TrimSpace(update.Queue); queueName != "" {
		merged.Queue = queueName
	}
	if endpoint := strings.TrimSpace(update.WorkerEndpoint); endpoint != "" {
		merged.WorkerEndpoint = endpoint
	}
	if update.MaxConcurrency != nil {
		merged.MaxConcurrency = *update.MaxConcurrency
	}
	if update.TriggerBatchSize != nil {
		merged.TriggerBatchSize = *update.TriggerBatchSize
	}
	if update.Enabled != nil {
		merged.Enabled = *update.Enabled
	}
	return merged, nil
}

func (s *Service) sortConfigs(configs []*store.StageConfig) {
	sort.SliceStable(configs, func(i, j int) bool {
		return s.stageIndex(configs[i].Stage) < s.stageIndex(configs[j].Stage)
	})
}
