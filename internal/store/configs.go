package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"conveyor/internal/sqldb"
)

// ListStageConfigs returns stage configs ordered by stage name. When
// enabledOnly is set, disabled stages are skipped.
func (s *Store) ListStageConfigs(ctx context.Context, enabledOnly bool) ([]*StageConfig, error) {
	query := `SELECT ` + configColumns + ` FROM stage_configs`
	var args []any
	if enabledOnly {
		query += ` WHERE enabled = ?`
		args = append(args, 1)
	}
	query += ` ORDER BY stage`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stage configs: %w", err)
	}
	defer rows.Close()

	var configs []*StageConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// GetStageConfig fetches one stage's config.
func (s *Store) GetStageConfig(ctx context.Context, stage string) (*StageConfig, error) {
	cfg, err := scanConfig(s.db.QueryRow(ctx, `SELECT `+configColumns+` FROM stage_configs WHERE stage = ?`, stage))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage config %s: %w", stage, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage config: %w", err)
	}
	return cfg, nil
}

// UpsertStageConfig writes a stage config, stamping last_updated_at.
func (s *Store) UpsertStageConfig(ctx context.Context, cfg StageConfig) (*StageConfig, error) {
	if err := validateStageConfig(cfg); err != nil {
		return nil, err
	}
	_, ts := s.timestamp()
	if _, err := s.db.Exec(
		ctx,
		`INSERT INTO stage_configs (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (stage) DO UPDATE SET
             queue = excluded.queue, worker_endpoint = excluded.worker_endpoint,
             max_concurrency = excluded.max_concurrency, trigger_batch_size = excluded.trigger_batch_size,
             enabled = excluded.enabled, last_updated_at = excluded.last_updated_at`,
		cfg.Stage,
		cfg.Queue,
		cfg.WorkerEndpoint,
		cfg.MaxConcurrency,
		cfg.TriggerBatchSize,
		sqldb.BoolToInt(cfg.Enabled),
		ts,
	); err != nil {
		return nil, fmt.Errorf("upsert stage config %s: %w", cfg.Stage, err)
	}
	return s.GetStageConfig(ctx, cfg.Stage)
}

// SeedStageConfigs inserts configs for stages that have no row yet. Existing
// rows are operator-owned and left untouched. Returns the number inserted.
func (s *Store) SeedStageConfigs(ctx context.Context, seeds []StageConfig) (int, error) {
	_, ts := s.timestamp()
	inserted := 0
	err := s.db.WithTx(ctx, func(tx *sqldb.Tx) error {
		inserted = 0
		for _, cfg := range seeds {
			if err := validateStageConfig(cfg); err != nil {
				return err
			}
			res, err := tx.Exec(
				ctx,
				`INSERT INTO stage_configs (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
                 ON CONFLICT (stage) DO NOTHING`,
				cfg.Stage,
				cfg.Queue,
				cfg.WorkerEndpoint,
				cfg.MaxConcurrency,
				cfg.TriggerBatchSize,
				sqldb.BoolToInt(cfg.Enabled),
				ts,
			)
			if err != nil {
				return fmt.Errorf("seed stage config %s: %w", cfg.Stage, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	return inserted, err
}

func validateStageConfig(cfg StageConfig) error {
	switch {
	case strings.TrimSpace(cfg.Stage) == "":
		return errors.New("stage config: stage is required")
	case strings.TrimSpace(cfg.Queue) == "":
		return fmt.Errorf("stage config %s: queue is required", cfg.Stage)
	case cfg.MaxConcurrency < 0:
		return fmt.Errorf("stage config %s: max_concurrency must be >= 0", cfg.Stage)
	case cfg.TriggerBatchSize <= 0:
		return fmt.Errorf("stage config %s: trigger_batch_size must be positive", cfg.Stage)
	}
	return nil
}
