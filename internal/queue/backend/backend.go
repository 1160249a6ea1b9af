// Package backend selects the durable queue implementation named in config.
package backend

import (
	"context"
	"errors"
	"fmt"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/queue/badgerq"
	"conveyor/internal/queue/redisq"
	"conveyor/internal/queue/sqlq"
	"conveyor/internal/sqldb"
)

// Open returns the configured queue. The relational backends share db with
// the job store; db may be nil for redis and badger.
func Open(ctx context.Context, cfg *config.Config, db *sqldb.DB) (queue.Queue, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	switch cfg.Queue.Backend {
	case config.QueueSQLite, config.QueuePostgres, "":
		if db == nil {
			return nil, errors.New("relational queue requires an open database")
		}
		if want := sqldb.Dialect(cfg.Queue.Backend); want != "" && want != db.Dialect {
			return nil, fmt.Errorf("queue backend %q does not match %s storage", cfg.Queue.Backend, db.Dialect)
		}
		return sqlq.New(db), nil
	case config.QueueRedis:
		return redisq.Open(ctx, cfg)
	case config.QueueBadger:
		return badgerq.Open(cfg.Queue.BadgerDir)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

// EnsureQueues registers every name with q.
func EnsureQueues(ctx context.Context, q queue.Queue, names ...string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		if err := q.EnsureQueue(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
