package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"conveyor/internal/logging"
)

const (
	scheduleDispatch = "dispatch"
	scheduleRescue   = "rescue"
	cycleTimeout     = 5 * time.Minute
)

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{logging.Error(err)}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}

func (d *Daemon) newScheduler() (*cron.Cron, map[string]cron.EntryID, error) {
	logger := cronLogger{logger: d.logger}
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	entries := make(map[string]cron.EntryID, 2)

	if spec := strings.TrimSpace(d.cfg.Dispatch.Schedule); spec != "" {
		id, err := scheduler.AddFunc(spec, d.runDispatch)
		if err != nil {
			return nil, nil, fmt.Errorf("dispatch schedule %q: %w", spec, err)
		}
		entries[scheduleDispatch] = id
	}
	if spec := strings.TrimSpace(d.cfg.Rescue.Schedule); d.cfg.Rescue.Enabled && spec != "" {
		id, err := scheduler.AddFunc(spec, d.runRescue)
		if err != nil {
			return nil, nil, fmt.Errorf("rescue schedule %q: %w", spec, err)
		}
		entries[scheduleRescue] = id
	}
	return scheduler, entries, nil
}

func (d *Daemon) runDispatch() {
	ctx, cancel := context.WithTimeout(d.ctx, cycleTimeout)
	defer cancel()
	if _, err := d.service.Dispatch(ctx, "schedule"); err != nil {
		logging.WarnWithContext(d.logger, "scheduled dispatch failed", "dispatch_cycle_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the store connection; the next tick retries"),
		)
	}
}

func (d *Daemon) runRescue() {
	ctx, cancel := context.WithTimeout(d.ctx, cycleTimeout)
	defer cancel()
	if _, err := d.service.Rescue(ctx); err != nil {
		logging.WarnWithContext(d.logger, "scheduled rescue sweep failed", "rescue_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the store connection; the next tick retries"),
		)
	}
}

func (d *Daemon) schedules() []Schedule {
	var out []Schedule
	add := func(name, spec string, enabled bool) {
		spec = strings.TrimSpace(spec)
		if !enabled || spec == "" {
			return
		}
		out = append(out, Schedule{Name: name, Spec: spec})
	}
	add(scheduleDispatch, d.cfg.Dispatch.Schedule, true)
	add(scheduleRescue, d.cfg.Rescue.Schedule, d.cfg.Rescue.Enabled)

	d.mu.Lock()
	scheduler, entries := d.cron, d.entries
	d.mu.Unlock()
	if scheduler == nil {
		return out
	}
	for i := range out {
		id, ok := entries[out[i].Name]
		if !ok {
			continue
		}
		if next := scheduler.Entry(id).Next; !next.IsZero() {
			out[i].Next = next.UTC().Format(time.RFC3339)
		}
	}
	return out
}
