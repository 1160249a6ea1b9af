package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// startLeaseExtender pushes the message lease and the record's
// lease_expires_at forward every extend interval until the returned stop
// function is called. Failures are logged; the handler keeps running.
func (w *Worker) startLeaseExtender(ctx context.Context, queueName string, msgID int64, rec store.StageRecord, logger *slog.Logger) func() {
	if w.extendInterval <= 0 {
		return func() {}
	}
	seconds := rec.VisibilityTimeoutSeconds
	if seconds < w.visibilitySeconds {
		seconds = w.visibilitySeconds
	}

	extendCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.extendInterval)
		defer ticker.Stop()

		for {
			select {
			case <-extendCtx.Done():
				return
			case <-ticker.C:
				deadline, err := w.queue.ExtendVisibility(extendCtx, queueName, msgID, seconds)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					logging.WarnWithContext(logger, "lease extension failed", "lease_extend_failed",
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "check queue backend reachability"),
						logging.String(logging.FieldImpact, "message may be redelivered while the stage runs"),
					)
					continue
				}
				if err := w.store.ExtendLease(extendCtx, &rec, deadline); err != nil && !errors.Is(err, context.Canceled) {
					logger.Debug("record lease not updated", logging.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
