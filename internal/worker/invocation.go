package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/stage"
	"conveyor/internal/store"
)

// invocation carries the state of one leased message through RunOnce.
type invocation struct {
	w      *Worker
	cfg    *store.StageConfig
	msg    queue.Message
	logger *slog.Logger
	res    *Result

	job *store.Job
	rec *store.StageRecord
}

func (inv *invocation) run(ctx context.Context) error {
	body := inv.msg.Body
	if !inv.msg.Valid() {
		return inv.deadLetterUntracked(ctx, "invalid_message", "message body is missing job_id or stage")
	}
	if !inv.w.pipeline.Contains(body.Stage) {
		return inv.deadLetterUntracked(ctx, "unknown_stage", fmt.Sprintf("stage %q is not part of the pipeline", body.Stage))
	}
	if body.Stage != inv.cfg.Stage {
		return inv.forward(ctx)
	}

	job, err := inv.w.store.GetJob(ctx, body.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return inv.deadLetterUntracked(ctx, "unknown_job", fmt.Sprintf("job %s does not exist", body.JobID))
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	rec, err := inv.w.store.GetStageRecord(ctx, job.ID, inv.cfg.Stage)
	if errors.Is(err, store.ErrNotFound) {
		return inv.discard(ctx, "no stage record for message")
	}
	if err != nil {
		return fmt.Errorf("load stage record: %w", err)
	}
	inv.job, inv.rec = job, rec

	switch {
	case rec.Status == store.StageFailed && rec.DeadLetteredAt != nil && rec.MsgID == inv.msg.ID:
		return inv.finishDeadLetter(ctx, rec.DeadLetterReason, rec.LastError)
	case job.Status.IsTerminal():
		return inv.discard(ctx, "job is "+string(job.Status))
	case rec.MsgID != 0 && rec.MsgID != inv.msg.ID:
		return inv.discard(ctx, "stage record belongs to another message")
	case rec.Status == store.StageCompleted:
		return inv.repairCompleted(ctx)
	case rec.Status == store.StageFailed:
		return inv.discard(ctx, "stage already failed")
	}
	return inv.process(ctx)
}

func (inv *invocation) process(ctx context.Context) error {
	w := inv.w
	lease := inv.msg.VisibleAt
	if vis := inv.rec.VisibilityTimeoutSeconds; vis > w.visibilitySeconds {
		deadline, err := w.queue.ExtendVisibility(ctx, inv.cfg.Queue, inv.msg.ID, vis)
		if err != nil {
			return fmt.Errorf("extend visibility to %ds: %w", vis, err)
		}
		lease = deadline
	}

	rec, err := w.store.MarkProcessing(ctx, inv.rec, inv.msg.ID, lease)
	switch {
	case errors.Is(err, store.ErrJobTerminal):
		return inv.discard(ctx, "job finished before processing")
	case errors.Is(err, store.ErrStale):
		return inv.abandon("stage record changed before processing")
	case err != nil:
		return fmt.Errorf("mark processing: %w", err)
	}
	inv.rec = rec
	inv.res.Attempt = rec.AttemptCount

	handler, err := w.handlers.Lookup(inv.cfg.Stage)
	var output json.RawMessage
	if err == nil {
		output, err = inv.execute(ctx, handler)
	}
	if err != nil {
		return inv.fail(ctx, err)
	}
	return inv.complete(ctx, output)
}

func (inv *invocation) execute(ctx context.Context, handler stage.Handler) (output json.RawMessage, err error) {
	req := stage.Request{
		JobID:       inv.job.ID,
		JobType:     inv.job.Type,
		Stage:       inv.cfg.Stage,
		Payload:     inv.msg.Body.Payload,
		Upstream:    inv.upstream(ctx),
		Attempt:     inv.rec.AttemptCount,
		MaxAttempts: inv.rec.MaxAttempts,
	}

	stop := inv.w.startLeaseExtender(ctx, inv.cfg.Queue, inv.msg.ID, *inv.rec, inv.logger)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = services.Wrap(services.ErrStagePanic, inv.cfg.Stage, "process",
				fmt.Sprintf("handler panicked: %v", r), nil)
		}
	}()

	inv.logger.Info(
		"stage started",
		logging.Event("stage_start"),
		logging.Int("attempt", req.Attempt),
		logging.Int("max_attempts", req.MaxAttempts),
	)
	return handler.Process(ctx, req)
}

// upstream returns the previous stage's stored output, or nil.
func (inv *invocation) upstream(ctx context.Context) json.RawMessage {
	prev, ok := inv.w.pipeline.Previous(inv.cfg.Stage)
	if !ok {
		return nil
	}
	rec, err := inv.w.store.GetStageRecord(ctx, inv.job.ID, prev)
	if err != nil {
		return nil
	}
	return rec.Output
}

func (inv *invocation) complete(ctx context.Context, output json.RawMessage) error {
	w := inv.w
	next, _ := w.pipeline.Next(inv.cfg.Stage)
	nextRec, err := w.store.CompleteStage(ctx, inv.rec, output, next)
	switch {
	case errors.Is(err, store.ErrJobTerminal):
		return inv.discard(ctx, "job finished while stage ran")
	case errors.Is(err, store.ErrStale):
		return inv.abandon("stage record changed while stage ran")
	case err != nil:
		return fmt.Errorf("complete stage: %w", err)
	}

	if nextRec != nil {
		if err := inv.enqueueNext(ctx, nextRec); err != nil {
			return err
		}
	}
	if err := inv.archive(ctx); err != nil {
		return err
	}
	inv.res.Outcome = OutcomeCompleted

	attrs := []logging.Attr{
		logging.Event("stage_complete"),
		logging.Int("attempt", inv.rec.AttemptCount),
	}
	if nextRec != nil {
		attrs = append(attrs, logging.String("next_stage", nextRec.Stage))
	} else {
		attrs = append(attrs, logging.String("job_status", string(store.JobCompleted)))
	}
	inv.logger.Info("stage completed", logging.Args(attrs...)...)
	return nil
}

// enqueueNext sends the message for a pending record that has none yet and
// attaches it.
func (inv *invocation) enqueueNext(ctx context.Context, nextRec *store.StageRecord) error {
	w := inv.w
	nextCfg, err := w.store.GetStageConfig(ctx, nextRec.Stage)
	if err != nil {
		return fmt.Errorf("stage %s config: %w", nextRec.Stage, err)
	}
	body := queue.Body{JobID: nextRec.JobID, Stage: nextRec.Stage, Payload: inv.msg.Body.Payload}
	msgID, err := w.queue.Enqueue(ctx, nextCfg.Queue, body, queue.EnqueueOptions{Priority: nextRec.Priority})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", nextRec.Stage, err)
	}
	if err := w.store.AttachMessage(ctx, nextRec.JobID, nextRec.Stage, 0, msgID); err != nil {
		if !errors.Is(err, store.ErrStale) {
			return err
		}
		inv.logger.Debug("next stage already has a message",
			logging.String("next_stage", nextRec.Stage),
			logging.Int64("extra_msg_id", msgID),
		)
	}
	return nil
}

// repairCompleted handles a redelivered message for a completed record: the
// previous worker may have died between completing and enqueueing.
func (inv *invocation) repairCompleted(ctx context.Context) error {
	if next, ok := inv.w.pipeline.Next(inv.cfg.Stage); ok {
		nextRec, err := inv.w.store.GetStageRecord(ctx, inv.job.ID, next)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load %s record: %w", next, err)
		case nextRec.Status == store.StagePending && nextRec.MsgID == 0:
			if err := inv.enqueueNext(ctx, nextRec); err != nil {
				return err
			}
			inv.logger.Info("re-enqueued next stage for completed record",
				logging.Event("stage_completion_repaired"),
				logging.String("next_stage", next),
			)
		}
	}
	return inv.discard(ctx, "stage already completed")
}

func (inv *invocation) fail(ctx context.Context, stageErr error) error {
	inv.res.StageErr = stageErr
	message := errorMessage(stageErr)
	class := services.Classify(stageErr)
	if class == services.Terminal {
		return inv.deadLetter(ctx, services.FailureReason(stageErr), message)
	}
	if inv.rec.AttemptsExhausted() {
		return inv.deadLetter(ctx, "attempts_exhausted", message)
	}
	return inv.retry(ctx, message)
}

func (inv *invocation) retry(ctx context.Context, message string) error {
	w := inv.w
	delay := w.policy.Delay(inv.rec.AttemptCount-1, time.Duration(inv.rec.RetryDelaySeconds)*time.Second)
	availableAt := w.now().Add(delay)

	rec, err := w.store.ScheduleRetry(ctx, inv.rec, message, availableAt)
	switch {
	case errors.Is(err, store.ErrJobTerminal):
		return inv.discard(ctx, "job finished while stage ran")
	case errors.Is(err, store.ErrStale):
		return inv.abandon("stage record changed before retry")
	case err != nil:
		return fmt.Errorf("schedule retry: %w", err)
	}
	inv.rec = rec

	msgID, err := w.queue.Enqueue(ctx, inv.cfg.Queue, inv.msg.Body, queue.EnqueueOptions{
		Priority:     rec.Priority,
		DelaySeconds: int(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	if err := w.store.AttachMessage(ctx, rec.JobID, rec.Stage, 0, msgID); err != nil && !errors.Is(err, store.ErrStale) {
		return err
	}
	if err := inv.archive(ctx); err != nil {
		return err
	}

	inv.res.Outcome = OutcomeRetrying
	inv.res.Delay = delay
	logging.WarnWithContext(inv.logger, "stage failed; retry scheduled", "stage_retry_scheduled",
		logging.Int("attempt", rec.AttemptCount),
		logging.Int("max_attempts", rec.MaxAttempts),
		logging.Duration("delay", delay),
		logging.Int64("retry_msg_id", msgID),
		logging.String("error_message", message),
		logging.String(logging.FieldErrorHint, "transient failure; retried with backoff"),
		logging.String(logging.FieldImpact, "stage delayed"),
	)
	return nil
}

func (inv *invocation) deadLetter(ctx context.Context, reason, message string) error {
	rec, err := inv.w.store.MarkDeadLettered(ctx, inv.rec, reason, message)
	switch {
	case errors.Is(err, store.ErrJobTerminal):
		return inv.discard(ctx, "job finished while stage ran")
	case errors.Is(err, store.ErrStale):
		return inv.abandon("stage record changed before dead-lettering")
	case err != nil:
		return fmt.Errorf("mark dead-lettered: %w", err)
	}
	inv.rec = rec
	return inv.finishDeadLetter(ctx, reason, message)
}

// finishDeadLetter moves the leased message to the dead-letter store. It also
// completes a move interrupted after the record was already failed.
func (inv *invocation) finishDeadLetter(ctx context.Context, reason, message string) error {
	err := inv.w.queue.MoveToDeadLetter(ctx, queue.DeadLetterRequest{
		Queue:         inv.cfg.Queue,
		MsgID:         inv.msg.ID,
		JobID:         inv.rec.JobID,
		Stage:         inv.rec.Stage,
		Payload:       inv.msg.Raw,
		FailureReason: reason,
		ErrorDetails: map[string]any{
			"error":        message,
			"max_attempts": inv.rec.MaxAttempts,
			"read_count":   inv.msg.ReadCount,
		},
		AttemptCount: inv.rec.AttemptCount,
	})
	if err != nil && !errors.Is(err, queue.ErrMessageNotFound) {
		return fmt.Errorf("move to dead letter: %w", err)
	}

	inv.res.Outcome = OutcomeDeadLettered
	inv.res.Attempt = inv.rec.AttemptCount
	inv.res.Reason = reason
	logging.ErrorWithContext(inv.logger, "stage dead-lettered", "stage_dead_lettered",
		logging.String("failure_reason", reason),
		logging.Int("attempt", inv.rec.AttemptCount),
		logging.Int("max_attempts", inv.rec.MaxAttempts),
		logging.String("error_message", message),
		logging.String(logging.FieldErrorHint, "inspect with `conveyor dlq list`; replay once fixed"),
	)
	return nil
}

// deadLetterUntracked dead-letters a message that cannot be tied to a stage
// record. The store is not touched.
func (inv *invocation) deadLetterUntracked(ctx context.Context, reason, message string) error {
	stageName := inv.msg.Body.Stage
	if stageName == "" {
		stageName = inv.cfg.Stage
	}
	err := inv.w.queue.MoveToDeadLetter(ctx, queue.DeadLetterRequest{
		Queue:         inv.cfg.Queue,
		MsgID:         inv.msg.ID,
		JobID:         inv.msg.Body.JobID,
		Stage:         stageName,
		Payload:       inv.msg.Raw,
		FailureReason: reason,
		ErrorDetails:  map[string]any{"error": message, "read_count": inv.msg.ReadCount},
		AttemptCount:  inv.msg.ReadCount,
	})
	if err != nil && !errors.Is(err, queue.ErrMessageNotFound) {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	inv.res.Outcome = OutcomeDeadLettered
	inv.res.Reason = reason
	logging.ErrorWithContext(inv.logger, "message dead-lettered without processing", "message_dead_lettered",
		logging.String("failure_reason", reason),
		logging.String("error_message", message),
		logging.String(logging.FieldErrorHint, "check the producer of this message"),
	)
	return nil
}

// forward re-enqueues a message leased from the wrong stage's queue to its own
// stage, with its stored body byte for byte, and archives the original. No record is touched for the
// worker's own stage.
func (inv *invocation) forward(ctx context.Context) error {
	w := inv.w
	body := inv.msg.Body
	target, err := w.store.GetStageConfig(ctx, body.Stage)
	if errors.Is(err, store.ErrNotFound) {
		return inv.deadLetterUntracked(ctx, "unknown_stage", fmt.Sprintf("stage %q has no config", body.Stage))
	}
	if err != nil {
		return fmt.Errorf("stage %s config: %w", body.Stage, err)
	}

	if err := w.store.AttachMessage(ctx, body.JobID, body.Stage, inv.msg.ID, 0); err != nil && !errors.Is(err, store.ErrStale) {
		return fmt.Errorf("detach misrouted message: %w", err)
	}
	msgID, err := w.queue.Enqueue(ctx, target.Queue, body, queue.EnqueueOptions{
		Priority: inv.msg.Priority,
		Raw:      inv.msg.Raw,
	})
	if err != nil {
		return fmt.Errorf("forward to %s: %w", target.Queue, err)
	}
	if err := w.store.AttachMessage(ctx, body.JobID, body.Stage, 0, msgID); err != nil && !errors.Is(err, store.ErrStale) {
		return fmt.Errorf("attach forwarded message: %w", err)
	}
	if err := inv.archive(ctx); err != nil {
		return err
	}

	inv.res.Outcome = OutcomeForwarded
	inv.res.Reason = "message for stage " + body.Stage
	logging.WarnWithContext(inv.logger, "misrouted message forwarded", "stage_misrouted",
		logging.String("message_stage", body.Stage),
		logging.String("target_queue", target.Queue),
		logging.Int64("forwarded_msg_id", msgID),
		logging.String(logging.FieldErrorHint, "check stage config queue names"),
		logging.String(logging.FieldImpact, "message delayed, not lost"),
	)
	return nil
}

func (inv *invocation) discard(ctx context.Context, reason string) error {
	if err := inv.archive(ctx); err != nil {
		return err
	}
	inv.res.Outcome = OutcomeDiscarded
	inv.res.Reason = reason
	inv.logger.Info("message discarded",
		logging.Event("stage_message_discarded"),
		logging.String("reason", reason),
	)
	return nil
}

func (inv *invocation) abandon(reason string) error {
	inv.res.Outcome = OutcomeAbandoned
	inv.res.Reason = reason
	logging.WarnWithContext(inv.logger, "stage invocation abandoned", "stage_abandoned",
		logging.String("reason", reason),
		logging.String(logging.FieldErrorHint, "another worker owns this stage; lease left to lapse"),
		logging.String(logging.FieldImpact, "no state written by this worker"),
	)
	return nil
}

func (inv *invocation) archive(ctx context.Context) error {
	err := inv.w.queue.Archive(ctx, inv.cfg.Queue, inv.msg.ID)
	if errors.Is(err, queue.ErrMessageNotFound) {
		inv.logger.Debug("message already archived")
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	return nil
}
