package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
	"conveyor/internal/store"
)

// ListDeadLetters returns dead-letter entries, newest first.
func (s *Service) ListDeadLetters(ctx context.Context, queueName string, limit int, includeReplayed bool) ([]DeadLetter, error) {
	entries, err := s.queue.ListDeadLetters(ctx, queue.DeadLetterFilter{
		Queue:           strings.TrimSpace(queueName),
		Limit:           limit,
		IncludeReplayed: includeReplayed,
	})
	if err != nil {
		return nil, translate(err)
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		out = append(out, FromDeadLetter(entry))
	}
	return out, nil
}

// ReplayDeadLetter gives a dead-lettered stage a fresh attempt budget and puts
// its message back on the queue. Entries that do not name a job of this
// pipeline cannot be replayed.
func (s *Service) ReplayDeadLetter(ctx context.Context, queueName string, msgID int64) (ReplayResult, error) {
	entry, err := s.queue.GetDeadLetter(ctx, queueName, msgID)
	if err != nil {
		return ReplayResult{}, translate(err)
	}
	if entry.ReplayedAt != nil {
		return ReplayResult{}, fmt.Errorf("%w: dead letter %s/%d was replayed as message %d",
			services.ErrConflict, queueName, msgID, entry.ReplayMsgID)
	}
	if entry.JobID == "" || !s.pipeline.Contains(entry.Stage) {
		return ReplayResult{}, validationError("dead letter %s/%d does not reference a pipeline job (reason %s)",
			queueName, msgID, entry.FailureReason)
	}
	if _, err := s.store.GetJob(ctx, entry.JobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ReplayResult{}, validationError("dead letter %s/%d references unknown job %s", queueName, msgID, entry.JobID)
		}
		return ReplayResult{}, err
	}

	rec, err := s.store.ResetStage(ctx, entry.JobID, entry.Stage, true, s.defaults.VisibilitySeconds)
	if err != nil {
		return ReplayResult{}, translate(err)
	}
	newID, err := s.queue.ReplayDeadLetter(ctx, queueName, msgID, queue.EnqueueOptions{Priority: rec.Priority})
	if err != nil {
		return ReplayResult{}, translate(err)
	}
	if err := s.store.AttachMessage(ctx, entry.JobID, entry.Stage, 0, newID); err != nil && !errors.Is(err, store.ErrStale) {
		return ReplayResult{}, err
	}
	s.logger.Info("dead letter replayed",
		logging.Event("dead_letter_replayed"),
		logging.JobID(entry.JobID),
		logging.Stage(entry.Stage),
		logging.Queue(queueName),
		logging.MsgID(msgID),
		logging.Int64("replay_msg_id", newID),
	)
	return ReplayResult{
		Queue:    queueName,
		MsgID:    msgID,
		NewMsgID: newID,
		JobID:    entry.JobID,
		Stage:    entry.Stage,
	}, nil
}
