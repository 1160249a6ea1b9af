package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"conveyor/internal/queue"
)

// MoveToDeadLetter archives the message and writes its dead-letter entry in
// one script.
func (q *Queue) MoveToDeadLetter(ctx context.Context, req queue.DeadLetterRequest) error {
	if err := q.requireQueue(ctx, req.Queue); err != nil {
		return err
	}
	details, err := queue.EncodeDetails(req.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	reason := req.FailureReason
	if reason == "" {
		reason = "unknown"
	}
	k := q.keysFor(req.Queue)
	m := member(req.MsgID)
	now := q.now()
	moved, err := deadLetterScript.Run(ctx, q.client,
		[]string{
			k.ready, k.delayed, k.leased, k.archived,
			k.msgPrefix + m, k.archivedPrefix + m, k.dlqPrefix + m,
			k.dlqIndex, q.globalDLQKey(),
		},
		m,
		now.UnixMilli(),
		now.UnixNano(),
		dlqIndexMember(req.Queue, req.MsgID),
		req.Queue,
		req.MsgID,
		req.JobID,
		req.Stage,
		string(req.Payload),
		reason,
		string(details),
		req.AttemptCount,
	).Int64()
	if err != nil {
		return fmt.Errorf("dead-letter %s/%d: %w", req.Queue, req.MsgID, err)
	}
	if moved == 0 {
		return fmt.Errorf("dead-letter %s/%d: %w", req.Queue, req.MsgID, queue.ErrMessageNotFound)
	}
	return nil
}

func entryFromHash(fields map[string]string) (queue.DeadLetterEntry, error) {
	msgID, err := strconv.ParseInt(fields["msg_id"], 10, 64)
	if err != nil {
		return queue.DeadLetterEntry{}, fmt.Errorf("parse dead letter msg id: %w", err)
	}
	attempts, _ := strconv.Atoi(fields["attempt_count"])
	entry := queue.DeadLetterEntry{
		Queue:         fields["queue"],
		MsgID:         msgID,
		JobID:         fields["job_id"],
		Stage:         fields["stage"],
		Payload:       json.RawMessage(fields["payload"]),
		FailureReason: fields["failure_reason"],
		ErrorDetails:  json.RawMessage(fields["error_details"]),
		AttemptCount:  attempts,
		RoutedAt:      nanosToTime(fields["routed_ns"]),
	}
	if raw, ok := fields["replayed_ns"]; ok && raw != "" {
		replayed := nanosToTime(raw)
		entry.ReplayedAt = &replayed
		entry.ReplayMsgID, _ = strconv.ParseInt(fields["replay_msg_id"], 10, 64)
	}
	return entry, nil
}

// ListDeadLetters returns entries newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, filter queue.DeadLetterFilter) ([]queue.DeadLetterEntry, error) {
	index := q.globalDLQKey()
	if filter.Queue != "" {
		index = q.keysFor(filter.Queue).dlqIndex
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = queue.DefaultDeadLetterLimit
	}
	members, err := q.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	if _, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, value := range members {
			name, id, err := parseDLQIndexMember(value)
			if err != nil {
				return err
			}
			cmds = append(cmds, pipe.HGetAll(ctx, q.keysFor(name).dlqPrefix+member(id)))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	entries := make([]queue.DeadLetterEntry, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		entry, err := entryFromHash(fields)
		if err != nil {
			return nil, err
		}
		if entry.ReplayedAt != nil && !filter.IncludeReplayed {
			continue
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetDeadLetter fetches one entry.
func (q *Queue) GetDeadLetter(ctx context.Context, name string, msgID int64) (*queue.DeadLetterEntry, error) {
	fields, err := q.client.HGetAll(ctx, q.keysFor(name).dlqPrefix+member(msgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	}
	entry, err := entryFromHash(fields)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReplayDeadLetter enqueues the entry's stored body as a new message and
// stamps the entry.
func (q *Queue) ReplayDeadLetter(ctx context.Context, name string, msgID int64, opts queue.EnqueueOptions) (int64, error) {
	if err := q.requireQueue(ctx, name); err != nil {
		return 0, err
	}
	k := q.keysFor(name)
	now := q.now()
	visible := visibleAt(now, opts.DelaySeconds)
	id, err := replayScript.Run(ctx, q.client,
		[]string{k.dlqPrefix + member(msgID), k.seq, k.ready, k.delayed},
		k.msgPrefix,
		opts.Priority,
		readyScore(opts.Priority, now.UnixMilli()),
		now.UnixNano(),
		now.UnixMilli(),
		visible.UnixNano(),
		visible.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("replay %s/%d: %w", name, msgID, err)
	}
	switch id {
	case -1:
		return 0, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrMessageNotFound)
	case -2:
		return 0, fmt.Errorf("dead letter %s/%d: %w", name, msgID, queue.ErrAlreadyReplayed)
	}
	return id, nil
}
