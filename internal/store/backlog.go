package store

import (
	"context"
	"fmt"
	"time"

	"conveyor/internal/sqldb"
)

// StageBacklog counts, per stage of non-terminal jobs, the records ready to
// be leased and the records held under an unexpired lease. A processing
// record whose lease ran out counts as ready, since its message has become
// visible again.
func (s *Store) StageBacklog(ctx context.Context) (map[string]StageBacklog, error) {
	now := sqldb.FormatTime(s.now())
	rows, err := s.db.Query(
		ctx,
		`SELECT r.stage,
            SUM(CASE WHEN (r.status = ? AND r.available_at <= ?)
                       OR (r.status = ? AND (r.lease_expires_at IS NULL OR r.lease_expires_at <= ?))
                     THEN 1 ELSE 0 END) AS ready_count,
            SUM(CASE WHEN r.status = ? AND r.lease_expires_at > ? THEN 1 ELSE 0 END) AS inflight_count
         FROM stage_records r
         JOIN jobs j ON j.id = r.job_id
         WHERE j.status NOT IN (?, ?) AND r.status IN (?, ?)
         GROUP BY r.stage`,
		StagePending, now,
		StageProcessing, now,
		StageProcessing, now,
		JobCompleted, JobFailed,
		StagePending, StageProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage backlog: %w", err)
	}
	defer rows.Close()

	backlog := make(map[string]StageBacklog)
	for rows.Next() {
		var (
			entry           StageBacklog
			ready, inflight int64
		)
		if err := rows.Scan(&entry.Stage, &ready, &inflight); err != nil {
			return nil, fmt.Errorf("scan stage backlog: %w", err)
		}
		entry.ReadyCount = int(ready)
		entry.InflightCount = int(inflight)
		backlog[entry.Stage] = entry
	}
	return backlog, rows.Err()
}

// StaleJobs returns non-terminal jobs not updated since cutoff, oldest first.
func (s *Store) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status NOT IN (?, ?) AND updated_at < ?
         ORDER BY updated_at, id LIMIT ?`,
		JobCompleted,
		JobFailed,
		sqldb.FormatTime(cutoff),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus summarizes jobs for status displays.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[JobStatus(status)] = count
	}
	return counts, rows.Err()
}
