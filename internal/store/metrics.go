package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// TypePerformance is the per-jobType aggregation row behind performance
// stats: totals, per-status counts, and processing/wait time spreads.
type TypePerformance struct {
	JobType         string  `db:"job_type"`
	Total           int64   `db:"total"`
	Queued          int64   `db:"queued"`
	Processing      int64   `db:"processing"`
	Completed       int64   `db:"completed"`
	Failed          int64   `db:"failed"`
	AvgProcessingMS float64 `db:"avg_processing_ms"`
	MinProcessingMS int64   `db:"min_processing_ms"`
	MaxProcessingMS int64   `db:"max_processing_ms"`
	AvgQueueWaitMS  float64 `db:"avg_queue_wait_ms"`
	MinQueueWaitMS  int64   `db:"min_queue_wait_ms"`
	MaxQueueWaitMS  int64   `db:"max_queue_wait_ms"`
}

// PerformanceByType aggregates jobs created since the given time.
func (s *Store) PerformanceByType(ctx context.Context, since time.Time) ([]TypePerformance, error) {
	query := `
		SELECT job_type,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'queued') AS queued,
		       COUNT(*) FILTER (WHERE status = 'processing') AS processing,
		       COUNT(*) FILTER (WHERE status = 'completed') AS completed,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		       COALESCE(AVG(processing_time_ms), 0) AS avg_processing_ms,
		       COALESCE(MIN(processing_time_ms), 0) AS min_processing_ms,
		       COALESCE(MAX(processing_time_ms), 0) AS max_processing_ms,
		       COALESCE(AVG(queue_wait_time_ms), 0) AS avg_queue_wait_ms,
		       COALESCE(MIN(queue_wait_time_ms), 0) AS min_queue_wait_ms,
		       COALESCE(MAX(queue_wait_time_ms), 0) AS max_queue_wait_ms
		FROM jobs
		WHERE created_at >= $1
		GROUP BY job_type
		ORDER BY job_type
	`

	var rows []TypePerformance
	err := s.db.SelectContext(ctx, &rows, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate performance stats: %w", err)
	}

	return rows, nil
}

// ThroughputBucket is a completed-jobs-per-minute bucket.
type ThroughputBucket struct {
	Minute    time.Time `db:"minute"`
	Completed int64     `db:"completed"`
}

// CompletedPerMinute buckets completed jobs by minute since the given time,
// optionally scoped to one queue.
func (s *Store) CompletedPerMinute(ctx context.Context, queueName string, since time.Time) ([]ThroughputBucket, error) {
	query := `
		SELECT date_trunc('minute', completed_at) AS minute,
		       COUNT(*) AS completed
		FROM jobs
		WHERE status = 'completed'
		  AND completed_at >= $1
	`
	args := []interface{}{since}

	if queueName != "" {
		query += " AND queue_name = $2"
		args = append(args, queueName)
	}

	query += " GROUP BY 1 ORDER BY 1"

	var buckets []ThroughputBucket
	err := s.db.SelectContext(ctx, &buckets, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate throughput stats: %w", err)
	}

	return buckets, nil
}

// FailureGroup ranks failed history events sharing one error message.
type FailureGroup struct {
	ErrorMessage   string         `db:"error_message"`
	Count          int64          `db:"count"`
	LastOccurredAt time.Time      `db:"last_occurred_at"`
	JobIDs         pq.StringArray `db:"job_ids"`
}

// FailureGroups groups failed history events by error message since the
// given time, ranked by frequency.
func (s *Store) FailureGroups(ctx context.Context, workspaceID string, since time.Time, limit int) ([]FailureGroup, error) {
	query := `
		SELECT error_message,
		       COUNT(*) AS count,
		       MAX(recorded_at) AS last_occurred_at,
		       ARRAY_AGG(DISTINCT job_id) AS job_ids
		FROM job_histories
		WHERE event = 'failed'
		  AND recorded_at >= $1
	`
	args := []interface{}{since}
	argIdx := 2

	if workspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argIdx)
		args = append(args, workspaceID)
		argIdx++
	}

	query += fmt.Sprintf(" GROUP BY error_message ORDER BY count DESC, last_occurred_at DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	var groups []FailureGroup
	err := s.db.SelectContext(ctx, &groups, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate error analysis: %w", err)
	}

	return groups, nil
}

// SetProcessingTime records processing and wait durations for a job, but
// only once: a second call for the same job is a no-op. Returns whether the
// update was applied.
func (s *Store) SetProcessingTime(ctx context.Context, jobID string, processing, wait time.Duration) (bool, error) {
	query := `
		UPDATE jobs
		SET processing_time_ms = $2,
		    queue_wait_time_ms = COALESCE(queue_wait_time_ms, $3),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND processing_time_ms IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, jobID, processing.Milliseconds(), wait.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to set processing time: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}
