package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sellgrid/jobcore/internal/domain"
)

const jobColumns = `
	job_id, job_type, domain, queue_name, routing_key, workspace_id, user_id,
	parent_job_id, payload, status, progress, attempts, max_attempts, priority,
	error_message, cancel_requested, created_at, updated_at, published_at,
	processed_on, completed_at, last_heartbeat_at, processing_time_ms, queue_wait_time_ms`

// Store handles all database operations for jobs, job history, and queue
// health snapshots. It is the single source of truth for job status.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a new Store instance
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job with status queued. job_id uniqueness is
// enforced by the primary key.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, domain, queue_name, routing_key, workspace_id,
			user_id, parent_job_id, payload, status, progress, attempts,
			max_attempts, priority, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, 0, 0,
			$11, $12, $13, $13
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.JobType,
		job.Domain,
		job.QueueName,
		job.RoutingKey,
		job.WorkspaceID,
		job.UserID,
		job.ParentJobID,
		job.Payload,
		domain.JobStatusQueued,
		job.MaxAttempts,
		job.Priority,
		job.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by queue name and id, scoped to a workspace.
// The empty workspace is reserved for platform monitoring contexts.
func (s *Store) GetJob(ctx context.Context, queueName, jobID, workspaceID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	args := []interface{}{jobID}
	argIdx := 2

	if queueName != "" {
		query += fmt.Sprintf(" AND queue_name = $%d", argIdx)
		args = append(args, queueName)
		argIdx++
	}

	if workspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argIdx)
		args = append(args, workspaceID)
	}

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// JobFilter narrows ListJobs results. WorkspaceID is mandatory for tenant
// contexts; handlers enforce that before calling.
type JobFilter struct {
	WorkspaceID string
	QueueName   string
	JobType     string
	Status      string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is a (created_at, job_id) keyset pagination cursor.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs ordered by created_at desc. The
// extra row tells the caller whether a next page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}

	if filter.QueueName != "" {
		query += fmt.Sprintf(" AND queue_name = $%d", argIdx)
		args = append(args, filter.QueueName)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CountByStatus returns per-status job counts, optionally scoped to a
// workspace and/or queue.
func (s *Store) CountByStatus(ctx context.Context, workspaceID, queueName string) (map[string]int64, error) {
	query := `SELECT status, COUNT(*) AS count FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if workspaceID != "" {
		query += fmt.Sprintf(" AND workspace_id = $%d", argIdx)
		args = append(args, workspaceID)
		argIdx++
	}

	if queueName != "" {
		query += fmt.Sprintf(" AND queue_name = $%d", argIdx)
		args = append(args, queueName)
	}

	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// QueueStats returns the waiting/active/completed/failed breakdown for one
// queue. The four buckets partition the queue's total job count.
func (s *Store) QueueStats(ctx context.Context, queueName string) (*domain.QueueStats, error) {
	counts, err := s.CountByStatus(ctx, "", queueName)
	if err != nil {
		return nil, err
	}

	return &domain.QueueStats{
		Waiting:   counts[domain.JobStatusQueued],
		Active:    counts[domain.JobStatusProcessing],
		Completed: counts[domain.JobStatusCompleted],
		Failed:    counts[domain.JobStatusFailed],
	}, nil
}

// ClaimJob transitions a job queued -> processing using optimistic locking
// and increments attempts. A delivery for a job that is no longer queued
// (duplicate redelivery) gets ErrJobAlreadyClaimed so the consumer can
// short-circuit.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempts = attempts + 1,
		    processed_on = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusProcessing, jobID, domain.JobStatusQueued)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.Attempts),
	)

	return &job, nil
}

// CompleteJob transitions processing -> completed and computes
// processing_time = completed_at - processed_on and
// queue_wait_time = processed_on - created_at.
func (s *Store) CompleteJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    progress = 100,
		    completed_at = NOW(),
		    processing_time_ms = (EXTRACT(EPOCH FROM (NOW() - processed_on)) * 1000)::bigint,
		    queue_wait_time_ms = (EXTRACT(EPOCH FROM (processed_on - created_at)) * 1000)::bigint,
		    error_message = '',
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusCompleted, jobID, domain.JobStatusProcessing)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	return &job, nil
}

// FailJob transitions processing -> failed (terminal) with the final error
// message.
func (s *Store) FailJob(ctx context.Context, jobID, errorMsg string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusFailed, errorMsg, jobID, domain.JobStatusProcessing)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to fail job: %w", err)
	}

	return &job, nil
}

// RequeueForRetry transitions processing -> queued after a retryable handler
// failure. published_at is cleared so the reconciliation sweep re-publishes
// the job if the delayed re-publish is lost.
func (s *Store) RequeueForRetry(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    error_message = $2,
		    published_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusQueued, errorMsg, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

// UpdateProgress advances progress for a processing job. Progress never
// moves backwards and only changes while status is processing.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $1),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query, percent, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// MarkPublished records a successful broker publish for reconciliation
// purposes.
func (s *Store) MarkPublished(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET published_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1
	`

	_, err := s.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job published: %w", err)
	}

	return nil
}

// RequestCancel flags a non-terminal job for cooperative cancellation.
// Handlers observe the flag between steps; there is no hard cancel of
// in-flight execution.
func (s *Store) RequestCancel(ctx context.Context, jobID, workspaceID string) error {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($2, $3)
	`
	args := []interface{}{jobID, domain.JobStatusQueued, domain.JobStatusProcessing}

	if workspaceID != "" {
		query += " AND workspace_id = $4"
		args = append(args, workspaceID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to request job cancellation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotCancellable
	}

	return nil
}

// IsCancelRequested reports the cooperative cancellation flag.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := s.db.GetContext(ctx, &cancelled, `SELECT cancel_requested FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return cancelled, nil
}

// AppendHistory writes an immutable job history event.
func (s *Store) AppendHistory(ctx context.Context, h *domain.JobHistory) error {
	metadata := h.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	query := `
		INSERT INTO job_histories (job_id, workspace_id, event, error_message, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	_, err := s.db.ExecContext(ctx, query, h.JobID, h.WorkspaceID, h.Event, h.ErrorMessage, metadata)
	if err != nil {
		return fmt.Errorf("failed to append job history: %w", err)
	}

	return nil
}

// ListHistory returns the event log for one job, oldest first.
func (s *Store) ListHistory(ctx context.Context, jobID, workspaceID string) ([]domain.JobHistory, error) {
	query := `
		SELECT id, job_id, workspace_id, event, error_message, metadata, recorded_at
		FROM job_histories
		WHERE job_id = $1
	`
	args := []interface{}{jobID}

	if workspaceID != "" {
		query += " AND workspace_id = $2"
		args = append(args, workspaceID)
	}

	query += " ORDER BY recorded_at ASC, id ASC"

	var events []domain.JobHistory
	err := s.db.SelectContext(ctx, &events, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}

	return events, nil
}

// InsertQueueHealth persists a broker health snapshot. Written only by the
// health monitor.
func (s *Store) InsertQueueHealth(ctx context.Context, h *domain.QueueHealth) error {
	query := `
		INSERT INTO queue_health (queue_name, messages, consumers, message_rate, consume_rate, memory_bytes, is_running, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := s.db.ExecContext(ctx, query,
		h.QueueName, h.Messages, h.Consumers, h.MessageRate, h.ConsumeRate, h.MemoryBytes, h.IsRunning)
	if err != nil {
		return fmt.Errorf("failed to insert queue health snapshot: %w", err)
	}

	return nil
}

// LatestQueueHealth returns the newest snapshot for a queue.
func (s *Store) LatestQueueHealth(ctx context.Context, queueName string) (*domain.QueueHealth, error) {
	query := `
		SELECT id, queue_name, messages, consumers, message_rate, consume_rate, memory_bytes, is_running, recorded_at
		FROM queue_health
		WHERE queue_name = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var h domain.QueueHealth
	err := s.db.GetContext(ctx, &h, query, queueName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest queue health: %w", err)
	}

	return &h, nil
}
