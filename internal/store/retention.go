package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellgrid/jobcore/internal/domain"
)

// ReclaimedJob describes a stuck processing job that the staleness sweep
// moved back to queued (retry budget left) or to failed (budget exhausted).
type ReclaimedJob struct {
	JobID       string `db:"job_id"`
	WorkspaceID string `db:"workspace_id"`
	Domain      string `db:"domain"`
	RoutingKey  string `db:"routing_key"`
	Priority    string `db:"priority"`
	Status      string `db:"status"`
}

// ReclaimStale reclaims jobs stuck in processing past the staleness
// threshold. A consumer that died mid-job never acks, so the broker
// redelivers; this sweep covers the case where the message itself was lost
// or the redelivery short-circuited on the stale processing status.
func (s *Store) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]ReclaimedJob, error) {
	query := `
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		    error_message = CASE WHEN attempts < max_attempts THEN error_message ELSE 'reclaimed: processing stalled past staleness threshold' END,
		    completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE NOW() END,
		    published_at = NULL,
		    updated_at = NOW()
		WHERE status = $3
		  AND COALESCE(last_heartbeat_at, processed_on) < NOW() - $4::interval
		RETURNING job_id, workspace_id, domain, routing_key, priority, status
	`

	var reclaimed []ReclaimedJob
	err := s.db.SelectContext(ctx, &reclaimed, query,
		domain.JobStatusQueued,
		domain.JobStatusFailed,
		domain.JobStatusProcessing,
		staleAfter.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stale jobs: %w", err)
	}

	if len(reclaimed) > 0 {
		s.logger.Warn("Reclaimed stale processing jobs",
			slog.Int("count", len(reclaimed)),
			slog.Duration("stale_after", staleAfter),
		)
	}

	return reclaimed, nil
}

// UnpublishedJob is a queued job whose broker publish never succeeded.
type UnpublishedJob struct {
	JobID       string `db:"job_id"`
	Domain      string `db:"domain"`
	RoutingKey  string `db:"routing_key"`
	Priority    string `db:"priority"`
	WorkspaceID string `db:"workspace_id"`
}

// ListUnpublished returns queued jobs with no recorded publish older than
// the grace window. The producer persists before publishing, so a publish
// failure leaves exactly this shape behind for reconciliation.
func (s *Store) ListUnpublished(ctx context.Context, olderThan time.Duration, limit int) ([]UnpublishedJob, error) {
	query := `
		SELECT job_id, domain, routing_key, priority, workspace_id
		FROM jobs
		WHERE status = $1
		  AND published_at IS NULL
		  AND updated_at < NOW() - $2::interval
		ORDER BY created_at ASC
		LIMIT $3
	`

	var jobs []UnpublishedJob
	err := s.db.SelectContext(ctx, &jobs, query, domain.JobStatusQueued, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpublished jobs: %w", err)
	}

	return jobs, nil
}

// SweepExpired enforces retention: jobs expire 30 days after creation,
// history and health snapshots after 7 days (configurable). Stands in for
// TTL indexes, which PostgreSQL does not have.
func (s *Store) SweepExpired(ctx context.Context, jobTTL, historyTTL, healthTTL time.Duration) error {
	sweeps := []struct {
		table  string
		column string
		ttl    time.Duration
	}{
		{"jobs", "created_at", jobTTL},
		{"job_histories", "recorded_at", historyTTL},
		{"queue_health", "recorded_at", healthTTL},
	}

	for _, sw := range sweeps {
		if sw.ttl <= 0 {
			continue
		}

		query := fmt.Sprintf("DELETE FROM %s WHERE %s < NOW() - $1::interval", sw.table, sw.column)
		result, err := s.db.ExecContext(ctx, query, sw.ttl.String())
		if err != nil {
			return fmt.Errorf("failed to sweep expired rows from %s: %w", sw.table, err)
		}

		if rows, err := result.RowsAffected(); err == nil && rows > 0 {
			s.logger.Info("Swept expired rows",
				slog.String("table", sw.table),
				slog.Int64("rows", rows),
			)
		}
	}

	return nil
}
