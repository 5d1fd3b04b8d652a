package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/store"
)

// errorAnalysisLimit caps error groups per report.
const errorAnalysisLimit = 20

// Store is the slice of the job state store the metrics service reads.
type Store interface {
	GetJob(ctx context.Context, queueName, jobID, workspaceID string) (*domain.Job, error)
	SetProcessingTime(ctx context.Context, jobID string, processing, wait time.Duration) (bool, error)
	AppendHistory(ctx context.Context, h *domain.JobHistory) error
	PerformanceByType(ctx context.Context, since time.Time) ([]store.TypePerformance, error)
	CompletedPerMinute(ctx context.Context, queueName string, since time.Time) ([]store.ThroughputBucket, error)
	FailureGroups(ctx context.Context, workspaceID string, since time.Time, limit int) ([]store.FailureGroup, error)
}

// Service aggregates Job and JobHistory data into performance, throughput,
// and error-analysis statistics. Read paths are resilient by design: they
// serve dashboards and must not take them down with the broker.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates a new metrics service
func New(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// CompletionRecord is the outcome of RecordJobCompletion.
type CompletionRecord struct {
	JobID            string  `json:"job_id"`
	ProcessingTimeMS int64   `json:"processing_time_ms"`
	QueueWaitTimeMS  int64   `json:"queue_wait_time_ms"`
	Efficiency       float64 `json:"efficiency"`
	Applied          bool    `json:"applied"`
}

// RecordJobCompletion records processing duration for a job and appends a
// completion history event. Idempotent: a second call for the same job id
// leaves the stored statistics untouched and reports Applied=false.
func (s *Service) RecordJobCompletion(ctx context.Context, jobID string, start, end time.Time) (*CompletionRecord, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("completion end %s precedes start %s", end, start)
	}

	job, err := s.store.GetJob(ctx, "", jobID, "")
	if err != nil {
		return nil, err
	}

	processing := end.Sub(start)
	wait := start.Sub(job.CreatedAt)
	if wait < 0 {
		wait = 0
	}

	applied, err := s.store.SetProcessingTime(ctx, jobID, processing, wait)
	if err != nil {
		return nil, err
	}

	record := &CompletionRecord{
		JobID:            jobID,
		ProcessingTimeMS: processing.Milliseconds(),
		QueueWaitTimeMS:  wait.Milliseconds(),
		Efficiency:       Efficiency(processing, wait),
		Applied:          applied,
	}

	if !applied {
		// Already recorded: do not double-count in aggregates or history.
		return record, nil
	}

	h := &domain.JobHistory{
		JobID:       jobID,
		WorkspaceID: job.WorkspaceID,
		Event:       domain.EventCompleted,
		Metadata: fmt.Sprintf(`{"processing_time_ms":%d,"queue_wait_time_ms":%d,"efficiency":%.2f}`,
			record.ProcessingTimeMS, record.QueueWaitTimeMS, record.Efficiency),
	}
	if err := s.store.AppendHistory(ctx, h); err != nil {
		s.logger.Warn("Failed to append completion history",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	return record, nil
}

// Efficiency is the share of a job's total lifetime spent doing work:
// processing / (queueWait + processing) * 100.
func Efficiency(processing, wait time.Duration) float64 {
	total := processing + wait
	if total <= 0 {
		return 0
	}
	return float64(processing) / float64(total) * 100
}

// TypeStats is the per-jobType performance report entry.
type TypeStats struct {
	JobType         string  `json:"job_type"`
	Total           int64   `json:"total"`
	Queued          int64   `json:"queued"`
	Processing      int64   `json:"processing"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	MinProcessingMS int64   `json:"min_processing_ms"`
	MaxProcessingMS int64   `json:"max_processing_ms"`
	AvgQueueWaitMS  float64 `json:"avg_queue_wait_ms"`
	MinQueueWaitMS  int64   `json:"min_queue_wait_ms"`
	MaxQueueWaitMS  int64   `json:"max_queue_wait_ms"`
	SuccessRate     float64 `json:"success_rate"`
	FailureRate     float64 `json:"failure_rate"`
}

// PerformanceStats aggregates jobs created within the timeframe by type.
func (s *Service) PerformanceStats(ctx context.Context, timeframe time.Duration) ([]TypeStats, error) {
	since := time.Now().Add(-timeframe)

	rows, err := s.store.PerformanceByType(ctx, since)
	if err != nil {
		return nil, err
	}

	stats := make([]TypeStats, 0, len(rows))
	for _, row := range rows {
		entry := TypeStats{
			JobType:         row.JobType,
			Total:           row.Total,
			Queued:          row.Queued,
			Processing:      row.Processing,
			Completed:       row.Completed,
			Failed:          row.Failed,
			AvgProcessingMS: row.AvgProcessingMS,
			MinProcessingMS: row.MinProcessingMS,
			MaxProcessingMS: row.MaxProcessingMS,
			AvgQueueWaitMS:  row.AvgQueueWaitMS,
			MinQueueWaitMS:  row.MinQueueWaitMS,
			MaxQueueWaitMS:  row.MaxQueueWaitMS,
		}

		finished := row.Completed + row.Failed
		if finished > 0 {
			entry.SuccessRate = float64(row.Completed) / float64(finished) * 100
			entry.FailureRate = float64(row.Failed) / float64(finished) * 100
		}

		stats = append(stats, entry)
	}

	return stats, nil
}

// ThroughputBucket is a completed-jobs-per-minute data point.
type ThroughputBucket struct {
	Minute    time.Time `json:"minute"`
	Completed int64     `json:"completed"`
}

// ThroughputStats buckets completions per minute over the last N hours,
// optionally scoped to one queue.
func (s *Service) ThroughputStats(ctx context.Context, queueName string, hours int) ([]ThroughputBucket, error) {
	if hours <= 0 {
		hours = 1
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.store.CompletedPerMinute(ctx, queueName, since)
	if err != nil {
		return nil, err
	}

	buckets := make([]ThroughputBucket, 0, len(rows))
	for _, row := range rows {
		buckets = append(buckets, ThroughputBucket{Minute: row.Minute, Completed: row.Completed})
	}

	return buckets, nil
}

// ErrorGroup ranks one failure mode by frequency.
type ErrorGroup struct {
	ErrorMessage   string    `json:"error_message"`
	Count          int64     `json:"count"`
	LastOccurredAt time.Time `json:"last_occurred_at"`
	JobIDs         []string  `json:"job_ids"`
}

// ErrorAnalysis groups failed history events from the last N hours by error
// message, top 20 by frequency, optionally scoped to one workspace.
func (s *Service) ErrorAnalysis(ctx context.Context, workspaceID string, hours int) ([]ErrorGroup, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	rows, err := s.store.FailureGroups(ctx, workspaceID, since, errorAnalysisLimit)
	if err != nil {
		return nil, err
	}

	groups := make([]ErrorGroup, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, ErrorGroup{
			ErrorMessage:   row.ErrorMessage,
			Count:          row.Count,
			LastOccurredAt: row.LastOccurredAt,
			JobIDs:         row.JobIDs,
		})
	}

	return groups, nil
}
