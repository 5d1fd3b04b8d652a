package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/metrics"
	"github.com/sellgrid/jobcore/internal/monitor"
	"github.com/sellgrid/jobcore/internal/producer"
	"github.com/sellgrid/jobcore/internal/store"
)

// Producer enqueues jobs.
type Producer interface {
	Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts producer.Options) (*domain.Job, error)
}

// Store is the slice of the job state store the handlers read.
type Store interface {
	GetJob(ctx context.Context, queueName, jobID, workspaceID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]domain.Job, error)
	QueueStats(ctx context.Context, queueName string) (*domain.QueueStats, error)
	ListHistory(ctx context.Context, jobID, workspaceID string) ([]domain.JobHistory, error)
	RequestCancel(ctx context.Context, jobID, workspaceID string) error
	LatestQueueHealth(ctx context.Context, queueName string) (*domain.QueueHealth, error)
}

// Monitor reads live broker health.
type Monitor interface {
	GetOverallHealth(ctx context.Context) *monitor.Health
	GetOverview(ctx context.Context) *monitor.Overview
	GetQueueStats(ctx context.Context, queueName string) *domain.QueueHealth
}

// Metrics serves aggregate job statistics.
type Metrics interface {
	RecordJobCompletion(ctx context.Context, jobID string, start, end time.Time) (*metrics.CompletionRecord, error)
	PerformanceStats(ctx context.Context, timeframe time.Duration) ([]metrics.TypeStats, error)
	ThroughputStats(ctx context.Context, queueName string, hours int) ([]metrics.ThroughputBucket, error)
	ErrorAnalysis(ctx context.Context, workspaceID string, hours int) ([]metrics.ErrorGroup, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Producer Producer
	Store    Store
	Monitor  Monitor
	Metrics  Metrics
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	producer Producer
	store    Store
	monitor  Monitor
	metrics  Metrics
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		producer: deps.Producer,
		store:    deps.Store,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
	}
}

// respondError maps domain errors to HTTP responses at the integration
// boundary.
func (h *JobHandler) respondError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	var brokerErr *domain.BrokerUnavailableError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})

	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})

	case errors.Is(err, domain.ErrJobNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "job is in a terminal status"})

	case errors.As(err, &brokerErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message broker unavailable"})

	default:
		h.logger.Error("Request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
