package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/queue"
)

// DefaultMaxAttempts bounds retries when the caller does not ask for a
// specific budget.
const DefaultMaxAttempts = 3

// Store is the slice of the job state store the producer needs.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	MarkPublished(ctx context.Context, jobID string) error
	AppendHistory(ctx context.Context, h *domain.JobHistory) error
}

// Publisher publishes persistent messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, priority uint8, body []byte) error
}

// Options carries per-enqueue settings.
type Options struct {
	Priority    string
	WorkspaceID string
	UserID      string
	ParentJobID string
	MaxAttempts int
}

// Message is the broker payload: job state lives in the store, so the
// message only carries the id.
type Message struct {
	JobID string `json:"job_id"`
}

// Producer validates and persists jobs, then publishes delivery
// notifications. The job document is written before the publish so the job
// survives broker unavailability.
type Producer struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// New creates a new Producer
func New(store Store, publisher Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Enqueue validates the payload against the schema registered for jobType,
// persists the job with status queued, and publishes a persistent message
// routed by domain.jobType.priority.
//
// Returns *domain.ValidationError for bad payloads (never retried) and
// *domain.BrokerUnavailableError when the publish fails; in the latter case
// the job remains queued for the reconciliation sweep.
func (p *Producer) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts Options) (*domain.Job, error) {
	jobDomain, ok := domain.DomainForJobType(jobType)
	if !ok {
		return nil, &domain.ValidationError{JobType: jobType, Reason: "unknown job type"}
	}

	if opts.WorkspaceID == "" {
		return nil, &domain.ValidationError{JobType: jobType, Reason: "workspace_id is required"}
	}

	priority := opts.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(priority) {
		return nil, &domain.ValidationError{JobType: jobType, Reason: fmt.Sprintf("invalid priority %q", priority)}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if err := domain.ValidatePayload(jobType, payload); err != nil {
		return nil, err
	}

	job := &domain.Job{
		JobID:       uuid.New().String(),
		JobType:     jobType,
		Domain:      jobDomain,
		QueueName:   queue.QueueName(jobDomain),
		RoutingKey:  queue.RoutingKey(jobDomain, jobType, priority),
		WorkspaceID: opts.WorkspaceID,
		UserID:      opts.UserID,
		ParentJobID: opts.ParentJobID,
		Payload:     string(payload),
		Status:      domain.JobStatusQueued,
		MaxAttempts: maxAttempts,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
	}

	// Persist before publish: a queued job with no published_at is picked
	// up by the reconciliation sweep if the broker is down.
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	p.appendHistory(ctx, job, domain.EventQueued, "", fmt.Sprintf(`{"priority":%q}`, priority))

	body, err := json.Marshal(Message{JobID: job.JobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}

	exchange := queue.ExchangeName(jobDomain)
	if err := p.publisher.Publish(ctx, exchange, job.RoutingKey, queue.PriorityLevel(priority), body); err != nil {
		p.logger.Error("Failed to publish job, leaving it queued for reconciliation",
			slog.String("job_id", job.JobID),
			slog.String("routing_key", job.RoutingKey),
			slog.Any("error", err),
		)
		return job, &domain.BrokerUnavailableError{Err: err}
	}

	if err := p.store.MarkPublished(ctx, job.JobID); err != nil {
		p.logger.Warn("Failed to record publish timestamp",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	p.logger.Info("Job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("job_type", jobType),
		slog.String("routing_key", job.RoutingKey),
		slog.String("workspace_id", opts.WorkspaceID),
	)

	return job, nil
}

func (p *Producer) appendHistory(ctx context.Context, job *domain.Job, event, errorMsg, metadata string) {
	h := &domain.JobHistory{
		JobID:        job.JobID,
		WorkspaceID:  job.WorkspaceID,
		Event:        event,
		ErrorMessage: errorMsg,
		Metadata:     metadata,
	}

	if err := p.store.AppendHistory(ctx, h); err != nil {
		p.logger.Warn("Failed to append job history",
			slog.String("job_id", job.JobID),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}
