package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/queue"
	"github.com/sellgrid/jobcore/internal/registry"
	"github.com/sellgrid/jobcore/internal/store"
)

// Store is the slice of the job state store the worker needs.
type Store interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID string) (*domain.Job, error)
	FailJob(ctx context.Context, jobID, errorMsg string) (*domain.Job, error)
	RequeueForRetry(ctx context.Context, jobID, errorMsg string) error
	UpdateProgress(ctx context.Context, jobID string, percent int) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	MarkPublished(ctx context.Context, jobID string) error
	AppendHistory(ctx context.Context, h *domain.JobHistory) error
	ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]store.ReclaimedJob, error)
	ListUnpublished(ctx context.Context, olderThan time.Duration, limit int) ([]store.UnpublishedJob, error)
	SweepExpired(ctx context.Context, jobTTL, historyTTL, healthTTL time.Duration) error
}

// Publisher publishes persistent messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, priority uint8, body []byte) error
}

// Consumer delivers messages from a queue.
type Consumer interface {
	Consume(queueName, consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger           *slog.Logger
	Store            Store
	Publisher        Publisher
	Consumer         Consumer
	Registry         *registry.Registry
	WorkerID         string
	Domains          []string
	Concurrency      int
	PrefetchCount    int
	JobTimeout       time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	StaleAfter       time.Duration
	SweepInterval    time.Duration
	JobTTL           time.Duration
	HistoryTTL       time.Duration
	HealthTTL        time.Duration
}

// Worker is the competing-consumer process: it receives deliveries, executes
// registered handlers, updates authoritative job state, and acks/nacks.
// It also runs the staleness, reconciliation, and retention sweeps.
type Worker struct {
	logger           *slog.Logger
	store            Store
	publisher        Publisher
	consumer         Consumer
	registry         *registry.Registry
	workerID         string
	domains          []string
	concurrency      int
	prefetchCount    int
	jobTimeout       time.Duration
	retryBackoffBase time.Duration
	retryBackoffMax  time.Duration
	staleAfter       time.Duration
	sweepInterval    time.Duration
	jobTTL           time.Duration
	historyTTL       time.Duration
	healthTTL        time.Duration

	jobsChan chan *jobMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// jobMessage pairs the parsed job id with its broker delivery so the pool
// can ack/nack the exact message it processed.
type jobMessage struct {
	JobID    string
	Delivery amqp.Delivery
}

// New creates a new worker instance
func New(cfg *Config) *Worker {
	return &Worker{
		logger:           cfg.Logger,
		store:            cfg.Store,
		publisher:        cfg.Publisher,
		consumer:         cfg.Consumer,
		registry:         cfg.Registry,
		workerID:         cfg.WorkerID,
		domains:          cfg.Domains,
		concurrency:      cfg.Concurrency,
		prefetchCount:    cfg.PrefetchCount,
		jobTimeout:       cfg.JobTimeout,
		retryBackoffBase: cfg.RetryBackoffBase,
		retryBackoffMax:  cfg.RetryBackoffMax,
		staleAfter:       cfg.StaleAfter,
		sweepInterval:    cfg.SweepInterval,
		jobTTL:           cfg.JobTTL,
		historyTTL:       cfg.HistoryTTL,
		healthTTL:        cfg.HealthTTL,
		jobsChan:         make(chan *jobMessage),
		stopChan:         make(chan struct{}),
	}
}

// Start begins consuming from every domain queue and spawns the worker pool
// and maintenance sweeps. Non-blocking; call Stop to shut down.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	for _, d := range w.domains {
		queueName := queue.QueueName(d)
		consumerTag := fmt.Sprintf("%s-%s", w.workerID, d)

		deliveries, err := w.consumer.Consume(queueName, consumerTag, w.prefetchCount)
		if err != nil {
			return fmt.Errorf("failed to start consuming from %s: %w", queueName, err)
		}

		w.wg.Add(1)
		go w.dispatchDeliveries(ctx, queueName, deliveries)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(3)
	go w.reclaimLoop(ctx)
	go w.reconcileLoop(ctx)
	go w.retentionLoop(ctx)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// reclaimLoop periodically reclaims jobs stuck in processing past the
// staleness threshold: back to queued while retry budget remains, terminal
// failed otherwise.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := w.store.ReclaimStale(ctx, w.staleAfter)
			if err != nil {
				w.logger.Error("Stale job reclaim failed", slog.Any("error", err))
				continue
			}

			for _, job := range reclaimed {
				w.handleReclaimed(ctx, job)
			}
		}
	}
}

func (w *Worker) handleReclaimed(ctx context.Context, job store.ReclaimedJob) {
	if job.Status == domain.JobStatusFailed {
		w.appendHistory(ctx, job.JobID, job.WorkspaceID, domain.EventFailed,
			"processing stalled past staleness threshold", `{"reclaimed":true}`)
		w.publishDeadLetter(ctx, job.JobID, job.Domain, "processing stalled past staleness threshold")
		return
	}

	w.appendHistory(ctx, job.JobID, job.WorkspaceID, domain.EventRetry, "", `{"reclaimed":true}`)
	w.republish(ctx, job.JobID, job.Domain, job.RoutingKey, job.Priority)
}

// reconcileLoop re-publishes queued jobs whose broker publish never
// succeeded (producer saw the broker down). The store is authoritative, so
// a queued job with no publish record is simply published again.
func (w *Worker) reconcileLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.store.ListUnpublished(ctx, w.sweepInterval, 100)
			if err != nil {
				w.logger.Error("Unpublished job reconciliation failed", slog.Any("error", err))
				continue
			}

			for _, job := range jobs {
				w.republish(ctx, job.JobID, job.Domain, job.RoutingKey, job.Priority)
			}
		}
	}
}

// retentionLoop enforces the 30d/7d/7d TTLs with periodic deletes.
func (w *Worker) retentionLoop(ctx context.Context) {
	defer w.wg.Done()

	interval := w.sweepInterval * 10
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.SweepExpired(ctx, w.jobTTL, w.historyTTL, w.healthTTL); err != nil {
				w.logger.Error("Retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
