package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/sellgrid/jobcore/internal/domain"
)

// Store is the slice of the job state store the monitor writes to.
type Store interface {
	InsertQueueHealth(ctx context.Context, h *domain.QueueHealth) error
}

// Monitor polls the broker management API on an interval and persists
// per-queue health snapshots for trend analysis. Read-only with respect to
// job state; runs on its own timer.
type Monitor struct {
	client   *Client
	store    Store
	queues   []string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a new queue health monitor
func New(client *Client, store Store, queues []string, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		client:   client,
		store:    store,
		queues:   queues,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the context is canceled. A snapshot is taken immediately
// on start, then on every tick.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Queue health monitor started",
		slog.Int("queues", len(m.queues)),
		slog.Duration("interval", m.interval),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.snapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Queue health monitor stopped")
			return
		case <-ticker.C:
			m.snapshot(ctx)
		}
	}
}

// snapshot persists one health record per monitored queue. Persistence
// failures are logged and skipped; monitoring never crashes the process.
func (m *Monitor) snapshot(ctx context.Context) {
	for _, queueName := range m.queues {
		health := m.client.GetQueueStats(ctx, queueName)

		if err := m.store.InsertQueueHealth(ctx, health); err != nil {
			m.logger.Error("Failed to persist queue health snapshot",
				slog.String("queue", queueName),
				slog.Any("error", err),
			)
			continue
		}

		m.logger.Debug("Queue health snapshot persisted",
			slog.String("queue", queueName),
			slog.Int("messages", health.Messages),
			slog.Int("consumers", health.Consumers),
			slog.Bool("is_running", health.IsRunning),
		)
	}
}
