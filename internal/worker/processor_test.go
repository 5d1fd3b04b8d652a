package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/registry"
	"github.com/sellgrid/jobcore/internal/store"
)

// fakeStore implements the worker's store interface in memory.
type fakeStore struct {
	mu sync.Mutex

	job          *domain.Job
	claimErr     error
	completeErr  error
	history      []domain.JobHistory
	completed    []string
	failed       map[string]string
	requeued     map[string]string
	progress     map[string]int
	published    []string
	cancelFlag   bool
	cancelErr    error
	reclaimed    []store.ReclaimedJob
	unpublished  []store.UnpublishedJob
	sweepInvoked bool
}

func newFakeStore(job *domain.Job) *fakeStore {
	return &fakeStore{
		job:      job,
		failed:   make(map[string]string),
		requeued: make(map[string]string),
		progress: make(map[string]int),
	}
}

func (s *fakeStore) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.job.Status = domain.JobStatusProcessing
	s.job.Attempts++
	cp := *s.job
	return &cp, nil
}

func (s *fakeStore) CompleteJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	s.completed = append(s.completed, jobID)
	s.job.Status = domain.JobStatusCompleted
	cp := *s.job
	return &cp, nil
}

func (s *fakeStore) FailJob(ctx context.Context, jobID, errorMsg string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = errorMsg
	s.job.Status = domain.JobStatusFailed
	cp := *s.job
	return &cp, nil
}

func (s *fakeStore) RequeueForRetry(ctx context.Context, jobID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued[jobID] = errorMsg
	s.job.Status = domain.JobStatusQueued
	return nil
}

func (s *fakeStore) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[jobID] = percent
	return nil
}

func (s *fakeStore) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelFlag, s.cancelErr
}

func (s *fakeStore) MarkPublished(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, jobID)
	return nil
}

func (s *fakeStore) AppendHistory(ctx context.Context, h *domain.JobHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *h)
	return nil
}

func (s *fakeStore) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]store.ReclaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimed, nil
}

func (s *fakeStore) ListUnpublished(ctx context.Context, olderThan time.Duration, limit int) ([]store.UnpublishedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unpublished, nil
}

func (s *fakeStore) SweepExpired(ctx context.Context, jobTTL, historyTTL, healthTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepInvoked = true
	return nil
}

func (s *fakeStore) events(event string) []domain.JobHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobHistory
	for _, h := range s.history {
		if h.Event == event {
			out = append(out, h)
		}
	}
	return out
}

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Priority   uint8
	Body       []byte
}

// fakePublisher records publishes in memory.
type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []publishedMessage
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, priority uint8, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, publishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Priority:   priority,
		Body:       body,
	})
	return nil
}

func (p *fakePublisher) all() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage(nil), p.messages...)
}

func testJob() *domain.Job {
	return &domain.Job{
		JobID:       "5f1b3e1e-8c1a-4a2e-9a61-31b2dcedc0a1",
		JobType:     domain.JobTypeMarketplaceSync,
		Domain:      domain.DomainSync,
		QueueName:   "sync-jobs",
		RoutingKey:  "sync.marketplace_sync.normal",
		WorkspaceID: "ws-1",
		Payload:     `{"marketplace":"amazon","sync_scope":"full","credential_ref":"cred-1"}`,
		Status:      domain.JobStatusQueued,
		MaxAttempts: 3,
		Priority:    domain.PriorityNormal,
		CreatedAt:   time.Now().UTC(),
	}
}

func testWorker(fs *fakeStore, fp *fakePublisher, reg *registry.Registry) *Worker {
	return New(&Config{
		Logger:           slog.New(slog.DiscardHandler),
		Store:            fs,
		Publisher:        fp,
		Registry:         reg,
		WorkerID:         "test-worker",
		Domains:          domain.Domains(),
		Concurrency:      1,
		PrefetchCount:    1,
		JobTimeout:       time.Second,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  5 * time.Millisecond,
		StaleAfter:       time.Minute,
		SweepInterval:    time.Minute,
	})
}

func TestProcessJob_Success(t *testing.T) {
	fs := newFakeStore(testJob())
	fp := &fakePublisher{}
	reg := registry.New()

	var handledPayload []byte
	reg.Register(domain.JobTypeMarketplaceSync, func(ctx context.Context, job registry.Job, payload []byte) error {
		handledPayload = payload
		job.UpdateProgress(100)
		return nil
	})

	w := testWorker(fs, fp, reg)

	err := w.processJob(context.Background(), &jobMessage{JobID: fs.job.JobID})
	require.NoError(t, err)

	assert.Equal(t, []string{fs.job.JobID}, fs.completed)
	assert.JSONEq(t, fs.job.Payload, string(handledPayload))
	assert.Equal(t, 100, fs.progress[fs.job.JobID])
	assert.Len(t, fs.events(domain.EventStarted), 1)
	assert.Len(t, fs.events(domain.EventCompleted), 1)
	assert.Empty(t, fs.failed)
	assert.Empty(t, fs.requeued)
}

func TestProcessJob_RetryThenTerminalFailure(t *testing.T) {
	fs := newFakeStore(testJob())
	fp := &fakePublisher{}
	reg := registry.New()

	reg.Register(domain.JobTypeMarketplaceSync, func(ctx context.Context, job registry.Job, payload []byte) error {
		return errors.New("marketplace API returned 500")
	})

	w := testWorker(fs, fp, reg)
	msg := &jobMessage{JobID: fs.job.JobID}

	// Attempts 1 and 2 requeue for retry.
	for i := 1; i <= 2; i++ {
		require.NoError(t, w.processJob(context.Background(), msg))
		assert.Equal(t, domain.JobStatusQueued, fs.job.Status)
		assert.Contains(t, fs.requeued[fs.job.JobID], "marketplace API returned 500")
	}
	assert.Len(t, fs.events(domain.EventRetry), 2)

	// The delayed republish fires after backoff.
	require.Eventually(t, func() bool {
		return len(fp.all()) >= 2
	}, time.Second, 5*time.Millisecond)

	// Attempt 3 exhausts the budget: terminal failure plus dead-letter.
	require.NoError(t, w.processJob(context.Background(), msg))
	assert.Equal(t, domain.JobStatusFailed, fs.job.Status)
	assert.Contains(t, fs.failed[fs.job.JobID], "marketplace API returned 500")
	assert.Len(t, fs.events(domain.EventFailed), 1)

	var dlqMessages []publishedMessage
	for _, m := range fp.all() {
		if m.Exchange == "jobs.dlx" {
			dlqMessages = append(dlqMessages, m)
		}
	}
	require.Len(t, dlqMessages, 1)
	assert.Equal(t, "sync-jobs.dlq", dlqMessages[0].RoutingKey)
	assert.Contains(t, string(dlqMessages[0].Body), fs.job.JobID)
}

func TestProcessJob_SuccessOnThirdAttempt(t *testing.T) {
	fs := newFakeStore(testJob())
	fp := &fakePublisher{}
	reg := registry.New()

	calls := 0
	reg.Register(domain.JobTypeMarketplaceSync, func(ctx context.Context, job registry.Job, payload []byte) error {
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	w := testWorker(fs, fp, reg)
	msg := &jobMessage{JobID: fs.job.JobID}

	require.NoError(t, w.processJob(context.Background(), msg))
	require.NoError(t, w.processJob(context.Background(), msg))
	require.NoError(t, w.processJob(context.Background(), msg))

	assert.Equal(t, domain.JobStatusCompleted, fs.job.Status)
	assert.Equal(t, 3, fs.job.Attempts)
	assert.Len(t, fs.events(domain.EventRetry), 2)
	assert.Len(t, fs.events(domain.EventCompleted), 1)
	assert.Empty(t, fs.failed)
}

func TestProcessJob_DuplicateDelivery(t *testing.T) {
	fs := newFakeStore(testJob())
	fs.claimErr = domain.ErrJobAlreadyClaimed
	fp := &fakePublisher{}
	reg := registry.New()

	reg.Register(domain.JobTypeMarketplaceSync, func(ctx context.Context, job registry.Job, payload []byte) error {
		t.Fatal("handler must not run for an already-claimed job")
		return nil
	})

	w := testWorker(fs, fp, reg)

	err := w.processJob(context.Background(), &jobMessage{JobID: fs.job.JobID})
	require.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.Empty(t, fs.history)
	assert.Empty(t, fp.all())
}

func TestProcessJob_MissingHandlerFailsTerminally(t *testing.T) {
	fs := newFakeStore(testJob())
	fp := &fakePublisher{}

	w := testWorker(fs, fp, registry.New())

	err := w.processJob(context.Background(), &jobMessage{JobID: fs.job.JobID})
	require.NoError(t, err)

	// A missing handler cannot succeed on retry, so the job fails even with
	// retry budget remaining.
	assert.Equal(t, domain.JobStatusFailed, fs.job.Status)
	assert.Contains(t, fs.failed[fs.job.JobID], "no handler registered")
	assert.Len(t, fs.events(domain.EventFailed), 1)
}

func TestProcessJob_TransientStoreErrorPropagates(t *testing.T) {
	fs := newFakeStore(testJob())
	fs.claimErr = errors.New("connection refused")
	fp := &fakePublisher{}

	w := testWorker(fs, fp, registry.New())

	err := w.processJob(context.Background(), &jobMessage{JobID: fs.job.JobID})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}

func TestJobRef_Cancelled(t *testing.T) {
	fs := newFakeStore(testJob())
	fp := &fakePublisher{}
	reg := registry.New()

	sawCancel := false
	reg.Register(domain.JobTypeMarketplaceSync, func(ctx context.Context, job registry.Job, payload []byte) error {
		sawCancel = job.Cancelled()
		if sawCancel {
			return errors.New("canceled by user")
		}
		return nil
	})

	fs.cancelFlag = true
	w := testWorker(fs, fp, reg)

	require.NoError(t, w.processJob(context.Background(), &jobMessage{JobID: fs.job.JobID}))

	assert.True(t, sawCancel)
	// Cooperative cancel surfaces as a handler error and consumes the
	// retry budget like any other failure.
	assert.Contains(t, fs.requeued[fs.job.JobID], "canceled by user")
}

func TestJobRef_CancelledStoreErrorDefaultsFalse(t *testing.T) {
	fs := newFakeStore(testJob())
	fs.cancelErr = errors.New("connection refused")
	fp := &fakePublisher{}

	w := testWorker(fs, fp, registry.New())
	ref := &jobRef{worker: w, job: fs.job, ctx: context.Background()}

	assert.False(t, ref.Cancelled())
}

func TestHandleReclaimed(t *testing.T) {
	t.Run("requeued job is republished", func(t *testing.T) {
		fs := newFakeStore(testJob())
		fp := &fakePublisher{}
		w := testWorker(fs, fp, registry.New())

		w.handleReclaimed(context.Background(), store.ReclaimedJob{
			JobID:       fs.job.JobID,
			WorkspaceID: fs.job.WorkspaceID,
			Domain:      fs.job.Domain,
			RoutingKey:  fs.job.RoutingKey,
			Priority:    fs.job.Priority,
			Status:      domain.JobStatusQueued,
		})

		msgs := fp.all()
		require.Len(t, msgs, 1)
		assert.Equal(t, "jobs.sync", msgs[0].Exchange)
		assert.Len(t, fs.events(domain.EventRetry), 1)
		assert.Equal(t, []string{fs.job.JobID}, fs.published)
	})

	t.Run("exhausted job is dead-lettered", func(t *testing.T) {
		fs := newFakeStore(testJob())
		fp := &fakePublisher{}
		w := testWorker(fs, fp, registry.New())

		w.handleReclaimed(context.Background(), store.ReclaimedJob{
			JobID:       fs.job.JobID,
			WorkspaceID: fs.job.WorkspaceID,
			Domain:      fs.job.Domain,
			Status:      domain.JobStatusFailed,
		})

		msgs := fp.all()
		require.Len(t, msgs, 1)
		assert.Equal(t, "jobs.dlx", msgs[0].Exchange)
		assert.Equal(t, "sync-jobs.dlq", msgs[0].RoutingKey)
		assert.Len(t, fs.events(domain.EventFailed), 1)
	})
}

func TestRepublish_BrokerDownLeavesJobForReconciliation(t *testing.T) {
	fs := newFakeStore(testJob())
	fp := &fakePublisher{err: errors.New("broker down")}
	w := testWorker(fs, fp, registry.New())

	w.republish(context.Background(), fs.job.JobID, fs.job.Domain, fs.job.RoutingKey, fs.job.Priority)

	// Publish failed, so no publish timestamp is recorded; the
	// reconciliation sweep will pick the job up later.
	assert.Empty(t, fs.published)
}
