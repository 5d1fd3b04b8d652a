package metrics

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/store"
)

// fakeStore implements the metrics store interface in memory.
type fakeStore struct {
	job     *domain.Job
	getErr  error
	applied bool
	setErr  error

	setCalls    int
	lastProc    time.Duration
	lastWait    time.Duration
	history     []domain.JobHistory
	performance []store.TypePerformance
	throughput  []store.ThroughputBucket
	failures    []store.FailureGroup

	sinceSeen     time.Time
	workspaceSeen string
	queueSeen     string
	limitSeen     int
}

func (s *fakeStore) GetJob(ctx context.Context, queueName, jobID, workspaceID string) (*domain.Job, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.job, nil
}

func (s *fakeStore) SetProcessingTime(ctx context.Context, jobID string, processing, wait time.Duration) (bool, error) {
	if s.setErr != nil {
		return false, s.setErr
	}
	s.setCalls++
	s.lastProc = processing
	s.lastWait = wait
	return s.applied, nil
}

func (s *fakeStore) AppendHistory(ctx context.Context, h *domain.JobHistory) error {
	s.history = append(s.history, *h)
	return nil
}

func (s *fakeStore) PerformanceByType(ctx context.Context, since time.Time) ([]store.TypePerformance, error) {
	s.sinceSeen = since
	return s.performance, nil
}

func (s *fakeStore) CompletedPerMinute(ctx context.Context, queueName string, since time.Time) ([]store.ThroughputBucket, error) {
	s.queueSeen = queueName
	s.sinceSeen = since
	return s.throughput, nil
}

func (s *fakeStore) FailureGroups(ctx context.Context, workspaceID string, since time.Time, limit int) ([]store.FailureGroup, error) {
	s.workspaceSeen = workspaceID
	s.sinceSeen = since
	s.limitSeen = limit
	return s.failures, nil
}

func testService(fs *fakeStore) *Service {
	return New(fs, slog.New(slog.DiscardHandler))
}

func TestRecordJobCompletion(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	start := created.Add(10 * time.Second)
	end := start.Add(30 * time.Second)

	fs := &fakeStore{
		job:     &domain.Job{JobID: "job-1", WorkspaceID: "ws-1", CreatedAt: created},
		applied: true,
	}
	svc := testService(fs)

	record, err := svc.RecordJobCompletion(context.Background(), "job-1", start, end)
	require.NoError(t, err)

	assert.Equal(t, int64(30000), record.ProcessingTimeMS)
	assert.Equal(t, int64(10000), record.QueueWaitTimeMS)
	assert.InDelta(t, 75.0, record.Efficiency, 0.01)
	assert.True(t, record.Applied)

	assert.Equal(t, 30*time.Second, fs.lastProc)
	assert.Equal(t, 10*time.Second, fs.lastWait)

	require.Len(t, fs.history, 1)
	assert.Equal(t, domain.EventCompleted, fs.history[0].Event)
	assert.Contains(t, fs.history[0].Metadata, `"processing_time_ms":30000`)
}

func TestRecordJobCompletion_Idempotent(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	start := created.Add(time.Second)
	end := start.Add(time.Second)

	fs := &fakeStore{
		job:     &domain.Job{JobID: "job-1", WorkspaceID: "ws-1", CreatedAt: created},
		applied: false, // already recorded
	}
	svc := testService(fs)

	record, err := svc.RecordJobCompletion(context.Background(), "job-1", start, end)
	require.NoError(t, err)

	// Timings are still reported, but nothing was written twice.
	assert.False(t, record.Applied)
	assert.Empty(t, fs.history)
}

func TestRecordJobCompletion_EndBeforeStart(t *testing.T) {
	fs := &fakeStore{job: &domain.Job{JobID: "job-1"}}
	svc := testService(fs)

	now := time.Now()
	_, err := svc.RecordJobCompletion(context.Background(), "job-1", now, now.Add(-time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precedes start")
	assert.Zero(t, fs.setCalls)
}

func TestRecordJobCompletion_StartBeforeCreationClampsWait(t *testing.T) {
	created := time.Now()
	start := created.Add(-time.Second) // clock skew
	end := start.Add(time.Second)

	fs := &fakeStore{
		job:     &domain.Job{JobID: "job-1", CreatedAt: created},
		applied: true,
	}
	svc := testService(fs)

	record, err := svc.RecordJobCompletion(context.Background(), "job-1", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.QueueWaitTimeMS)
}

func TestRecordJobCompletion_JobNotFound(t *testing.T) {
	fs := &fakeStore{getErr: domain.ErrJobNotFound}
	svc := testService(fs)

	now := time.Now()
	_, err := svc.RecordJobCompletion(context.Background(), "missing", now, now.Add(time.Second))
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestEfficiency(t *testing.T) {
	tests := []struct {
		name       string
		processing time.Duration
		wait       time.Duration
		want       float64
	}{
		{"all processing", time.Second, 0, 100},
		{"equal split", time.Second, time.Second, 50},
		{"mostly waiting", time.Second, 3 * time.Second, 25},
		{"zero total", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Efficiency(tt.processing, tt.wait), 0.01)
		})
	}
}

func TestPerformanceStats(t *testing.T) {
	fs := &fakeStore{
		performance: []store.TypePerformance{
			{
				JobType:         domain.JobTypeMarketplaceSync,
				Total:           10,
				Queued:          1,
				Processing:      1,
				Completed:       6,
				Failed:          2,
				AvgProcessingMS: 1500,
			},
			{
				JobType: domain.JobTypeProductImport,
				Total:   3,
				Queued:  3,
			},
		},
	}
	svc := testService(fs)

	stats, err := svc.PerformanceStats(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	sync := stats[0]
	assert.Equal(t, domain.JobTypeMarketplaceSync, sync.JobType)
	assert.InDelta(t, 75.0, sync.SuccessRate, 0.01)
	assert.InDelta(t, 25.0, sync.FailureRate, 0.01)

	// No finished jobs yet: rates stay at zero instead of dividing by zero.
	imports := stats[1]
	assert.Zero(t, imports.SuccessRate)
	assert.Zero(t, imports.FailureRate)

	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), fs.sinceSeen, time.Minute)
}

func TestThroughputStats(t *testing.T) {
	minute := time.Now().Truncate(time.Minute)
	fs := &fakeStore{
		throughput: []store.ThroughputBucket{
			{Minute: minute.Add(-2 * time.Minute), Completed: 4},
			{Minute: minute.Add(-time.Minute), Completed: 7},
		},
	}
	svc := testService(fs)

	buckets, err := svc.ThroughputStats(context.Background(), "sync-jobs", 2)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(4), buckets[0].Completed)
	assert.Equal(t, "sync-jobs", fs.queueSeen)
}

func TestThroughputStats_DefaultsHours(t *testing.T) {
	fs := &fakeStore{}
	svc := testService(fs)

	_, err := svc.ThroughputStats(context.Background(), "", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), fs.sinceSeen, time.Minute)
}

func TestErrorAnalysis(t *testing.T) {
	fs := &fakeStore{
		failures: []store.FailureGroup{
			{
				ErrorMessage:   "marketplace API returned 500",
				Count:          12,
				LastOccurredAt: time.Now(),
				JobIDs:         []string{"job-1", "job-2"},
			},
		},
	}
	svc := testService(fs)

	groups, err := svc.ErrorAnalysis(context.Background(), "ws-1", 24)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "marketplace API returned 500", groups[0].ErrorMessage)
	assert.Equal(t, int64(12), groups[0].Count)
	assert.Equal(t, []string{"job-1", "job-2"}, groups[0].JobIDs)

	assert.Equal(t, "ws-1", fs.workspaceSeen)
	assert.Equal(t, errorAnalysisLimit, fs.limitSeen)
}

func TestRecordJobCompletion_StoreFailurePropagates(t *testing.T) {
	fs := &fakeStore{
		job:    &domain.Job{JobID: "job-1", CreatedAt: time.Now()},
		setErr: errors.New("connection refused"),
	}
	svc := testService(fs)

	now := time.Now()
	_, err := svc.RecordJobCompletion(context.Background(), "job-1", now, now.Add(time.Second))
	require.Error(t, err)
}
