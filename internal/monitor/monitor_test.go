package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellgrid/jobcore/internal/domain"
)

type fakeHealthStore struct {
	mu        sync.Mutex
	insertErr error
	snapshots []domain.QueueHealth
}

func (s *fakeHealthStore) InsertQueueHealth(ctx context.Context, h *domain.QueueHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.snapshots = append(s.snapshots, *h)
	return nil
}

func (s *fakeHealthStore) all() []domain.QueueHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.QueueHealth(nil), s.snapshots...)
}

func TestMonitor_SnapshotPersistsEveryQueue(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"messages":  5,
			"consumers": 1,
			"state":     "running",
		})
	}))

	store := &fakeHealthStore{}
	m := New(client, store, []string{"sync-jobs", "products-jobs", "ai-jobs"}, time.Minute, slog.New(slog.DiscardHandler))

	m.snapshot(context.Background())

	snapshots := store.all()
	require.Len(t, snapshots, 3)
	queues := []string{snapshots[0].QueueName, snapshots[1].QueueName, snapshots[2].QueueName}
	assert.ElementsMatch(t, []string{"sync-jobs", "products-jobs", "ai-jobs"}, queues)
	for _, s := range snapshots {
		assert.Equal(t, 5, s.Messages)
		assert.True(t, s.IsRunning)
	}
}

func TestMonitor_SnapshotDegradedBrokerStillPersists(t *testing.T) {
	client := NewClient(&Config{
		URL:     "http://127.0.0.1:1",
		Timeout: 100 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	store := &fakeHealthStore{}
	m := New(client, store, []string{"sync-jobs"}, time.Minute, slog.New(slog.DiscardHandler))

	m.snapshot(context.Background())

	// An unreachable broker still yields a zeroed snapshot row so the trend
	// data records the outage.
	snapshots := store.all()
	require.Len(t, snapshots, 1)
	assert.False(t, snapshots[0].IsRunning)
	assert.Zero(t, snapshots[0].Messages)
}

func TestMonitor_SnapshotStoreFailureDoesNotPanic(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"state": "running"})
	}))

	store := &fakeHealthStore{insertErr: errors.New("connection refused")}
	m := New(client, store, []string{"sync-jobs"}, time.Minute, slog.New(slog.DiscardHandler))

	assert.NotPanics(t, func() {
		m.snapshot(context.Background())
	})
}

func TestMonitor_RunStopsOnContextCancel(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"state": "running"})
	}))

	store := &fakeHealthStore{}
	m := New(client, store, []string{"sync-jobs"}, 10*time.Millisecond, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Immediate snapshot plus at least one tick.
	require.Eventually(t, func() bool {
		return len(store.all()) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
}
