package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Job is the view of the running job a handler gets to see. Handlers signal
// progress through UpdateProgress and are expected to poll Cancelled between
// internal steps: cancellation is cooperative, never forced.
type Job interface {
	ID() string
	Workspace() string
	Attempt() int
	UpdateProgress(percent int)
	Cancelled() bool
}

// HandlerFunc is a type-erased job handler that accepts the raw JSON
// payload. Handlers must be idempotent: delivery is at-least-once, so the
// same job may be invoked more than once.
type HandlerFunc func(ctx context.Context, job Job, payload []byte) error

// Registry maps job types to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates an empty handler registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Definition binds a job type to a typed handler.
type Definition[T any] struct {
	JobType string
	Handler func(ctx context.Context, job Job, payload T) error
}

// RegisterDefinition registers a typed job definition. The typed handler is
// wrapped in a closure that JSON-unmarshals the payload into T first.
//
// Package-level generic function because Go does not allow generic methods
// on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, job Job, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for job type %q: %w", def.JobType, err)
			}
		}
		return def.Handler(ctx, job, t)
	}

	r.Register(def.JobType, handler)
}

// Register registers a type-erased handler for a job type.
func (r *Registry) Register(jobType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Get returns the handler for the given job type.
// Returns false if no handler is registered.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// JobTypes returns all registered job types.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	return types
}
