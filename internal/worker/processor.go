package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/queue"
)

// jobRef is the handler-facing view of one in-flight job.
type jobRef struct {
	worker *Worker
	job    *domain.Job
	ctx    context.Context
}

func (r *jobRef) ID() string        { return r.job.JobID }
func (r *jobRef) Workspace() string { return r.job.WorkspaceID }
func (r *jobRef) Attempt() int      { return r.job.Attempts }

// UpdateProgress persists handler progress. Failures are logged, not
// surfaced: progress is advisory and must never fail the job.
func (r *jobRef) UpdateProgress(percent int) {
	if err := r.worker.store.UpdateProgress(r.ctx, r.job.JobID, percent); err != nil {
		r.worker.logger.Warn("Failed to update job progress",
			slog.String("job_id", r.job.JobID),
			slog.Int("percent", percent),
			slog.Any("error", err),
		)
		return
	}

	r.worker.appendHistory(r.ctx, r.job.JobID, r.job.WorkspaceID, domain.EventProgress, "",
		fmt.Sprintf(`{"percent":%d}`, percent))
}

// Cancelled reports the cooperative cancellation flag. Long-running
// handlers poll this between internal steps and abort early.
func (r *jobRef) Cancelled() bool {
	if r.job.CancelRequested {
		return true
	}

	cancelled, err := r.worker.store.IsCancelRequested(r.ctx, r.job.JobID)
	if err != nil {
		r.worker.logger.Warn("Failed to read cancel flag",
			slog.String("job_id", r.job.JobID),
			slog.Any("error", err),
		)
		return false
	}
	return cancelled
}

// processJob drives one delivery through the job state machine:
// queued -> processing -> completed, or processing -> queued (retry with
// backoff while attempts < max_attempts), or processing -> failed
// (terminal, dead-lettered).
//
// Returns nil when the delivery is settled against the store (ack),
// domain.ErrJobAlreadyClaimed for duplicate deliveries (ack and drop), and
// any other error for transient store failures (nack, requeue).
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) error {
	job, err := w.store.ClaimJob(ctx, msg.JobID)
	if err != nil {
		// Duplicate or stale delivery: the job is already processing,
		// completed, or failed. At-least-once delivery makes this normal;
		// the persisted status is what lets us short-circuit here.
		return err
	}

	w.appendHistory(ctx, job.JobID, job.WorkspaceID, domain.EventStarted, "",
		fmt.Sprintf(`{"attempt":%d,"worker_id":%q}`, job.Attempts, w.workerID))

	handler, ok := w.registry.Get(job.JobType)
	if !ok {
		w.logger.Error("No handler registered for job type",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
		)
		// Configuration error, not a business failure: retrying cannot
		// help, so fail terminally regardless of remaining attempts.
		return w.failTerminally(ctx, job, domain.ErrHandlerNotFound.Error())
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	ref := &jobRef{worker: w, job: job, ctx: ctx}
	handlerErr := handler(jobCtx, ref, []byte(job.Payload))

	if handlerErr == nil {
		completed, err := w.store.CompleteJob(ctx, job.JobID)
		if err != nil {
			return fmt.Errorf("failed to mark job completed: %w", err)
		}

		metadata := "{}"
		if completed.ProcessingTimeMS != nil && completed.QueueWaitTimeMS != nil {
			metadata = fmt.Sprintf(`{"processing_time_ms":%d,"queue_wait_time_ms":%d}`,
				*completed.ProcessingTimeMS, *completed.QueueWaitTimeMS)
		}
		w.appendHistory(ctx, job.JobID, job.WorkspaceID, domain.EventCompleted, "", metadata)

		w.logger.Info("Job completed",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
			slog.Int("attempt", job.Attempts),
		)
		return nil
	}

	execErr := &domain.HandlerExecutionError{JobID: job.JobID, JobType: job.JobType, Err: handlerErr}
	w.logger.Error("Job execution failed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.String("error", handlerErr.Error()),
	)

	if job.Attempts < job.MaxAttempts {
		return w.scheduleRetry(ctx, job, execErr)
	}

	return w.failTerminally(ctx, job, execErr.Error())
}

// scheduleRetry moves the job back to queued and re-publishes it after an
// exponential backoff delay. Retry is an explicit state transition with a
// persisted attempts counter, independent of broker redelivery heuristics:
// if this process dies before the delayed publish fires, the
// reconciliation sweep re-publishes the job.
func (w *Worker) scheduleRetry(ctx context.Context, job *domain.Job, execErr error) error {
	if err := w.store.RequeueForRetry(ctx, job.JobID, execErr.Error()); err != nil {
		return fmt.Errorf("failed to requeue job for retry: %w", err)
	}

	delay := Backoff(w.retryBackoffBase, w.retryBackoffMax, job.Attempts)

	w.appendHistory(ctx, job.JobID, job.WorkspaceID, domain.EventRetry, execErr.Error(),
		fmt.Sprintf(`{"attempt":%d,"backoff_ms":%d}`, job.Attempts, delay.Milliseconds()))

	w.logger.Info("Job will be retried",
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("backoff", delay),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			w.republish(context.Background(), job.JobID, job.Domain, job.RoutingKey, job.Priority)
		case <-w.stopChan:
			// The reconciliation sweep re-publishes on restart.
		}
	}()

	return nil
}

// failTerminally marks the job failed, records the failure, and routes the
// job id to the dead-letter queue for postmortem analysis.
func (w *Worker) failTerminally(ctx context.Context, job *domain.Job, errorMsg string) error {
	if _, err := w.store.FailJob(ctx, job.JobID, errorMsg); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	w.appendHistory(ctx, job.JobID, job.WorkspaceID, domain.EventFailed, errorMsg,
		fmt.Sprintf(`{"attempt":%d}`, job.Attempts))

	w.publishDeadLetter(ctx, job.JobID, job.Domain, errorMsg)

	w.logger.Warn("Job failed terminally",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("attempts", job.Attempts),
		slog.String("error", errorMsg),
	)

	return nil
}

// republish publishes the job's delivery notification again and records the
// publish. Used by retries and by the reconciliation/staleness sweeps.
func (w *Worker) republish(ctx context.Context, jobID, jobDomain, routingKey, priority string) {
	body, err := json.Marshal(struct {
		JobID string `json:"job_id"`
	}{JobID: jobID})
	if err != nil {
		w.logger.Error("Failed to marshal job message", slog.Any("error", err))
		return
	}

	exchange := queue.ExchangeName(jobDomain)
	if err := w.publisher.Publish(ctx, exchange, routingKey, queue.PriorityLevel(priority), body); err != nil {
		w.logger.Error("Failed to re-publish job, reconciliation sweep will retry",
			slog.String("job_id", jobID),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return
	}

	if err := w.store.MarkPublished(ctx, jobID); err != nil {
		w.logger.Warn("Failed to record publish timestamp",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// publishDeadLetter routes an exhausted job to its domain DLQ.
func (w *Worker) publishDeadLetter(ctx context.Context, jobID, jobDomain, errorMsg string) {
	body, err := json.Marshal(struct {
		JobID string `json:"job_id"`
		Error string `json:"error"`
	}{JobID: jobID, Error: errorMsg})
	if err != nil {
		w.logger.Error("Failed to marshal dead-letter message", slog.Any("error", err))
		return
	}

	dlq := queue.DLQName(jobDomain)
	if err := w.publisher.Publish(ctx, queue.DLXName, dlq, 0, body); err != nil {
		w.logger.Error("Failed to publish dead-letter message",
			slog.String("job_id", jobID),
			slog.String("dlq", dlq),
			slog.Any("error", err),
		)
	}
}

// appendHistory writes an audit event; history failures never fail the job.
func (w *Worker) appendHistory(ctx context.Context, jobID, workspaceID, event, errorMsg, metadata string) {
	h := &domain.JobHistory{
		JobID:        jobID,
		WorkspaceID:  workspaceID,
		Event:        event,
		ErrorMessage: errorMsg,
		Metadata:     metadata,
	}

	if err := w.store.AppendHistory(ctx, h); err != nil {
		w.logger.Warn("Failed to append job history",
			slog.String("job_id", jobID),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}
