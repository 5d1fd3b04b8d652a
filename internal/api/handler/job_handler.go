package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sellgrid/jobcore/internal/api/dto"
	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/producer"
	"github.com/sellgrid/jobcore/internal/store"
)

// EnqueueJob handles POST /api/v1/jobs
// Validates the payload, persists the job, and publishes it for execution.
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.producer.Enqueue(c.Request.Context(), req.JobType, req.Payload, producer.Options{
		Priority:    req.Priority,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ParentJobID: req.ParentJobID,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueJobResponse{
		JobID:  job.JobID,
		Status: job.Status,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the authoritative job state for status polling.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), c.Query("queue"), jobID, c.Query("workspace_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// GetJobHistory handles GET /api/v1/jobs/:job_id/history
// Returns the append-only event log for postmortem analysis.
func (h *JobHandler) GetJobHistory(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	events, err := h.store.ListHistory(c.Request.Context(), jobID, c.Query("workspace_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	history := make([]dto.JobHistoryDTO, len(events))
	for i, e := range events {
		history[i] = dto.JobHistoryDTO{
			Event:      e.Event,
			Error:      e.ErrorMessage,
			Metadata:   json.RawMessage(e.Metadata),
			RecordedAt: e.RecordedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":  jobID,
		"history": history,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs scoped to one workspace with filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := store.JobFilter{
		WorkspaceID: req.WorkspaceID,
		QueueName:   req.QueueName,
		JobType:     req.JobType,
		Status:      req.Status,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = jobToDTO(&job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		cursorObj := store.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Flags a queued or processing job for cooperative cancellation. Handlers
// observe the flag between steps; there is no hard cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if err := h.store.RequestCancel(c.Request.Context(), jobID, c.Query("workspace_id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": "cancellation_requested",
	})
}

// jobToDTO converts a stored job into its API representation.
func jobToDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:            job.JobID,
		JobType:          job.JobType,
		QueueName:        job.QueueName,
		RoutingKey:       job.RoutingKey,
		WorkspaceID:      job.WorkspaceID,
		UserID:           job.UserID,
		ParentJobID:      job.ParentJobID,
		Payload:          json.RawMessage(job.Payload),
		Status:           job.Status,
		Progress:         job.Progress,
		Attempts:         job.Attempts,
		MaxAttempts:      job.MaxAttempts,
		Priority:         job.Priority,
		Error:            job.ErrorMessage,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		ProcessingTimeMS: job.ProcessingTimeMS,
		QueueWaitTimeMS:  job.QueueWaitTimeMS,
	}

	if job.ProcessedOn != nil {
		d.ProcessedOn = job.ProcessedOn.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}

	return d
}
