package dto

import "encoding/json"

type EnqueueJobRequest struct {
	JobType     string          `json:"job_type" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	Priority    string          `json:"priority"`
	WorkspaceID string          `json:"workspace_id" binding:"required"`
	UserID      string          `json:"user_id"`
	ParentJobID string          `json:"parent_job_id"`
	MaxAttempts int             `json:"max_attempts"`
}

type EnqueueJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	WorkspaceID string `form:"workspace_id" binding:"required"`
	QueueName   string `form:"queue"`
	JobType     string `form:"job_type"`
	Status      string `form:"status"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID            string          `json:"job_id"`
	JobType          string          `json:"job_type"`
	QueueName        string          `json:"queue_name"`
	RoutingKey       string          `json:"routing_key"`
	WorkspaceID      string          `json:"workspace_id"`
	UserID           string          `json:"user_id,omitempty"`
	ParentJobID      string          `json:"parent_job_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	Priority         string          `json:"priority"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        string          `json:"created_at"`
	ProcessedOn      string          `json:"processed_on,omitempty"`
	CompletedAt      string          `json:"completed_at,omitempty"`
	ProcessingTimeMS *int64          `json:"processing_time_ms,omitempty"`
	QueueWaitTimeMS  *int64          `json:"queue_wait_time_ms,omitempty"`
}

type JobHistoryDTO struct {
	Event      string          `json:"event"`
	Error      string          `json:"error,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
	RecordedAt string          `json:"recorded_at"`
}

type RecordCompletionRequest struct {
	Start string `json:"start" binding:"required"`
	End   string `json:"end" binding:"required"`
}
