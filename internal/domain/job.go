package domain

import "time"

// Job status values. Transitions are monotonic:
// queued -> processing -> completed|failed, with processing -> queued
// allowed while attempts < max_attempts (retry).
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job priority labels. Mapped to AMQP message priorities by the queue package.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Job domains. Each domain owns one topic exchange and one work queue.
const (
	DomainSync     = "sync"
	DomainProducts = "products"
	DomainAI       = "ai"
)

// Job types.
const (
	JobTypeMarketplaceSync    = "marketplace_sync"
	JobTypeBulkProductUpdate  = "bulk_product_update"
	JobTypeProductImport      = "product_import"
	JobTypeAIOptimizationScan = "ai_optimization_scan"
)

// History event values.
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventRetry     = "retry"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRollback  = "rollback"
)

// jobTypeDomains maps each job type to the domain whose exchange carries it.
var jobTypeDomains = map[string]string{
	JobTypeMarketplaceSync:    DomainSync,
	JobTypeBulkProductUpdate:  DomainProducts,
	JobTypeProductImport:      DomainProducts,
	JobTypeAIOptimizationScan: DomainAI,
}

// DomainForJobType returns the domain a job type belongs to.
func DomainForJobType(jobType string) (string, bool) {
	d, ok := jobTypeDomains[jobType]
	return d, ok
}

// Domains returns all job domains.
func Domains() []string {
	return []string{DomainSync, DomainProducts, DomainAI}
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority label.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Job is a unit of asynchronous work. The jobs table is the single source
// of truth for status; the broker is transport only.
type Job struct {
	JobID            string     `db:"job_id"`
	JobType          string     `db:"job_type"`
	Domain           string     `db:"domain"`
	QueueName        string     `db:"queue_name"`
	RoutingKey       string     `db:"routing_key"`
	WorkspaceID      string     `db:"workspace_id"`
	UserID           string     `db:"user_id"`
	ParentJobID      string     `db:"parent_job_id"`
	Payload          string     `db:"payload"` // JSON document
	Status           string     `db:"status"`
	Progress         int        `db:"progress"`
	Attempts         int        `db:"attempts"`
	MaxAttempts      int        `db:"max_attempts"`
	Priority         string     `db:"priority"`
	ErrorMessage     string     `db:"error_message"`
	CancelRequested  bool       `db:"cancel_requested"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	PublishedAt      *time.Time `db:"published_at"`
	ProcessedOn      *time.Time `db:"processed_on"`
	CompletedAt      *time.Time `db:"completed_at"`
	LastHeartbeatAt  *time.Time `db:"last_heartbeat_at"`
	ProcessingTimeMS *int64     `db:"processing_time_ms"`
	QueueWaitTimeMS  *int64     `db:"queue_wait_time_ms"`
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobHistory is an append-only per-job event log entry.
type JobHistory struct {
	ID           int64     `db:"id"`
	JobID        string    `db:"job_id"`
	WorkspaceID  string    `db:"workspace_id"`
	Event        string    `db:"event"`
	ErrorMessage string    `db:"error_message"`
	Metadata     string    `db:"metadata"` // JSON document
	RecordedAt   time.Time `db:"recorded_at"`
}

// QueueHealth is a periodic per-queue broker snapshot, written only by the
// health monitor. Independent of Job entities.
type QueueHealth struct {
	ID          int64     `db:"id" json:"-"`
	QueueName   string    `db:"queue_name" json:"queue_name"`
	Messages    int       `db:"messages" json:"messages"`
	Consumers   int       `db:"consumers" json:"consumers"`
	MessageRate float64   `db:"message_rate" json:"message_rate"`
	ConsumeRate float64   `db:"consume_rate" json:"consume_rate"`
	MemoryBytes int64     `db:"memory_bytes" json:"memory_bytes"`
	IsRunning   bool      `db:"is_running" json:"is_running"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
}

// QueueStats is the per-queue status breakdown read by ops dashboards.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total returns the sum over all statuses.
func (s QueueStats) Total() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed
}
