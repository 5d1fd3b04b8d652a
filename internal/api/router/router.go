package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sellgrid/jobcore/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "jobcore-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a new job
			jobs.POST("", jobHandler.EnqueueJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/history - Get the job event log
			jobs.GET("/:job_id/history", jobHandler.GetJobHistory)

			// POST /api/v1/jobs/:job_id/cancel - Request cooperative cancellation
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/jobs/:job_id/completion - Record processing timings
			jobs.POST("/:job_id/completion", jobHandler.RecordJobCompletion)
		}

		queues := v1.Group("/queues")
		{
			// GET /api/v1/queues/:queue/stats - Status breakdown from the store
			queues.GET("/:queue/stats", jobHandler.GetQueueStats)

			// GET /api/v1/queues/:queue/health - Broker-side queue health
			queues.GET("/:queue/health", jobHandler.GetQueueHealth)
		}

		// GET /api/v1/broker/health - Cluster-wide broker health
		v1.GET("/broker/health", jobHandler.GetBrokerHealth)

		metrics := v1.Group("/metrics")
		{
			// GET /api/v1/metrics/performance - Per-type performance stats
			metrics.GET("/performance", jobHandler.GetPerformanceStats)

			// GET /api/v1/metrics/throughput - Completions per minute
			metrics.GET("/throughput", jobHandler.GetThroughputStats)

			// GET /api/v1/metrics/errors - Failure modes ranked by frequency
			metrics.GET("/errors", jobHandler.GetErrorAnalysis)
		}
	}

	return r
}
