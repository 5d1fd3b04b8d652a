package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sellgrid/jobcore/internal/api/dto"
)

// GetQueueStats handles GET /api/v1/queues/:queue/stats
// Returns the waiting/active/completed/failed breakdown from the
// authoritative store.
func (h *JobHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.store.QueueStats(c.Request.Context(), c.Param("queue"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetQueueHealth handles GET /api/v1/queues/:queue/health
// Returns the live broker snapshot plus the latest persisted one.
func (h *JobHandler) GetQueueHealth(c *gin.Context) {
	queueName := c.Param("queue")

	live := h.monitor.GetQueueStats(c.Request.Context(), queueName)

	persisted, err := h.store.LatestQueueHealth(c.Request.Context(), queueName)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queue":         queueName,
		"live":          live,
		"last_snapshot": persisted,
	})
}

// GetBrokerHealth handles GET /api/v1/broker/health
// Healthy only if every broker node reports running; degrades rather than
// erroring when the management API is unreachable.
func (h *JobHandler) GetBrokerHealth(c *gin.Context) {
	health := h.monitor.GetOverallHealth(c.Request.Context())
	overview := h.monitor.GetOverview(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"health":   health,
		"overview": overview,
	})
}

// GetPerformanceStats handles GET /api/v1/metrics/performance
func (h *JobHandler) GetPerformanceStats(c *gin.Context) {
	hours := intQuery(c, "hours", 24)

	stats, err := h.metrics.PerformanceStats(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timeframe_hours": hours,
		"job_types":       stats,
	})
}

// GetThroughputStats handles GET /api/v1/metrics/throughput
func (h *JobHandler) GetThroughputStats(c *gin.Context) {
	hours := intQuery(c, "hours", 1)

	buckets, err := h.metrics.ThroughputStats(c.Request.Context(), c.Query("queue"), hours)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timeframe_hours": hours,
		"buckets":         buckets,
	})
}

// GetErrorAnalysis handles GET /api/v1/metrics/errors
func (h *JobHandler) GetErrorAnalysis(c *gin.Context) {
	hours := intQuery(c, "hours", 24)

	groups, err := h.metrics.ErrorAnalysis(c.Request.Context(), c.Query("workspace_id"), hours)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"timeframe_hours": hours,
		"errors":          groups,
	})
}

// RecordJobCompletion handles POST /api/v1/jobs/:job_id/completion
// Records processing timings for a job; idempotent across repeat calls.
func (h *JobHandler) RecordJobCompletion(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	var req dto.RecordCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "start must be RFC3339",
		})
		return
	}

	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "end must be RFC3339",
		})
		return
	}

	record, err := h.metrics.RecordJobCompletion(c.Request.Context(), jobID, start, end)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// intQuery parses an integer query parameter with a fallback default.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
