package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sellgrid/jobcore/internal/domain"
)

// Config holds management API client configuration
type Config struct {
	URL      string // e.g. http://localhost:15672
	User     string
	Password string
	VHost    string
	Timeout  time.Duration
}

// Client talks to the broker's HTTP management API with Basic auth.
// Every accessor degrades gracefully: an unreachable API yields zeroed
// stats with isRunning/isHealthy=false, logged but never propagated, so
// monitoring can never crash its caller.
type Client struct {
	baseURL    string
	user       string
	password   string
	vhost      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new management API client
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}

	return &Client{
		baseURL:    cfg.URL,
		user:       cfg.User,
		password:   cfg.Password,
		vhost:      vhost,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &domain.ManagementAPIError{Endpoint: path, Err: err}
	}
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.ManagementAPIError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.ManagementAPIError{
			Endpoint: path,
			Err:      fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.ManagementAPIError{Endpoint: path, Err: err}
	}

	return nil
}

// queueResponse mirrors GET /api/queues/{vhost}/{queue}
type queueResponse struct {
	Messages     int    `json:"messages"`
	Consumers    int    `json:"consumers"`
	Memory       int64  `json:"memory"`
	State        string `json:"state"`
	MessageStats struct {
		PublishDetails struct {
			Rate float64 `json:"rate"`
		} `json:"publish_details"`
		DeliverGetDetails struct {
			Rate float64 `json:"rate"`
		} `json:"deliver_get_details"`
	} `json:"message_stats"`
}

// GetQueueStats returns a health snapshot for one queue. On API failure the
// snapshot is zeroed with IsRunning=false.
func (c *Client) GetQueueStats(ctx context.Context, queueName string) *domain.QueueHealth {
	snapshot := &domain.QueueHealth{
		QueueName:  queueName,
		RecordedAt: time.Now().UTC(),
	}

	path := fmt.Sprintf("/api/queues/%s/%s", url.PathEscape(c.vhost), url.PathEscape(queueName))

	var resp queueResponse
	if err := c.get(ctx, path, &resp); err != nil {
		c.logger.Warn("Queue stats unavailable, degrading to zeroed snapshot",
			slog.String("queue", queueName),
			slog.Any("error", err),
		)
		return snapshot
	}

	snapshot.Messages = resp.Messages
	snapshot.Consumers = resp.Consumers
	snapshot.MemoryBytes = resp.Memory
	snapshot.MessageRate = resp.MessageStats.PublishDetails.Rate
	snapshot.ConsumeRate = resp.MessageStats.DeliverGetDetails.Rate
	snapshot.IsRunning = resp.State == "running"

	return snapshot
}

// Overview is the node-level broker summary.
type Overview struct {
	Version          string `json:"version"`
	UptimeMS         int64  `json:"uptime_ms"`
	TotalQueues      int    `json:"total_queues"`
	TotalConnections int    `json:"total_connections"`
	MemoryUsed       int64  `json:"memory_used"`
	DiskFree         int64  `json:"disk_free"`
	IsReachable      bool   `json:"is_reachable"`
}

// overviewResponse mirrors GET /api/overview
type overviewResponse struct {
	RabbitMQVersion string `json:"rabbitmq_version"`
	ObjectTotals    struct {
		Queues      int `json:"queues"`
		Connections int `json:"connections"`
	} `json:"object_totals"`
}

// nodeResponse mirrors one element of GET /api/nodes
type nodeResponse struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Uptime   int64  `json:"uptime"`
	MemUsed  int64  `json:"mem_used"`
	DiskFree int64  `json:"disk_free"`
}

// GetOverview combines /api/overview and /api/nodes into one summary.
// Degrades to a zeroed summary with IsReachable=false.
func (c *Client) GetOverview(ctx context.Context) *Overview {
	overview := &Overview{}

	var resp overviewResponse
	if err := c.get(ctx, "/api/overview", &resp); err != nil {
		c.logger.Warn("Broker overview unavailable, degrading to zeroed summary",
			slog.Any("error", err),
		)
		return overview
	}

	overview.IsReachable = true
	overview.Version = resp.RabbitMQVersion
	overview.TotalQueues = resp.ObjectTotals.Queues
	overview.TotalConnections = resp.ObjectTotals.Connections

	var nodes []nodeResponse
	if err := c.get(ctx, "/api/nodes", &nodes); err != nil {
		c.logger.Warn("Broker node stats unavailable",
			slog.Any("error", err),
		)
		return overview
	}

	for _, node := range nodes {
		overview.MemoryUsed += node.MemUsed
		overview.DiskFree += node.DiskFree
		if node.Uptime > overview.UptimeMS {
			overview.UptimeMS = node.Uptime
		}
	}

	return overview
}

// NodeHealth is the running state of one broker node.
type NodeHealth struct {
	Name      string `json:"name"`
	IsRunning bool   `json:"is_running"`
}

// Health is the overall broker health verdict.
type Health struct {
	IsHealthy bool         `json:"is_healthy"`
	Nodes     []NodeHealth `json:"nodes"`
}

// GetOverallHealth reports healthy only if every node is running. An
// unreachable API reports unhealthy without throwing.
func (c *Client) GetOverallHealth(ctx context.Context) *Health {
	var nodes []nodeResponse
	if err := c.get(ctx, "/api/nodes", &nodes); err != nil {
		c.logger.Warn("Broker health unavailable, reporting unhealthy",
			slog.Any("error", err),
		)
		return &Health{IsHealthy: false}
	}

	health := &Health{IsHealthy: len(nodes) > 0}
	for _, node := range nodes {
		health.Nodes = append(health.Nodes, NodeHealth{Name: node.Name, IsRunning: node.Running})
		if !node.Running {
			health.IsHealthy = false
		}
	}

	return health
}

// ConnectionCount returns the number of open broker connections, zero when
// unavailable.
func (c *Client) ConnectionCount(ctx context.Context) int {
	var connections []json.RawMessage
	if err := c.get(ctx, "/api/connections", &connections); err != nil {
		c.logger.Warn("Broker connection stats unavailable", slog.Any("error", err))
		return 0
	}
	return len(connections)
}

// ChannelCount returns the number of open broker channels, zero when
// unavailable.
func (c *Client) ChannelCount(ctx context.Context) int {
	var channels []json.RawMessage
	if err := c.get(ctx, "/api/channels", &channels); err != nil {
		c.logger.Warn("Broker channel stats unavailable", slog.Any("error", err))
		return 0
	}
	return len(channels)
}
