package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/sellgrid/jobcore/internal/config"
	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/handlers"
	"github.com/sellgrid/jobcore/internal/monitor"
	"github.com/sellgrid/jobcore/internal/queue"
	"github.com/sellgrid/jobcore/internal/registry"
	"github.com/sellgrid/jobcore/internal/store"
	"github.com/sellgrid/jobcore/internal/worker"
	"github.com/sellgrid/jobcore/shared/logger"
	"github.com/sellgrid/jobcore/shared/postgresql"
	"github.com/sellgrid/jobcore/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("JOBCORE_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging, "job-worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Apply schema migrations; the worker owns the schema
	if err := store.Migrate(dbClient.GetDB()); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	appLogger.Info("Schema migrations applied")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Declare broker topology; idempotent, so both services do it at start
	if err := queue.Declare(rabbitClient.GetChannel(), domain.Domains(), appLogger.Logger); err != nil {
		return fmt.Errorf("failed to declare queue topology: %w", err)
	}

	jobStore := store.New(dbClient.GetDB(), appLogger.Logger)

	// Register job type handlers
	jobRegistry := registry.New()
	handlers.RegisterAll(jobRegistry, appLogger.Logger)

	appLogger.Info("Job handlers registered",
		slog.Any("job_types", jobRegistry.JobTypes()),
	)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	// Create worker instance
	workerInstance := worker.New(&worker.Config{
		Logger:           appLogger.Logger,
		Store:            jobStore,
		Publisher:        rabbitClient,
		Consumer:         rabbitClient,
		Registry:         jobRegistry,
		WorkerID:         workerID,
		Domains:          domain.Domains(),
		Concurrency:      cfg.Worker.Concurrency,
		PrefetchCount:    cfg.Worker.PrefetchCount,
		JobTimeout:       cfg.Worker.JobTimeout,
		RetryBackoffBase: cfg.Worker.RetryBackoffBase,
		RetryBackoffMax:  cfg.Worker.RetryBackoffMax,
		StaleAfter:       cfg.Worker.StaleAfter,
		SweepInterval:    cfg.Worker.SweepInterval,
		JobTTL:           cfg.Retention.JobTTL,
		HistoryTTL:       cfg.Retention.HistoryTTL,
		HealthTTL:        cfg.Retention.HealthTTL,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker
	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerID),
	)

	// Start queue health monitor if enabled
	if cfg.Monitor.Enabled {
		mgmtClient := monitor.NewClient(&monitor.Config{
			URL:      cfg.Management.URL,
			User:     cfg.Management.User,
			Password: cfg.Management.Password,
			VHost:    cfg.Management.VHost,
			Timeout:  cfg.Management.Timeout,
		}, appLogger.Logger)

		queues := make([]string, 0, len(domain.Domains()))
		for _, d := range domain.Domains() {
			queues = append(queues, queue.QueueName(d))
		}

		healthMonitor := monitor.New(mgmtClient, jobStore, queues, cfg.Monitor.Interval, appLogger.Logger)
		go healthMonitor.Run(ctx)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Cancel context to stop worker and monitor
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		Service:      service,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
