package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellgrid/jobcore/internal/domain"
	"github.com/sellgrid/jobcore/internal/registry"
)

// RegisterAll wires the built-in job type handlers into the registry.
func RegisterAll(r *registry.Registry, logger *slog.Logger) {
	registry.RegisterDefinition(r, &registry.Definition[domain.MarketplaceSyncPayload]{
		JobType: domain.JobTypeMarketplaceSync,
		Handler: (&marketplaceSyncHandler{logger: logger}).Handle,
	})

	registry.RegisterDefinition(r, &registry.Definition[domain.BulkProductUpdatePayload]{
		JobType: domain.JobTypeBulkProductUpdate,
		Handler: (&bulkProductUpdateHandler{logger: logger}).Handle,
	})

	registry.RegisterDefinition(r, &registry.Definition[domain.ProductImportPayload]{
		JobType: domain.JobTypeProductImport,
		Handler: (&productImportHandler{logger: logger}).Handle,
	})

	registry.RegisterDefinition(r, &registry.Definition[domain.AIOptimizationScanPayload]{
		JobType: domain.JobTypeAIOptimizationScan,
		Handler: (&aiOptimizationScanHandler{logger: logger}).Handle,
	})
}

// marketplaceSyncHandler synchronizes listings with an external marketplace.
type marketplaceSyncHandler struct {
	logger *slog.Logger
}

func (h *marketplaceSyncHandler) Handle(ctx context.Context, job registry.Job, payload domain.MarketplaceSyncPayload) error {
	h.logger.Info("Marketplace sync started",
		slog.String("job_id", job.ID()),
		slog.String("marketplace", payload.Marketplace),
		slog.String("sync_scope", payload.SyncScope),
	)

	// Sync proceeds in phases; the cancel flag is checked between them so a
	// long full sync can be abandoned without leaving half-written state.
	phases := []string{"fetch_remote", "diff", "push_changes", "verify"}
	for i, phase := range phases {
		if job.Cancelled() {
			return fmt.Errorf("sync canceled during %s", phase)
		}

		if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
			return err
		}

		job.UpdateProgress((i + 1) * 100 / len(phases))
	}

	return nil
}

// bulkProductUpdateHandler applies field updates across a product batch.
type bulkProductUpdateHandler struct {
	logger *slog.Logger
}

func (h *bulkProductUpdateHandler) Handle(ctx context.Context, job registry.Job, payload domain.BulkProductUpdatePayload) error {
	h.logger.Info("Bulk product update started",
		slog.String("job_id", job.ID()),
		slog.Int("product_count", len(payload.ProductIDs)),
		slog.Int("field_count", len(payload.Fields)),
	)

	for i := range payload.ProductIDs {
		if job.Cancelled() {
			return fmt.Errorf("update canceled after %d of %d products", i, len(payload.ProductIDs))
		}

		if err := sleepCtx(ctx, 10*time.Millisecond); err != nil {
			return err
		}

		job.UpdateProgress((i + 1) * 100 / len(payload.ProductIDs))
	}

	return nil
}

// productImportHandler imports products from an external source file.
type productImportHandler struct {
	logger *slog.Logger
}

func (h *productImportHandler) Handle(ctx context.Context, job registry.Job, payload domain.ProductImportPayload) error {
	h.logger.Info("Product import started",
		slog.String("job_id", job.ID()),
		slog.String("source_url", payload.SourceURL),
		slog.String("format", payload.Format),
	)

	if job.Cancelled() {
		return fmt.Errorf("import canceled before download")
	}

	if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	job.UpdateProgress(50)

	if job.Cancelled() {
		return fmt.Errorf("import canceled before ingest")
	}

	if err := sleepCtx(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	job.UpdateProgress(100)

	return nil
}

// aiOptimizationScanHandler scans listings for optimization opportunities.
type aiOptimizationScanHandler struct {
	logger *slog.Logger
}

func (h *aiOptimizationScanHandler) Handle(ctx context.Context, job registry.Job, payload domain.AIOptimizationScanPayload) error {
	h.logger.Info("AI optimization scan started",
		slog.String("job_id", job.ID()),
		slog.String("target", payload.Target),
		slog.Int("product_count", len(payload.ProductIDs)),
	)

	batches := len(payload.ProductIDs)/10 + 1
	for i := 0; i < batches; i++ {
		if job.Cancelled() {
			return fmt.Errorf("scan canceled after %d of %d batches", i, batches)
		}

		if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
			return err
		}

		job.UpdateProgress((i + 1) * 100 / batches)
	}

	return nil
}

// sleepCtx waits for d or until the context is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
