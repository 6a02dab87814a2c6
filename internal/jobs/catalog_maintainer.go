package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/unifiedcart/aggregator/internal/publisher"
)

// CatalogMaintainer periodically refreshes the Postgres summary view
// and retires listings no platform has reported for the stale window.
// It emits a NATS event when a maintenance cycle completes.
type CatalogMaintainer struct {
	logger     *zap.Logger
	db         DBExecutor // small interface wrapper over pgxpool.Pool
	publisher  *publisher.Publisher
	interval   time.Duration
	staleAfter time.Duration
	stopCh     chan struct{}
}

// DBExecutor defines minimal subset of pgxpool.Pool needed for execution.
type DBExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewCatalogMaintainer constructs a background job that runs periodically.
func NewCatalogMaintainer(logger *zap.Logger, db DBExecutor, pub *publisher.Publisher, interval, staleAfter time.Duration) *CatalogMaintainer {
	if staleAfter <= 0 {
		staleAfter = 7 * 24 * time.Hour
	}
	return &CatalogMaintainer{
		logger:     logger,
		db:         db,
		publisher:  pub,
		interval:   interval,
		staleAfter: staleAfter,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the maintenance loop (typically every 24 h).
func (r *CatalogMaintainer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("catalog_maintainer.started",
		zap.Duration("interval", r.interval),
		zap.Duration("stale_after", r.staleAfter),
	)

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("catalog_maintainer.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("catalog_maintainer.stopped (context canceled)")
			return
		}
	}
}

// Stop gracefully halts the maintainer.
func (r *CatalogMaintainer) Stop() {
	close(r.stopCh)
}

// runOnce executes one maintenance cycle.
func (r *CatalogMaintainer) runOnce(ctx context.Context) {
	start := time.Now()
	r.logger.Info("catalog_maintainer.running")

	// Retire products no source link has refreshed within the window.
	// Soft delete only: history and links stay for re-activation.
	tag, err := r.db.Exec(ctx, fmt.Sprintf(`
		UPDATE catalog.products p
		SET is_active = FALSE, updated_at = NOW()
		WHERE p.is_active
		  AND NOT EXISTS (
			SELECT 1 FROM catalog.source_links l
			WHERE l.product_id = p.id
			  AND l.last_seen > NOW() - INTERVAL '%d seconds'
		  );
	`, int(r.staleAfter.Seconds())))
	if err != nil {
		r.logger.Error("catalog_maintainer.stale_sweep_failed", zap.Error(err))
		return
	}
	retired := tag.RowsAffected()

	if _, err := r.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY catalog.product_summary`); err != nil {
		r.logger.Error("catalog_maintainer.refresh_failed", zap.Error(err))
		return
	}

	// Emit event for downstream analytics systems
	event := map[string]any{
		"event":       "evt.catalog.summary.refreshed.v1",
		"timestamp":   time.Now().UTC(),
		"retired":     retired,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err := r.publisher.Publish(ctx, "evt.catalog.summary.refreshed.v1", event); err != nil {
		r.logger.Warn("catalog_maintainer.nats_publish_failed", zap.Error(err))
	}

	r.logger.Info("catalog_maintainer.success",
		zap.Int64("retired", retired),
		zap.Duration("duration", time.Since(start)))
}
