package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/unifiedcart/aggregator/internal/api"
	"github.com/unifiedcart/aggregator/internal/consumer"
	"github.com/unifiedcart/aggregator/internal/jobs"
	"github.com/unifiedcart/aggregator/internal/match"
	"github.com/unifiedcart/aggregator/internal/normalize"
	"github.com/unifiedcart/aggregator/internal/pipeline"
	"github.com/unifiedcart/aggregator/internal/publisher"
	"github.com/unifiedcart/aggregator/internal/rate"
	"github.com/unifiedcart/aggregator/internal/store"
	"github.com/unifiedcart/aggregator/internal/stream"
	"github.com/unifiedcart/aggregator/internal/track"
	"github.com/unifiedcart/aggregator/pkg/config"
	"github.com/unifiedcart/aggregator/pkg/eventbus"
	"github.com/unifiedcart/aggregator/pkg/logger"
	"github.com/unifiedcart/aggregator/pkg/model"
	"github.com/unifiedcart/aggregator/pkg/secrets"
	"github.com/unifiedcart/aggregator/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	logg := logger.S()
	logg.Info("starting [aggregator]...")

	// --- Optional: resolve DSN from AWS Secrets Manager ---
	if cfg.DatabaseSecretID != "" {
		awsProvider, err := secrets.NewAWSProvider(cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		provider := secrets.NewCachedProvider(awsProvider, cfg.CacheTTL)
		dsn, err := secrets.ResolveDSN(ctx, provider, cfg.DatabaseSecretID)
		if err != nil {
			logg.Fatalw("failed to resolve database secret", "error", err, "secret_id", cfg.DatabaseSecretID)
		}
		cfg.DatabaseURL = dsn
	}
	logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	// --- Publisher ---
	pub, err := publisher.New(nc, cfg.PriceEventSubject, cfg.AvailabilityEventSubject, cfg.ServiceName)
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, cfg.CacheTTL, logg.Desugar())
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	// Refuse to start against an incompatible schema.
	schemaCtx, cancelSchema := context.WithTimeout(ctx, 5*time.Second)
	if err := st.VerifySchema(schemaCtx); err != nil {
		cancelSchema()
		logg.Fatalw("schema verification failed", "error", err)
	}
	cancelSchema()

	// --- Event bus: tracker events fan out to NATS and dashboards ---
	bus := eventbus.New()
	bus.Subscribe(model.ChangeEvent{}, func(event interface{}) {
		ev, ok := event.(model.ChangeEvent)
		if !ok {
			return
		}
		if err := pub.PublishChangeEvent(ctx, ev); err != nil {
			logg.Warnw("change event publish failed",
				"kind", ev.Kind,
				"product_id", ev.ProductID,
				"error", err)
		}
	})

	hub := stream.NewHub(logger.Named("stream"))
	hub.SubscribeBus(bus)
	go func() {
		logg.Infof("WebSocket stream listening on :%d", cfg.WSPort)
		if err := hub.ListenAndServe(ctx, cfg.WSPort); err != nil {
			logg.Warnw("stream.listen_failed", "error", err)
		}
	}()

	// --- Pipeline ---
	normalizer := normalize.New(normalize.RulesFromConfig(cfg), logger.Named("normalize"))
	matcher := match.New(match.Config{
		HighThreshold: cfg.MatchHighThreshold,
		LowThreshold:  cfg.MatchLowThreshold,
	})
	tracker := track.New(cfg.PriceEpsilon)

	pipe := pipeline.New(st, normalizer, matcher, tracker, bus, logger.Named("pipeline"), pipeline.Config{
		Workers:      cfg.PipelineWorkers,
		MaxAttempts:  cfg.StoreMaxAttempts,
		Backoff:      cfg.StoreRetryBackoff,
		StoreTimeout: cfg.StoreTimeout,
	})
	jobRegistry := pipeline.NewJobRegistry(pipe, cfg.CacheTTL)
	jobRegistry.StartCleaner(ctx)

	// --- RabbitMQ intake ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.IngestRatePerSecond,
		Burst:             cfg.IngestRateBurst,
	})
	cons, err := consumer.New(cfg.AMQPURL, cfg.IngestQueue, pipe, rateMgr, logger.Named("consumer"))
	if err != nil {
		logg.Fatalw("failed to init RabbitMQ consumer", "error", err)
	}
	if err := cons.Start(ctx); err != nil {
		logg.Fatalw("failed to start RabbitMQ consumer", "error", err)
	}

	// --- Catalog maintenance job ---
	maintainer := jobs.NewCatalogMaintainer(
		logger.Named("jobs"),
		st.(*store.HybridStore).PG,
		pub,
		cfg.SummaryRefreshInterval,
		cfg.StaleAfter,
	)
	go maintainer.Start(ctx)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	batchHandler := api.NewBatchHandler(logger.Named("api"), jobRegistry, ctx)
	duplicatesHandler := api.NewDuplicatesHandler(logger.Named("api"), st)
	api.RegisterRoutes(app, nc, st, batchHandler, duplicatesHandler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Main process stays alive until interrupted ---
	logg.Infow("[aggregator] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"workers", cfg.PipelineWorkers,
		"ingest_queue", cfg.IngestQueue)

	<-ctx.Done()
	logg.Info("shutting down [aggregator]...")

	maintainer.Stop()
	if err := cons.Close(); err != nil {
		logg.Warnw("consumer.close_failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	bus.Drain()
	if err := nc.Drain(); err != nil {
		logg.Warnw("nats.drain_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	logger.Sync()
}
