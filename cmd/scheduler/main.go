// Command scheduler runs the scheduler service (C4): a single active
// leader per queueType advancing the sliding time window and enqueuing
// orchestrator jobs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthbridge/extractpipeline/pkg/config"
	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/kvtable/postgres"
	"github.com/healthbridge/extractpipeline/pkg/metadata"
	"github.com/healthbridge/extractpipeline/pkg/observability"
	"github.com/healthbridge/extractpipeline/pkg/queue"
	pgschema "github.com/healthbridge/extractpipeline/pkg/schema"
	"github.com/healthbridge/extractpipeline/pkg/scheduler"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	db, err := pgschema.OpenForMigration(cfg.PostgresDSN)
	if err != nil {
		logger.Error("failed to open migration connection", "error", err)
		os.Exit(1)
	}
	if err := pgschema.MigrateUp(db); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	db.Close()

	table := postgres.NewFromPool(pool)

	mq, err := queue.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	client := queue.New(table, mq, nil)
	meta := metadata.New(table, cfg.QueueType)

	holderID := cfg.InstanceID
	if holderID == "" {
		holderID = uuid.NewString()
	}

	schedCfg := scheduler.Config{
		OrchestratorQueueType: jobmodel.QueueType(cfg.QueueType),
		FilterScope:           jobmodel.FilterScopeSystem,
		ResourceTypes:         []string{"Patient", "Observation", "Condition"},
		HolderID:              holderID,
		LeaseTTL:              time.Duration(cfg.IncrementalOrchestrationIntervalSec) * time.Second * 3,
		WindowLag:             cfg.WindowLag,
		MaxWindow:             cfg.MaxWindow,
		InitialIntervalSec:    cfg.InitialOrchestrationIntervalSec,
		IncrementalIntervalSec: cfg.IncrementalOrchestrationIntervalSec,
	}
	s := scheduler.New(schedCfg, meta, client, logger)

	observability.StartMetricsServer(cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("scheduler starting", "holder_id", holderID)
	s.Run(ctx)
	logger.Info("scheduler stopped")
}
