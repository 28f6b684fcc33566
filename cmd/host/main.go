// Command host runs the generic job worker (C3): it registers handlers for
// the orchestrator queue type and the processing queue type and serves both
// out of one fixed-size slot pool, the way the teacher's worker/main.go ran
// one pool per job type but generalized here to queueType-keyed handlers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/healthbridge/extractpipeline/pkg/cache"
	"github.com/healthbridge/extractpipeline/pkg/config"
	"github.com/healthbridge/extractpipeline/pkg/host"
	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/kvtable/postgres"
	"github.com/healthbridge/extractpipeline/pkg/metadata"
	"github.com/healthbridge/extractpipeline/pkg/observability"
	"github.com/healthbridge/extractpipeline/pkg/orchestrator"
	"github.com/healthbridge/extractpipeline/pkg/processingjob"
	"github.com/healthbridge/extractpipeline/pkg/queue"
	pgschema "github.com/healthbridge/extractpipeline/pkg/schema"
	"github.com/healthbridge/extractpipeline/pkg/upstream"
	"github.com/healthbridge/extractpipeline/pkg/writer"
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

	var ridxCache queue.ReverseIndexCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ridxCache = cache.New(rdb, 0)
	}

	client := queue.New(table, mq, ridxCache)
	meta := metadata.New(table, cfg.QueueType)
	up := upstream.NewFHIRClient(cfg.UpstreamBaseURL, nil)
	sink := writer.NewMemorySink()

	orchestratorQT := jobmodel.QueueType(cfg.QueueType)
	processingQT := jobmodel.QueueType(cfg.QueueType + 1)

	h := host.New(client, cfg.WorkerSlots, cfg.HeartbeatTimeoutSec, logger)
	h.Register(orchestratorQT, orchestratorFactory(client, meta, up, sink, cfg, processingQT))
	h.Register(processingQT, processingjob.Factory(up, sink))

	observability.StartMetricsServer(cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, draining workers")
		cancel()
	}()

	logger.Info("host starting", "slots", cfg.WorkerSlots)
	h.Run(ctx)
	logger.Info("host stopped")
}

// orchestratorFactory builds the C6 handler. The orchestrator job's
// definition and result are the opaque bytes the host persists via
// keepAlive/complete; this factory is where that serialization happens.
func orchestratorFactory(client *queue.Client, meta *metadata.Store, up upstream.Client, sink writer.Sink, cfg config.Config, processingQT jobmodel.QueueType) host.Factory {
	return func(job *jobmodel.JobInfo) host.Handler {
		return func(ctx context.Context, job *jobmodel.JobInfo) ([]byte, bool, error) {
			var input jobmodel.OrchestratorJobInputData
			if err := json.Unmarshal(job.Definition, &input); err != nil {
				return nil, true, jobqueueerr.New(jobqueueerr.KindFatal, "decode orchestrator input", err)
			}

			result := jobmodel.NewOrchestratorJobResult()
			if len(job.Result) > 0 {
				if err := json.Unmarshal(job.Result, result); err != nil {
					return nil, true, jobqueueerr.New(jobqueueerr.KindFatal, "decode orchestrator progress", err)
				}
			}

			orchCfg := orchestrator.Config{
				ProcessingQueueType: processingQT,
				MaxInFlight:         cfg.MaxInFlight,
				CheckFrequency:      secToDuration(cfg.CheckFrequencySec),
				PatientsPerJob:      cfg.NumberOfPatientsPerProcessingJob,
				LowBound:            cfg.LowBound,
				HighBound:           cfg.HighBound,
			}
			orch := orchestrator.New(orchCfg, client, meta, up, sink, nil, func(r *jobmodel.OrchestratorJobResult) {
				job.Result, _ = json.Marshal(r)
			})

			final, err := orch.Run(ctx, job.GroupID, input, result)
			payload, merr := json.Marshal(final)
			if merr != nil {
				return nil, true, jobqueueerr.New(jobqueueerr.KindFatal, "marshal orchestrator result", merr)
			}
			if errors.Is(err, orchestrator.ErrChildCancelled) {
				// A child reaching Cancelled propagates to the orchestrator job
				// itself cancelling, not retrying or failing: request our own
				// cancellation so Complete's cancelRequested branch finalizes us
				// as Cancelled instead of Failed.
				if cerr := client.CancelByID(ctx, job.QueueType, job.GroupID, job.ID); cerr != nil {
					return payload, true, cerr
				}
				return payload, false, nil
			}
			if err != nil {
				return payload, false, err
			}
			return payload, false, nil
		}
	}
}

func secToDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
