// Command api is the control-plane HTTP surface: manual trigger
// submission, group cancellation and job lookup, for operators and the
// simulator. It sits beside, not inside, the core job-management substrate
// (§1 "Deliberately out of scope": health-check probes), following
// SirClappington-enq's chi-router control-plane shape.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthbridge/extractpipeline/pkg/config"
	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/kvtable/postgres"
	"github.com/healthbridge/extractpipeline/pkg/observability"
	"github.com/healthbridge/extractpipeline/pkg/queue"
	pgschema "github.com/healthbridge/extractpipeline/pkg/schema"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
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

	observability.StartMetricsServer(cfg.MetricsAddr)

	h := &apiHandler{queue: client, orchestratorQT: jobmodel.QueueType(cfg.QueueType), log: logger}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.health)
	r.Post("/v1/jobs/{queueType}", h.enqueue)
	r.Get("/v1/jobs/{queueType}/{id}", h.getJob)
	r.Post("/v1/groups/{queueType}/{groupId}/cancel", h.cancelGroup)

	srv := &http.Server{Addr: cfg.APIAddr, Handler: r}
	go func() {
		logger.Info("api server starting", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type apiHandler struct {
	queue          *queue.Client
	orchestratorQT jobmodel.QueueType
	log            *slog.Logger
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type enqueueRequest struct {
	GroupID     int64    `json:"groupId"`
	Definitions [][]byte `json:"definitions"`
}

type enqueueResponse struct {
	IDs []int64 `json:"ids"`
}

func (h *apiHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	qt, err := parseQueueType(chi.URLParam(r, "queueType"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	infos, err := h.queue.Enqueue(r.Context(), qt, req.GroupID, req.Definitions)
	if err != nil {
		h.log.Error("enqueue failed", "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	ids := make([]int64, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(enqueueResponse{IDs: ids})
}

func (h *apiHandler) getJob(w http.ResponseWriter, r *http.Request) {
	qt, err := parseQueueType(chi.URLParam(r, "queueType"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	info, err := h.queue.GetByID(r.Context(), qt, id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (h *apiHandler) cancelGroup(w http.ResponseWriter, r *http.Request) {
	qt, err := parseQueueType(chi.URLParam(r, "queueType"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid groupId", http.StatusBadRequest)
		return
	}
	if err := h.queue.CancelByGroupID(r.Context(), qt, groupID); err != nil {
		h.log.Error("cancel group failed", "error", err)
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseQueueType(s string) (jobmodel.QueueType, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return jobmodel.QueueType(n), nil
}
