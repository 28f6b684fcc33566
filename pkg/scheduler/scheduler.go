// Package scheduler is the scheduler service (C4): a single active leader
// per queueType, enforced by a lease in the metadata store, periodically
// advancing CurrentTrigger and enqueuing orchestrator jobs on a sliding
// time window (§4.3).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/metadata"
	"github.com/healthbridge/extractpipeline/pkg/observability"
)

// QueueClient is the subset of queue.Client the scheduler depends on.
type QueueClient interface {
	Enqueue(ctx context.Context, qt jobmodel.QueueType, groupID int64, definitions [][]byte) ([]*jobmodel.JobInfo, error)
	GetByID(ctx context.Context, qt jobmodel.QueueType, id int64) (*jobmodel.JobInfo, error)
}

// Config parametrizes a Scheduler instance. OrchestratorQueueType is the
// queue type the enqueued orchestrator jobs run under.
type Config struct {
	OrchestratorQueueType jobmodel.QueueType
	FilterScope           jobmodel.FilterScope
	ResourceTypes         []string
	HolderID              string
	LeaseTTL              time.Duration
	WindowLag             time.Duration
	MaxWindow             time.Duration
	InitialIntervalSec    int
	IncrementalIntervalSec int
}

// Scheduler drives the trigger lease and sliding window.
type Scheduler struct {
	cfg      Config
	meta     *metadata.Store
	queue    QueueClient
	log      *slog.Logger
	isLeader bool

	// currentOrchestratorID tracks the orchestrator job this leader last
	// enqueued, so a tick can observe its completion before advancing. It is
	// an in-memory cache of CurrentTrigger.CurrentOrchestratorJobID, the
	// durable copy a new leader reloads after failover.
	currentOrchestratorID int64
}

// New constructs a Scheduler.
func New(cfg Config, meta *metadata.Store, queue QueueClient, log *slog.Logger) *Scheduler {
	if log == nil {
		log = observability.NewLogger()
	}
	return &Scheduler{cfg: cfg, meta: meta, queue: queue, log: log}
}

// Run ticks on IncrementalIntervalSec until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.IncrementalIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil {
			s.log.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick implements §4.3's three steps. Non-leaders only attempt lease
// acquisition and otherwise do nothing (they "poll the lease and take over
// when it expires").
func (s *Scheduler) tick(ctx context.Context) error {
	lease, acquired, err := s.meta.AcquireOrRenewLease(ctx, s.cfg.HolderID, s.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("scheduler: acquire lease: %w", err)
	}
	s.isLeader = acquired
	if !acquired {
		return nil
	}
	_ = lease

	if s.currentOrchestratorID == 0 {
		// Recover tracking of an in-flight orchestrator job across a leader
		// failover or process restart: without this, a freshly-leading
		// Scheduler would skip straight to maybeEnqueueNext and recompute a
		// brand new window from "now" while the previous leader's orchestrator
		// job is still running under a C3 host, producing a second job that
		// covers an overlapping time range (§4.3; §4.1 invariant 1: every
		// window processed exactly once).
		cursor, err := s.meta.GetCurrentTrigger(ctx)
		if err != nil {
			return fmt.Errorf("scheduler: read current trigger: %w", err)
		}
		s.currentOrchestratorID = cursor.CurrentOrchestratorJobID
	}

	if s.currentOrchestratorID != 0 {
		job, err := s.queue.GetByID(ctx, s.cfg.OrchestratorQueueType, s.currentOrchestratorID)
		if err != nil && !errIsNotExist(err) {
			return fmt.Errorf("scheduler: check orchestrator job: %w", err)
		}
		if err == nil && job.Status.IsTerminal() {
			if err := s.closeTerminalOrchestrator(ctx, job); err != nil {
				return err
			}
			s.currentOrchestratorID = 0
		} else {
			// Current orchestrator job still running; nothing else to do this tick.
			return nil
		}
	}

	return s.maybeEnqueueNext(ctx)
}

func (s *Scheduler) closeTerminalOrchestrator(ctx context.Context, job *jobmodel.JobInfo) error {
	var result jobmodel.OrchestratorJobResult
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &result); err != nil {
			return fmt.Errorf("scheduler: decode orchestrator result: %w", err)
		}
	}

	var input jobmodel.OrchestratorJobInputData
	if err := json.Unmarshal(job.Definition, &input); err != nil {
		return fmt.Errorf("scheduler: decode orchestrator input: %w", err)
	}

	cursor, err := s.meta.GetCurrentTrigger(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: read current trigger: %w", err)
	}
	cursor.LastCompletedTime = input.DataEndTime
	cursor.NextTriggerSequenceID = input.TriggerSequenceID + 1
	cursor.CurrentOrchestratorJobID = 0
	if err := s.meta.AdvanceCurrentTrigger(ctx, cursor); err != nil {
		return fmt.Errorf("scheduler: advance current trigger: %w", err)
	}
	s.log.Info("orchestrator job closed", "job_id", job.ID, "status", job.Status, "next_trigger_sequence_id", cursor.NextTriggerSequenceID)
	return nil
}

// maybeEnqueueNext enqueues a new orchestrator job if the configured cadence
// has elapsed since lastCompletedTime (§4.3 step 2).
func (s *Scheduler) maybeEnqueueNext(ctx context.Context) error {
	cursor, err := s.meta.GetCurrentTrigger(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: read current trigger: %w", err)
	}

	now := time.Now().UTC()
	interval := time.Duration(s.cfg.IncrementalIntervalSec) * time.Second
	if cursor.LastCompletedTime.IsZero() {
		interval = time.Duration(s.cfg.InitialIntervalSec) * time.Second
	}
	if !cursor.LastCompletedTime.IsZero() && now.Sub(cursor.LastCompletedTime) < interval {
		return nil
	}

	start := cursor.LastCompletedTime
	maxEnd := now.Add(-s.cfg.WindowLag)
	if !start.IsZero() && s.cfg.MaxWindow > 0 {
		if bounded := start.Add(s.cfg.MaxWindow); bounded.Before(maxEnd) {
			maxEnd = bounded
		}
	}
	if !start.Before(maxEnd) {
		return nil // nothing new to process yet
	}

	input := jobmodel.OrchestratorJobInputData{
		TriggerSequenceID: cursor.NextTriggerSequenceID,
		DataStartTime:     start,
		DataEndTime:       maxEnd,
		Since:             start,
		FilterScope:       s.cfg.FilterScope,
		ResourceTypes:     s.cfg.ResourceTypes,
	}
	definition, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("scheduler: marshal orchestrator input: %w", err)
	}

	groupID := input.TriggerSequenceID
	infos, err := s.queue.Enqueue(ctx, s.cfg.OrchestratorQueueType, groupID, [][]byte{definition})
	if err != nil {
		return fmt.Errorf("scheduler: enqueue orchestrator job: %w", err)
	}
	s.currentOrchestratorID = infos[0].ID

	cursor.CurrentOrchestratorJobID = infos[0].ID
	if err := s.meta.AdvanceCurrentTrigger(ctx, cursor); err != nil {
		return fmt.Errorf("scheduler: persist in-flight orchestrator id: %w", err)
	}

	s.log.Info("orchestrator job enqueued",
		"job_id", infos[0].ID, "trigger_sequence_id", input.TriggerSequenceID,
		"start", input.DataStartTime, "end", input.DataEndTime)
	return nil
}

func errIsNotExist(err error) bool {
	return jobqueueerr.KindOf(err) == jobqueueerr.KindNotExist
}
