// Package host is the generic worker loop (C3): dequeue, construct a
// handler from queueType via the registered factory, run the handler
// alongside a heartbeat timer, and complete or leave the job for a later
// re-lease, the way the teacher's worker/main.go drove handleMessage
// per-delivery but generalized to any job type instead of send_email/export_data.
package host

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/observability"
)

// Handler processes one job. It must treat ctx cancellation as a
// cooperative-cancel signal (§5) and return promptly once ctx is Done.
// result is the job's opaque output; failed=true selects the Failed
// terminal status instead of Completed.
type Handler func(ctx context.Context, job *jobmodel.JobInfo) (result []byte, failed bool, err error)

// Factory builds a Handler for a queueType. Registered once per queueType
// the host is configured to serve.
type Factory func(job *jobmodel.JobInfo) Handler

// QueueClient is the subset of queue.Client the host depends on.
type QueueClient interface {
	Dequeue(ctx context.Context, qt jobmodel.QueueType, heartbeatTimeoutSec int) (*jobmodel.JobInfo, error)
	KeepAlive(ctx context.Context, job *jobmodel.JobInfo, result []byte) (shouldCancel bool, err error)
	Complete(ctx context.Context, job *jobmodel.JobInfo, failed bool, requestCancellationOnFailure bool) error
}

// Host runs a fixed number of worker slots across a set of queue types.
type Host struct {
	queue               QueueClient
	factories           map[jobmodel.QueueType]Factory
	heartbeatTimeoutSec int
	slots               int
	log                 *slog.Logger
}

// New constructs a Host. Register factories with Register before Run.
func New(q QueueClient, slots, heartbeatTimeoutSec int, log *slog.Logger) *Host {
	if log == nil {
		log = observability.NewLogger()
	}
	return &Host{
		queue:               q,
		factories:           make(map[jobmodel.QueueType]Factory),
		heartbeatTimeoutSec: heartbeatTimeoutSec,
		slots:               slots,
		log:                 log,
	}
}

// Register associates a queueType with the Factory that builds its handler.
func (h *Host) Register(qt jobmodel.QueueType, f Factory) {
	h.factories[qt] = f
}

// Run starts the configured number of worker slots, each polling every
// registered queueType, until ctx is cancelled.
func (h *Host) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < h.slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			h.runSlot(ctx, slot)
		}(i)
	}
	wg.Wait()
}

func (h *Host) runSlot(ctx context.Context, slot int) {
	log := h.log.With("slot", slot)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		progressed := false
		for qt, factory := range h.factories {
			job, err := h.queue.Dequeue(ctx, qt, h.heartbeatTimeoutSec)
			if err != nil {
				if !jobqueueerr.IsRetriable(err) {
					log.Debug("dequeue signal", "queue_type", qt, "error", err)
				}
				continue
			}
			if job == nil {
				continue
			}
			progressed = true
			observability.JobsDequeued.WithLabelValues(formatQT(qt)).Inc()
			h.runJob(ctx, log, factory(job), job)
		}

		if !progressed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// runJob runs the handler and a heartbeat timer in parallel, the way §4.2
// specifies: heartbeat cadence is ~1/3 of heartbeatTimeoutSec, and a
// shouldCancel response propagates as ctx cancellation into the handler.
func (h *Host) runJob(parent context.Context, log *slog.Logger, handler Handler, job *jobmodel.JobInfo) {
	jobLog := observability.WithJob(log, byte(job.QueueType), job.GroupID, job.ID)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	type outcome struct {
		result []byte
		failed bool
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, failed, err := handler(ctx, job)
		done <- outcome{result, failed, err}
	}()

	interval := time.Duration(h.heartbeatTimeoutSec) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var out outcome
	for {
		select {
		case out = <-done:
			goto finished
		case <-ticker.C:
			shouldCancel, err := h.queue.KeepAlive(parent, job, job.Result)
			if err != nil {
				if jobqueueerr.KindOf(err) == jobqueueerr.KindNotExist {
					jobLog.Warn("lease lost during heartbeat; abandoning", "error", err)
					observability.JobLeaseLost.WithLabelValues(formatQT(job.QueueType)).Inc()
					cancel()
					<-done // let the handler observe ctx.Done and return
					return
				}
				jobLog.Warn("heartbeat failed", "error", err)
				continue
			}
			if shouldCancel {
				cancel()
			}
		}
	}

finished:
	if out.err != nil {
		if jobqueueerr.KindOf(out.err) == jobqueueerr.KindRetriable {
			jobLog.Info("handler requested retry; leaving job running for re-lease", "error", out.err)
			return
		}
		jobLog.Error("handler failed fatally", "error", out.err)
		out.failed = true
	}

	job.Result = out.result
	if err := h.queue.Complete(parent, job, out.failed, true); err != nil {
		if jobqueueerr.KindOf(err) != jobqueueerr.KindNotExist {
			jobLog.Error("complete failed", "error", err)
		} else {
			observability.JobLeaseLost.WithLabelValues(formatQT(job.QueueType)).Inc()
		}
		return
	}
	status := "completed"
	if out.failed {
		status = "failed"
	}
	observability.JobsCompleted.WithLabelValues(formatQT(job.QueueType), status).Inc()
}

func formatQT(qt jobmodel.QueueType) string {
	return strconv.Itoa(int(qt))
}
