// Package orchestrator is the orchestrator job (C6): it drives the splitter
// (or a patient-chunk stream for Group scope), enqueues one processing job
// per sub-job, bounds the running pool at maxInFlight, polls for
// completions, and aggregates results into OrchestratorJobResult (§4.5).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/metadata"
	"github.com/healthbridge/extractpipeline/pkg/observability"
	"github.com/healthbridge/extractpipeline/pkg/splitter"
	"github.com/healthbridge/extractpipeline/pkg/upstream"
	"github.com/healthbridge/extractpipeline/pkg/writer"
)

// QueueClient is the subset of queue.Client the orchestrator depends on.
type QueueClient interface {
	Enqueue(ctx context.Context, qt jobmodel.QueueType, groupID int64, definitions [][]byte) ([]*jobmodel.JobInfo, error)
	GetByID(ctx context.Context, qt jobmodel.QueueType, id int64) (*jobmodel.JobInfo, error)
	RepairUnsent(ctx context.Context, qt jobmodel.QueueType, groupID int64) (int, error)
}

// ErrChildCancelled is returned (wrapped) by Run when a child job reaches
// StatusCancelled. Callers must not retry on this error: unlike a failed
// child, a cancelled one will never change state on re-lease, so treating it
// as retriable would poll the same dead child forever. §4.5 calls for
// propagating the cancellation instead; the caller is expected to cancel the
// orchestrator job itself on seeing this error.
var ErrChildCancelled = errors.New("orchestrator: child job cancelled")

// Config parametrizes one orchestrator run.
type Config struct {
	ProcessingQueueType jobmodel.QueueType
	MaxInFlight         int
	CheckFrequency      time.Duration
	PatientsPerJob      int
	LowBound            int64
	HighBound           int64
}

// Orchestrator runs the C6 main loop for one orchestrator job.
type Orchestrator struct {
	cfg   Config
	queue QueueClient
	meta  *metadata.Store
	up    upstream.Client
	sink  writer.Sink
	log   *slog.Logger

	// progress is called after every state change so a host can persist it
	// (§4.5: "Progress ... is reported to the host after every state change").
	progress func(*jobmodel.OrchestratorJobResult)
}

// New constructs an Orchestrator.
func New(cfg Config, queue QueueClient, meta *metadata.Store, up upstream.Client, sink writer.Sink, log *slog.Logger, progress func(*jobmodel.OrchestratorJobResult)) *Orchestrator {
	if log == nil {
		log = observability.NewLogger()
	}
	if progress == nil {
		progress = func(*jobmodel.OrchestratorJobResult) {}
	}
	return &Orchestrator{cfg: cfg, queue: queue, meta: meta, up: up, sink: sink, log: log, progress: progress}
}

// Run executes the main loop described in §4.5. groupID is the orchestrator
// job's own groupId, used as the groupId for every processing job it
// enqueues so cancelByGroupId cascades to children.
func (o *Orchestrator) Run(ctx context.Context, groupID int64, input jobmodel.OrchestratorJobInputData, result *jobmodel.OrchestratorJobResult) (*jobmodel.OrchestratorJobResult, error) {
	if result == nil {
		result = jobmodel.NewOrchestratorJobResult()
	}

	// Resume: repair any child enqueue that crashed between inserting its
	// JobLock and sending its message, then re-poll anything already running,
	// since children may have completed while this orchestrator was
	// un-leased (§4.5 "Resume semantics").
	if repaired, err := o.queue.RepairUnsent(ctx, o.cfg.ProcessingQueueType, groupID); err != nil {
		return result, fmt.Errorf("orchestrator: repair unsent children: %w", err)
	} else if repaired > 0 {
		o.log.Warn("repaired unsent child messages", "group_id", groupID, "count", repaired)
	}
	if err := o.drainCompletions(ctx, groupID, result, false); err != nil {
		return result, err
	}

	switch input.FilterScope {
	case jobmodel.FilterScopeGroup:
		if err := o.runGroupScope(ctx, groupID, input, result); err != nil {
			return result, err
		}
	default:
		if err := o.runSystemScope(ctx, groupID, input, result); err != nil {
			return result, err
		}
	}

	// Drain: poll + sleep until runningJobIds is empty (§4.5 step 3).
	for len(result.RunningJobIDs) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := o.drainCompletions(ctx, groupID, result, true); err != nil {
			return result, err
		}
		if len(result.RunningJobIDs) > 0 {
			if err := sleepOrDone(ctx, o.cfg.CheckFrequency); err != nil {
				return result, err
			}
		}
	}

	now := time.Now().UTC()
	result.CompleteTime = &now
	o.progress(result)
	return result, nil
}

func (o *Orchestrator) runSystemScope(ctx context.Context, groupID int64, input jobmodel.OrchestratorJobInputData, result *jobmodel.OrchestratorJobResult) error {
	sp := splitter.New(o.up, o.cfg.LowBound, o.cfg.HighBound)
	resourceTypes := input.ResourceTypes
	if len(resourceTypes) == 0 {
		resourceTypes = []string{"Patient"}
	}
	sort.Strings(resourceTypes)

	for _, rt := range resourceTypes {
		start := input.DataStartTime
		if ts, ok := result.SubmittedResourceTimestamps[rt]; ok && ts.After(start) {
			start = ts // resume: skip sub-jobs already enqueued (§4.5 "Resume semantics")
		}

		it := splitter.NewIterator(sp, rt, start, input.DataEndTime)
		for {
			sj, ok, err := it.Next(ctx)
			if err != nil {
				return fmt.Errorf("orchestrator: split %s: %w", rt, err)
			}
			if !ok {
				break
			}

			if err := o.waitForCapacity(ctx, groupID, result); err != nil {
				return err
			}

			def := jobmodel.ProcessingJobDefinition{
				ResourceType:  rt,
				FilterScope:   jobmodel.FilterScopeSystem,
				TimeRange:     &jobmodel.TimeRange{Start: sj.Start, End: sj.End},
				Since:         input.Since,
				JobVersion:    input.JobVersion,
			}
			if err := o.enqueueChild(ctx, groupID, result, def); err != nil {
				return err
			}
			result.SubmittedResourceTimestamps[rt] = sj.End
			result.TotalResourceCounts[rt] += sj.ExpectedSize
			o.progress(result)

			if len(result.RunningJobIDs) > o.cfg.MaxInFlight*3/4 {
				if err := o.drainCompletions(ctx, groupID, result, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) runGroupScope(ctx context.Context, groupID int64, input jobmodel.OrchestratorJobInputData, result *jobmodel.OrchestratorJobResult) error {
	patients, err := o.listGroupPatients(ctx, input)
	if err != nil {
		return err
	}

	chunkSize := o.cfg.PatientsPerJob
	if chunkSize <= 0 {
		chunkSize = 100
	}

	for start := result.NextPatientIndex; start < len(patients); start += chunkSize {
		if err := o.waitForCapacity(ctx, groupID, result); err != nil {
			return err
		}

		end := start + chunkSize
		if end > len(patients) {
			end = len(patients)
		}
		chunk := append([]string(nil), patients[start:end]...)

		def := jobmodel.ProcessingJobDefinition{
			FilterScope: jobmodel.FilterScopeGroup,
			PatientIDs:  chunk,
			Since:       input.Since,
			JobVersion:  input.JobVersion,
		}
		if err := o.enqueueChild(ctx, groupID, result, def); err != nil {
			return err
		}
		result.NextPatientIndex = end
		o.progress(result)

		if len(result.RunningJobIDs) > o.cfg.MaxInFlight*3/4 {
			if err := o.drainCompletions(ctx, groupID, result, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// listGroupPatients is a placeholder compartment enumeration: a production
// deployment would source this from the FHIR server's patient-compartment
// list API, which sits outside the upstream.Client boundary this repository
// models. Left unimplemented deliberately rather than guessed.
func (o *Orchestrator) listGroupPatients(ctx context.Context, input jobmodel.OrchestratorJobInputData) ([]string, error) {
	return nil, nil
}

// waitForCapacity blocks (via cooperative polling, not a goroutine pool)
// until runningJobIds is below maxInFlight (§4.5 step 2).
func (o *Orchestrator) waitForCapacity(ctx context.Context, groupID int64, result *jobmodel.OrchestratorJobResult) error {
	for len(result.RunningJobIDs) >= o.cfg.MaxInFlight {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.drainCompletions(ctx, groupID, result, false); err != nil {
			return err
		}
		if len(result.RunningJobIDs) >= o.cfg.MaxInFlight {
			if err := sleepOrDone(ctx, o.cfg.CheckFrequency); err != nil {
				return err
			}
		}
	}
	observability.OrchestratorInFlight.WithLabelValues(formatQT(o.cfg.ProcessingQueueType)).Set(float64(len(result.RunningJobIDs)))
	return nil
}

// enqueueChild enqueues one processing job, incrementing createdJobCount only
// for ids not already in runningJobIds (§4.5: "the orchestrator's bookkeeping
// does not double-count"), and either records it in runningJobIds or, if it
// is already terminal, folds its result in at once.
func (o *Orchestrator) enqueueChild(ctx context.Context, groupID int64, result *jobmodel.OrchestratorJobResult, def jobmodel.ProcessingJobDefinition) error {
	def.ProcessingJobSequenceID = result.CreatedJobCount
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal processing job definition: %w", err)
	}

	infos, err := o.queue.Enqueue(ctx, o.cfg.ProcessingQueueType, groupID, [][]byte{payload})
	if err != nil {
		return fmt.Errorf("orchestrator: enqueue child: %w", err)
	}
	child := infos[0]

	if result.RunningJobIDs[child.ID] {
		return nil
	}
	result.CreatedJobCount++
	observability.OrchestratorChildrenCreated.WithLabelValues(def.ResourceType).Inc()
	if child.Status.IsTerminal() {
		// A child that is already finished (e.g. a duplicate definition
		// resolving to a completed job): count it and fold its result in
		// immediately instead of tracking it as running.
		return o.absorbCompletion(ctx, groupID, result, child)
	}
	result.RunningJobIDs[child.ID] = true
	return nil
}

// drainCompletions polls every running child's status and folds terminal
// ones into result. If block is true and nothing is ready, it waits one
// checkFrequency before returning so callers draining at the end of the run
// don't spin.
func (o *Orchestrator) drainCompletions(ctx context.Context, groupID int64, result *jobmodel.OrchestratorJobResult, block bool) error {
	ids := make([]int64, 0, len(result.RunningJobIDs))
	for id := range result.RunningJobIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	progressed := false
	for _, id := range ids {
		child, err := o.queue.GetByID(ctx, o.cfg.ProcessingQueueType, id)
		if err != nil {
			if jobqueueerr.KindOf(err) == jobqueueerr.KindNotExist {
				delete(result.RunningJobIDs, id) // garbage-collected child; nothing to aggregate
				continue
			}
			return fmt.Errorf("orchestrator: poll child %d: %w", id, err)
		}
		if !child.Status.IsTerminal() {
			continue
		}
		progressed = true
		if err := o.absorbCompletion(ctx, groupID, result, child); err != nil {
			return err
		}
	}
	if progressed {
		o.progress(result)
	}
	if block && !progressed {
		return sleepOrDone(ctx, o.cfg.CheckFrequency)
	}
	return nil
}

// absorbCompletion handles one terminal child per §4.5's completion-polling
// rules.
func (o *Orchestrator) absorbCompletion(ctx context.Context, groupID int64, result *jobmodel.OrchestratorJobResult, child *jobmodel.JobInfo) error {
	delete(result.RunningJobIDs, child.ID)

	switch child.Status {
	case jobmodel.StatusCompleted:
		var cr jobmodel.ProcessingJobResult
		if len(child.Result) > 0 {
			if err := json.Unmarshal(child.Result, &cr); err != nil {
				return fmt.Errorf("orchestrator: decode child %d result: %w", child.ID, err)
			}
		}
		for rt, n := range cr.ResourceCounts {
			result.ProcessedResourceCounts[rt] += n
			result.ProcessedCountInTotal += n
		}
		for rt, n := range cr.SkippedCounts {
			result.SkippedResourceCounts[rt] += n
		}
		result.ProcessedDataSizeInTotal += cr.DataSizeBytes

		if err := o.sink.Commit(ctx, childJobKey(child)); err != nil {
			return fmt.Errorf("orchestrator: commit child %d output: %w", child.ID, err)
		}
		for patientID, versionID := range cr.ProcessedPatientVersions {
			if err := o.meta.UpsertCompartment(ctx, patientID, versionID); err != nil {
				return fmt.Errorf("orchestrator: upsert compartment %q: %w", patientID, err)
			}
		}
		return nil

	case jobmodel.StatusFailed:
		return jobqueueerr.Retriablef("orchestrator: child %d failed; re-lease will resume from persisted progress", child.ID)

	case jobmodel.StatusCancelled:
		return fmt.Errorf("orchestrator: child %d cancelled: %w", child.ID, ErrChildCancelled)

	default:
		return nil
	}
}

func childJobKey(job *jobmodel.JobInfo) string {
	return fmt.Sprintf("%d:%d:%d", job.QueueType, job.GroupID, job.ID)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = 5 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func formatQT(qt jobmodel.QueueType) string {
	return fmt.Sprintf("%d", qt)
}
