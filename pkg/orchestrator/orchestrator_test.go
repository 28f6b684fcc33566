package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/kvtable/memtable"
	"github.com/healthbridge/extractpipeline/pkg/metadata"
	"github.com/healthbridge/extractpipeline/pkg/orchestrator"
	"github.com/healthbridge/extractpipeline/pkg/upstream"
	"github.com/healthbridge/extractpipeline/pkg/writer"
)

// fakeChildQueue completes every processing job it enqueues immediately,
// with a result reporting one processed resource of the requested type, so
// orchestrator tests never need to wait on a real worker.
type fakeChildQueue struct {
	nextID               int64
	jobs                 map[int64]*jobmodel.JobInfo
	repairCalls          int
	enqueueCount         int
	completeImmediately  bool
}

func newFakeChildQueue() *fakeChildQueue {
	return &fakeChildQueue{jobs: make(map[int64]*jobmodel.JobInfo), completeImmediately: true}
}

func (f *fakeChildQueue) Enqueue(ctx context.Context, qt jobmodel.QueueType, groupID int64, definitions [][]byte) ([]*jobmodel.JobInfo, error) {
	f.enqueueCount++
	var def jobmodel.ProcessingJobDefinition
	if err := json.Unmarshal(definitions[0], &def); err != nil {
		return nil, err
	}

	f.nextID++
	id := f.nextID

	if !f.completeImmediately {
		job := &jobmodel.JobInfo{ID: id, QueueType: qt, GroupID: groupID, Status: jobmodel.StatusRunning}
		f.jobs[id] = job
		return []*jobmodel.JobInfo{job}, nil
	}

	cr := jobmodel.ProcessingJobResult{ResourceCounts: make(map[string]int64)}
	if def.ResourceType != "" {
		cr.ResourceCounts[def.ResourceType] = 1
	}
	if len(def.PatientIDs) > 0 {
		cr.ProcessedPatientVersions = make(map[string]string)
		for _, p := range def.PatientIDs {
			cr.ProcessedPatientVersions[p] = "v1"
		}
	}
	result, err := json.Marshal(cr)
	if err != nil {
		return nil, err
	}

	job := &jobmodel.JobInfo{ID: id, QueueType: qt, GroupID: groupID, Status: jobmodel.StatusCompleted, Result: result}
	f.jobs[id] = job
	return []*jobmodel.JobInfo{job}, nil
}

func (f *fakeChildQueue) GetByID(ctx context.Context, qt jobmodel.QueueType, id int64) (*jobmodel.JobInfo, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, jobqueueerr.NotExistf("job %d not found", id)
	}
	return job, nil
}

func (f *fakeChildQueue) RepairUnsent(ctx context.Context, qt jobmodel.QueueType, groupID int64) (int, error) {
	f.repairCalls++
	return 0, nil
}

// cancellingChildQueue enqueues jobs that come back Cancelled on their very
// first poll, simulating a child killed by a cascade cancel from a failed
// sibling.
type cancellingChildQueue struct {
	nextID int64
	jobs   map[int64]*jobmodel.JobInfo
}

func (f *cancellingChildQueue) Enqueue(ctx context.Context, qt jobmodel.QueueType, groupID int64, definitions [][]byte) ([]*jobmodel.JobInfo, error) {
	if f.jobs == nil {
		f.jobs = make(map[int64]*jobmodel.JobInfo)
	}
	f.nextID++
	id := f.nextID
	job := &jobmodel.JobInfo{ID: id, QueueType: qt, GroupID: groupID, Status: jobmodel.StatusRunning}
	f.jobs[id] = job
	return []*jobmodel.JobInfo{job}, nil
}

func (f *cancellingChildQueue) GetByID(ctx context.Context, qt jobmodel.QueueType, id int64) (*jobmodel.JobInfo, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, jobqueueerr.NotExistf("job %d not found", id)
	}
	job.Status = jobmodel.StatusCancelled
	return job, nil
}

func (f *cancellingChildQueue) RepairUnsent(ctx context.Context, qt jobmodel.QueueType, groupID int64) (int, error) {
	return 0, nil
}

func baseCfg() orchestrator.Config {
	return orchestrator.Config{
		ProcessingQueueType: 2,
		MaxInFlight:         4,
		CheckFrequency:      time.Millisecond,
		LowBound:            50,
		HighBound:           150,
	}
}

func TestRunSystemScopeAggregatesChildResults(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	fake.Seed("Patient", start, end, 1000)

	sink := writer.NewMemorySink()
	meta := metadata.New(memtable.New(), 1)
	fq := newFakeChildQueue()

	var progressCalls int
	o := orchestrator.New(baseCfg(), fq, meta, fake, sink, nil, func(*jobmodel.OrchestratorJobResult) { progressCalls++ })

	input := jobmodel.OrchestratorJobInputData{
		DataStartTime: start,
		DataEndTime:   end,
		FilterScope:   jobmodel.FilterScopeSystem,
		ResourceTypes: []string{"Patient"},
	}

	result, err := o.Run(context.Background(), 1, input, nil)
	require.NoError(t, err)
	require.NotNil(t, result.CompleteTime)
	assert.Empty(t, result.RunningJobIDs)
	assert.Equal(t, fq.enqueueCount, int(result.CreatedJobCount))
	assert.EqualValues(t, result.CreatedJobCount, result.ProcessedResourceCounts["Patient"])
	assert.EqualValues(t, result.CreatedJobCount, result.ProcessedCountInTotal)
	assert.Equal(t, 1, fq.repairCalls)
	assert.Greater(t, progressCalls, 0)

	for id := range fq.jobs {
		key := fmt.Sprintf("%d:%d:%d", 2, 1, id)
		_, err := sink.Committed(key)
		assert.NoError(t, err, "every completed child's output must be committed")
	}
}

func TestRunGroupScopeWithNoPatientsCompletesImmediately(t *testing.T) {
	fake := upstream.NewFake()
	sink := writer.NewMemorySink()
	meta := metadata.New(memtable.New(), 1)
	fq := newFakeChildQueue()

	o := orchestrator.New(baseCfg(), fq, meta, fake, sink, nil, nil)
	input := jobmodel.OrchestratorJobInputData{FilterScope: jobmodel.FilterScopeGroup}

	result, err := o.Run(context.Background(), 1, input, nil)
	require.NoError(t, err)
	require.NotNil(t, result.CompleteTime)
	assert.Zero(t, result.CreatedJobCount, "no patients means no children to enqueue")
}

func TestRunResumesFromPersistedSubmittedTimestamp(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	fake.Seed("Patient", start, end, 10)

	sink := writer.NewMemorySink()
	meta := metadata.New(memtable.New(), 1)
	fq := newFakeChildQueue()
	o := orchestrator.New(baseCfg(), fq, meta, fake, sink, nil, nil)

	resumed := jobmodel.NewOrchestratorJobResult()
	resumed.SubmittedResourceTimestamps["Patient"] = end // everything already submitted

	input := jobmodel.OrchestratorJobInputData{
		DataStartTime: start,
		DataEndTime:   end,
		FilterScope:   jobmodel.FilterScopeSystem,
		ResourceTypes: []string{"Patient"},
	}

	result, err := o.Run(context.Background(), 1, input, resumed)
	require.NoError(t, err)
	assert.Zero(t, fq.enqueueCount, "resuming past the whole window must not re-enqueue any child")
	assert.NotNil(t, result.CompleteTime)
}

func TestRunPropagatesContextCancellationDuringDrain(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	fake.Seed("Patient", start, end, 10)

	sink := writer.NewMemorySink()
	meta := metadata.New(memtable.New(), 1)
	fq := newFakeChildQueue()
	fq.completeImmediately = false // children stay running, so the pool fills up
	cfg := baseCfg()
	cfg.LowBound, cfg.HighBound = 1, 2 // force many small sub-jobs
	cfg.MaxInFlight = 2
	o := orchestrator.New(cfg, fq, meta, fake, sink, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := jobmodel.OrchestratorJobInputData{
		DataStartTime: start,
		DataEndTime:   end,
		FilterScope:   jobmodel.FilterScopeSystem,
		ResourceTypes: []string{"Patient"},
	}
	_, err := o.Run(ctx, 1, input, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunStopsOnCancelledChildInsteadOfLoopingForever(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	fake.Seed("Patient", start, end, 10) // below LowBound: exactly one sub-job

	sink := writer.NewMemorySink()
	meta := metadata.New(memtable.New(), 1)
	fq := &cancellingChildQueue{}
	o := orchestrator.New(baseCfg(), fq, meta, fake, sink, nil, nil)

	input := jobmodel.OrchestratorJobInputData{
		DataStartTime: start,
		DataEndTime:   end,
		FilterScope:   jobmodel.FilterScopeSystem,
		ResourceTypes: []string{"Patient"},
	}

	result, err := o.Run(context.Background(), 1, input, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrChildCancelled, "must return a distinct, non-retriable signal instead of looping")
	assert.NotErrorIs(t, err, jobqueueerr.Retriable, "a cancelled child must never be treated as retriable")
	assert.Empty(t, result.RunningJobIDs, "the cancelled child must be removed from the in-flight set")
	assert.Nil(t, result.CompleteTime, "run must stop before reaching normal completion")
}

func TestRunErrChildCancelledWraps(t *testing.T) {
	wrapped := fmt.Errorf("child %d cancelled: %w", 7, orchestrator.ErrChildCancelled)
	assert.True(t, errors.Is(wrapped, orchestrator.ErrChildCancelled))
}
