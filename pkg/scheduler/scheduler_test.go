package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/kvtable/memtable"
	"github.com/healthbridge/extractpipeline/pkg/metadata"
)

type fakeQueueClient struct {
	nextID       int64
	jobs         map[int64]*jobmodel.JobInfo
	enqueueCalls int
}

func newFakeQueueClient() *fakeQueueClient {
	return &fakeQueueClient{jobs: make(map[int64]*jobmodel.JobInfo)}
}

func (f *fakeQueueClient) Enqueue(ctx context.Context, qt jobmodel.QueueType, groupID int64, definitions [][]byte) ([]*jobmodel.JobInfo, error) {
	f.enqueueCalls++
	f.nextID++
	info := &jobmodel.JobInfo{ID: f.nextID, QueueType: qt, GroupID: groupID, Status: jobmodel.StatusCreated, Definition: definitions[0]}
	f.jobs[info.ID] = info
	return []*jobmodel.JobInfo{info}, nil
}

func (f *fakeQueueClient) GetByID(ctx context.Context, qt jobmodel.QueueType, id int64) (*jobmodel.JobInfo, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, jobqueueerr.NotExistf("job %d not found", id)
	}
	return job, nil
}

func baseConfig() Config {
	return Config{
		OrchestratorQueueType:  1,
		FilterScope:            jobmodel.FilterScopeSystem,
		ResourceTypes:          []string{"Patient"},
		HolderID:               "host-a",
		LeaseTTL:               time.Minute,
		WindowLag:              0,
		IncrementalIntervalSec: 3600,
		InitialIntervalSec:     0,
	}
}

func TestTickEnqueuesWhenIdle(t *testing.T) {
	fq := newFakeQueueClient()
	meta := metadata.New(memtable.New(), 1)
	s := New(baseConfig(), meta, fq, nil)

	require.NoError(t, s.tick(context.Background()))
	assert.Equal(t, 1, fq.enqueueCalls)
	assert.NotZero(t, s.currentOrchestratorID)
}

func TestTickSkipsWhileOrchestratorRunning(t *testing.T) {
	fq := newFakeQueueClient()
	meta := metadata.New(memtable.New(), 1)
	s := New(baseConfig(), meta, fq, nil)
	ctx := context.Background()

	require.NoError(t, s.tick(ctx))
	firstID := s.currentOrchestratorID
	require.NoError(t, s.tick(ctx)) // job is still Created, non-terminal

	assert.Equal(t, 1, fq.enqueueCalls, "a running orchestrator job must not be re-enqueued")
	assert.Equal(t, firstID, s.currentOrchestratorID)
}

func TestTickClosesTerminalOrchestratorAndAdvancesCursor(t *testing.T) {
	fq := newFakeQueueClient()
	meta := metadata.New(memtable.New(), 1)
	s := New(baseConfig(), meta, fq, nil)
	ctx := context.Background()

	require.NoError(t, s.tick(ctx))
	firstID := s.currentOrchestratorID

	var input jobmodel.OrchestratorJobInputData
	require.NoError(t, json.Unmarshal(fq.jobs[firstID].Definition, &input))

	fq.jobs[firstID].Status = jobmodel.StatusCompleted
	require.NoError(t, s.tick(ctx))

	assert.Zero(t, s.currentOrchestratorID, "closing the orchestrator job must clear the tracked id")

	cursor, err := meta.GetCurrentTrigger(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, input.TriggerSequenceID+1, cursor.NextTriggerSequenceID)
	assert.True(t, cursor.LastCompletedTime.Equal(input.DataEndTime))
}

func TestTickResumesInFlightOrchestratorAfterFailover(t *testing.T) {
	fq := newFakeQueueClient()
	table := memtable.New()
	meta := metadata.New(table, 1)
	ctx := context.Background()

	cfg1 := baseConfig()
	cfg1.LeaseTTL = -time.Minute // already expired by the time anyone else looks, simulating a crashed leader
	deposed := New(cfg1, meta, fq, nil)
	require.NoError(t, deposed.tick(ctx))
	firstID := deposed.currentOrchestratorID
	require.NotZero(t, firstID)

	// A brand new Scheduler instance, as if the deposed leader crashed and a
	// different process took over the lease; it starts with no in-memory
	// currentOrchestratorID at all.
	cfg2 := baseConfig()
	cfg2.HolderID = "host-b"
	successor := New(cfg2, meta, fq, nil)
	require.Zero(t, successor.currentOrchestratorID)

	require.NoError(t, successor.tick(ctx))

	assert.Equal(t, firstID, successor.currentOrchestratorID, "must resume tracking the still-running job instead of starting blind")
	assert.Equal(t, 1, fq.enqueueCalls, "must not enqueue a second, overlapping orchestrator job while the first is still in flight")

	// Finishing out the scenario: once that job completes, the successor
	// (now the leader) closes it, clearing the tracked id both in memory and
	// in the persisted cursor.
	fq.jobs[firstID].Status = jobmodel.StatusCompleted
	require.NoError(t, successor.tick(ctx))
	assert.Zero(t, successor.currentOrchestratorID)
	assert.Equal(t, 1, fq.enqueueCalls, "cadence gating defers the next window; still only one enqueue total")

	cursor, err := meta.GetCurrentTrigger(ctx)
	require.NoError(t, err)
	assert.Zero(t, cursor.CurrentOrchestratorJobID, "closing the orchestrator job must clear the persisted in-flight id too")
}

func TestMaybeEnqueueNextPersistsInFlightOrchestratorID(t *testing.T) {
	fq := newFakeQueueClient()
	meta := metadata.New(memtable.New(), 1)
	s := New(baseConfig(), meta, fq, nil)
	ctx := context.Background()

	require.NoError(t, s.tick(ctx))

	cursor, err := meta.GetCurrentTrigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.currentOrchestratorID, cursor.CurrentOrchestratorJobID)
}

func TestOnlyLeaderEnqueues(t *testing.T) {
	fq := newFakeQueueClient()
	table := memtable.New()
	meta := metadata.New(table, 1)
	ctx := context.Background()

	leader := New(baseConfig(), meta, fq, nil)
	require.NoError(t, leader.tick(ctx))
	assert.Equal(t, 1, fq.enqueueCalls)

	cfg2 := baseConfig()
	cfg2.HolderID = "host-b"
	follower := New(cfg2, meta, fq, nil)
	require.NoError(t, follower.tick(ctx))
	assert.Equal(t, 1, fq.enqueueCalls, "a non-leader must never enqueue")
	assert.False(t, follower.isLeader)
}
