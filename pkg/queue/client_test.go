package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/kvtable/memtable"
	"github.com/healthbridge/extractpipeline/pkg/queue"
	"github.com/healthbridge/extractpipeline/pkg/queue/memq"
)

const testQT = jobmodel.QueueType(1)

func newClient() (*queue.Client, *memq.Queue) {
	mq := memq.New(time.Unix(0, 0).UTC())
	return queue.New(memtable.New(), mq, nil), mq
}

func TestEnqueueIsIdempotentForIdenticalDefinition(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()
	def := []byte(`{"a":1}`)

	first, err := c.Enqueue(ctx, testQT, 1, [][]byte{def})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.Enqueue(ctx, testQT, 1, [][]byte{def})
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestEnqueueDifferentDefinitionsGetDifferentIDs(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()

	infos, err := c.Enqueue(ctx, testQT, 1, [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.NotEqual(t, infos[0].ID, infos[1].ID)
}

func TestEnqueueRejectsEmptyAndOversizedBatches(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()

	_, err := c.Enqueue(ctx, testQT, 1, nil)
	assert.Equal(t, jobqueueerr.KindFatal, jobqueueerr.KindOf(err))

	defs := make([][]byte, 51)
	for i := range defs {
		defs[i] = []byte{byte(i)}
	}
	_, err = c.Enqueue(ctx, testQT, 1, defs)
	assert.Equal(t, jobqueueerr.KindFatal, jobqueueerr.KindOf(err))
}

func TestDequeueRunsThroughCompleteLifecycle(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()

	_, err := c.Enqueue(ctx, testQT, 1, [][]byte{[]byte(`{"a":1}`)})
	require.NoError(t, err)

	leased, err := c.Dequeue(ctx, testQT, 30)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, jobmodel.StatusRunning, leased.Status)

	cancelRequested, err := c.KeepAlive(ctx, leased, []byte(`{"progress":1}`))
	require.NoError(t, err)
	assert.False(t, cancelRequested)

	leased.Result = []byte(`{"done":true}`)
	require.NoError(t, c.Complete(ctx, leased, false, false))

	got, err := c.GetByID(ctx, testQT, leased.ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusCompleted, got.Status)
	assert.Equal(t, []byte(`{"done":true}`), got.Result)
}

func TestDequeueEmptyQueueReturnsNilWithoutError(t *testing.T) {
	c, _ := newClient()
	info, err := c.Dequeue(context.Background(), testQT, 30)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestCompleteAfterVersionChangeIsNotExist(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()
	_, err := c.Enqueue(ctx, testQT, 1, [][]byte{[]byte(`{"a":1}`)})
	require.NoError(t, err)

	leased, err := c.Dequeue(ctx, testQT, 30)
	require.NoError(t, err)

	stale := *leased
	stale.Version = leased.Version - 1
	err = c.Complete(ctx, &stale, false, false)
	assert.True(t, jobqueueerr.KindOf(err) == jobqueueerr.KindNotExist)
}

func TestCancelByIDOnCreatedJobGoesStraightToCancelled(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()
	infos, err := c.Enqueue(ctx, testQT, 1, [][]byte{[]byte(`{"a":1}`)})
	require.NoError(t, err)

	require.NoError(t, c.CancelByID(ctx, testQT, 1, infos[0].ID))

	got, err := c.GetByID(ctx, testQT, infos[0].ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusCancelled, got.Status)
}

func TestCancelByIDOnRunningJobSetsCancelRequestedOnly(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()
	infos, err := c.Enqueue(ctx, testQT, 1, [][]byte{[]byte(`{"a":1}`)})
	require.NoError(t, err)

	leased, err := c.Dequeue(ctx, testQT, 30)
	require.NoError(t, err)
	require.NoError(t, c.CancelByID(ctx, testQT, 1, infos[0].ID))

	cancelRequested, err := c.KeepAlive(ctx, leased, nil)
	require.NoError(t, err)
	assert.True(t, cancelRequested)

	require.NoError(t, c.Complete(ctx, leased, false, false))
	got, err := c.GetByID(ctx, testQT, infos[0].ID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StatusCancelled, got.Status)
}

func TestCancelByGroupIDCancelsEveryJobInGroup(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()
	infos, err := c.Enqueue(ctx, testQT, 7, [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)})
	require.NoError(t, err)

	require.NoError(t, c.CancelByGroupID(ctx, testQT, 7))

	for _, info := range infos {
		got, err := c.GetByID(ctx, testQT, info.ID)
		require.NoError(t, err)
		assert.Equal(t, jobmodel.StatusCancelled, got.Status)
	}
}

func TestCompleteCascadesCancelOnFailureWhenRequested(t *testing.T) {
	c, _ := newClient()
	ctx := context.Background()
	infos, err := c.Enqueue(ctx, testQT, 5, [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)})
	require.NoError(t, err)

	leased, err := c.Dequeue(ctx, testQT, 30)
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, leased, true, true))

	for _, info := range infos {
		got, err := c.GetByID(ctx, testQT, info.ID)
		require.NoError(t, err)
		assert.True(t, got.Status == jobmodel.StatusFailed || got.Status == jobmodel.StatusCancelled)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	c, _ := newClient()
	_, err := c.GetByID(context.Background(), testQT, 999)
	assert.Equal(t, jobqueueerr.KindNotExist, jobqueueerr.KindOf(err))
}

func TestDequeueNoRedeliveryBeforeLeaseExpiry(t *testing.T) {
	c, mq := newClient()
	ctx := context.Background()
	_, err := c.Enqueue(ctx, testQT, 1, [][]byte{[]byte(`{"a":1}`)})
	require.NoError(t, err)

	leased, err := c.Dequeue(ctx, testQT, 30)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, 0, mq.Len(testQT))

	// Advancing short of the lease timeout must not redeliver.
	mq.Advance(10 * time.Second)
	assert.Equal(t, 0, mq.Len(testQT))
}
