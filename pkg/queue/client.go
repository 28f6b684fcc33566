package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/kvtable"
)

const maxDefinitionsPerEnqueue = 50

// maxAllocateRetries bounds the optimistic-concurrency retry loop for
// JobIdCounter allocation (§4.1 step 1).
const maxAllocateRetries = 20

// ReverseIndexCache is implemented by pkg/cache's Redis-backed hint layer.
// A nil cache degrades gracefully to always-miss.
type ReverseIndexCache interface {
	Get(ctx context.Context, qt jobmodel.QueueType, id int64) (partitionKey, rowKey string, ok bool)
	Set(ctx context.Context, qt jobmodel.QueueType, id int64, partitionKey, rowKey string)
}

// Client is the durable job queue (C2): JobInfo/JobLock/JobReverseIndex/
// JobIdCounter bookkeeping on kvtable.Table, plus the visibility-timeout
// MessageQueue.
type Client struct {
	table kvtable.Table
	mq    MessageQueue
	cache ReverseIndexCache
	now   func() time.Time
}

// New constructs a Client. cache may be nil.
func New(table kvtable.Table, mq MessageQueue, cache ReverseIndexCache) *Client {
	return &Client{table: table, mq: mq, cache: cache, now: time.Now}
}

// Enqueue accepts 1..50 definitions and returns one JobInfo per definition,
// idempotently: re-enqueuing an identical (queueType, groupId, definition)
// returns the existing job (§4.1 invariant 1).
func (c *Client) Enqueue(ctx context.Context, qt jobmodel.QueueType, groupID int64, definitions [][]byte) ([]*jobmodel.JobInfo, error) {
	if len(definitions) == 0 {
		return nil, jobqueueerr.Fatalf("enqueue: no definitions given")
	}
	if len(definitions) > maxDefinitionsPerEnqueue {
		return nil, jobqueueerr.Fatalf("enqueue: %d definitions exceeds max %d", len(definitions), maxDefinitionsPerEnqueue)
	}

	ids, err := c.allocateIDs(ctx, qt, len(definitions))
	if err != nil {
		return nil, err
	}

	infos := make([]*jobmodel.JobInfo, len(definitions))
	for i, def := range definitions {
		info, err := c.insertJobInfoAndLock(ctx, qt, groupID, ids[i], def)
		if err != nil {
			return nil, err
		}
		infos[i] = info
	}

	if err := c.insertReverseIndexes(ctx, infos); err != nil {
		return nil, err
	}

	for _, info := range infos {
		if err := c.sendIfUnsent(ctx, info); err != nil {
			return nil, err
		}
	}

	return infos, nil
}

// allocateIDs reads+increments JobIdCounter with optimistic concurrency,
// retrying on conflict up to maxAllocateRetries (§4.1 step 1).
func (c *Client) allocateIDs(ctx context.Context, qt jobmodel.QueueType, n int) ([]int64, error) {
	counter := &jobmodel.JobIdCounter{QueueType: qt}
	pk, rk := counter.PartitionKey(), counter.RowKey()

	for attempt := 0; attempt < maxAllocateRetries; attempt++ {
		row, err := c.table.Get(ctx, pk, rk)
		if errors.Is(err, kvtable.ErrNotFound) {
			payload, merr := marshalCounter(&jobmodel.JobIdCounter{QueueType: qt, NextJobID: int64(n) + 1})
			if merr != nil {
				return nil, jobqueueerr.New(jobqueueerr.KindFatal, "marshal counter", merr)
			}
			if _, err := c.table.Insert(ctx, kvtable.Row{PartitionKey: pk, RowKey: rk, Payload: payload}); err != nil {
				if errors.Is(err, kvtable.ErrAlreadyExists) {
					continue // another writer just created it; retry the read+CAS path
				}
				return nil, jobqueueerr.Retriablef("insert job id counter: %v", err)
			}
			ids := make([]int64, n)
			for i := range ids {
				ids[i] = int64(i) + 1
			}
			return ids, nil
		}
		if err != nil {
			return nil, jobqueueerr.Retriablef("read job id counter: %v", err)
		}

		cur, err := unmarshalCounter(row.Payload)
		if err != nil {
			return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode job id counter", err)
		}
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = cur.NextJobID + int64(i)
		}
		next := &jobmodel.JobIdCounter{QueueType: qt, NextJobID: cur.NextJobID + int64(n)}
		payload, err := marshalCounter(next)
		if err != nil {
			return nil, jobqueueerr.New(jobqueueerr.KindFatal, "marshal counter", err)
		}
		if _, err := c.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: rk, Payload: payload}, row.ETag); err != nil {
			if errors.Is(err, kvtable.ErrETagMismatch) {
				continue // lost the race; retry
			}
			return nil, jobqueueerr.Retriablef("update job id counter: %v", err)
		}
		return ids, nil
	}
	return nil, jobqueueerr.Retriablef("allocate ids: exceeded %d retries", maxAllocateRetries)
}

// insertJobInfoAndLock inserts JobInfo+JobLock as one atomic batch. On a
// duplicate-row conflict it fetches and returns the existing pair instead
// (§4.1 step 2).
func (c *Client) insertJobInfoAndLock(ctx context.Context, qt jobmodel.QueueType, groupID, id int64, definition []byte) (*jobmodel.JobInfo, error) {
	info := &jobmodel.JobInfo{
		ID:         id,
		QueueType:  qt,
		GroupID:    groupID,
		Status:     jobmodel.StatusCreated,
		Definition: definition,
		CreateDate: c.now(),
		Version:    0,
	}
	infoPayload, err := marshalJobInfo(info)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "marshal job info", err)
	}

	lock := &jobmodel.JobLock{DefinitionHash: definitionHash(definition), JobInfoRowKey: info.RowKey()}
	lockPayload, err := marshalJobLock(lock)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "marshal job lock", err)
	}

	pk := info.PartitionKey()
	_, err = c.table.Batch(ctx, []kvtable.Write{
		{Op: kvtable.OpInsert, Row: kvtable.Row{PartitionKey: pk, RowKey: info.RowKey(), Payload: infoPayload}},
		{Op: kvtable.OpInsert, Row: kvtable.Row{PartitionKey: pk, RowKey: lock.RowKey(), Payload: lockPayload}},
	})
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, kvtable.ErrAlreadyExists) {
		return nil, jobqueueerr.Retriablef("insert job info/lock: %v", err)
	}

	// Duplicate: a JobLock for this definition already exists. Fetch the
	// existing JobInfo+JobLock and continue with them — re-enqueue becomes
	// a no-op that returns the existing ids.
	lockRow, err := c.table.Get(ctx, pk, lock.RowKey())
	if err != nil {
		return nil, jobqueueerr.Retriablef("fetch existing job lock: %v", err)
	}
	existingLock, err := unmarshalJobLock(lockRow.Payload)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode existing job lock", err)
	}
	infoRow, err := c.table.Get(ctx, pk, existingLock.JobInfoRowKey)
	if err != nil {
		return nil, jobqueueerr.Retriablef("fetch existing job info: %v", err)
	}
	existingInfo, err := unmarshalJobInfo(infoRow.Payload)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode existing job info", err)
	}
	return existingInfo, nil
}

func (c *Client) insertReverseIndexes(ctx context.Context, infos []*jobmodel.JobInfo) error {
	writes := make([]kvtable.Write, 0, len(infos))
	for _, info := range infos {
		idx := &jobmodel.JobReverseIndex{QueueType: info.QueueType, ID: info.ID, JobInfoPartition: info.PartitionKey(), JobInfoRowKey: info.RowKey()}
		payload, err := marshalReverseIndex(idx)
		if err != nil {
			return jobqueueerr.New(jobqueueerr.KindFatal, "marshal reverse index", err)
		}
		writes = append(writes, kvtable.Write{Op: kvtable.OpInsert, Row: kvtable.Row{PartitionKey: idx.PartitionKey(), RowKey: idx.RowKey(), Payload: payload}})
		if c.cache != nil {
			c.cache.Set(ctx, info.QueueType, info.ID, info.PartitionKey(), info.RowKey())
		}
	}
	// Each reverse index is independent; insert them one at a time and swallow
	// "already exists" per index rather than aborting the whole group,
	// since a partial re-run must be able to resume (§4.1: "no step may
	// destroy earlier state").
	for _, w := range writes {
		if _, err := c.table.Insert(ctx, w.Row); err != nil && !errors.Is(err, kvtable.ErrAlreadyExists) {
			return jobqueueerr.Retriablef("insert reverse index: %v", err)
		}
	}
	return nil
}

// sendIfUnsent sends a message only if this JobLock's messageId is absent,
// then persists (messageId, popReceipt) back to JobLock under its current
// ETag, swallowing a precondition failure from a concurrent writer (§4.1 step 4).
func (c *Client) sendIfUnsent(ctx context.Context, info *jobmodel.JobInfo) error {
	pk := info.PartitionKey()
	lockRowKey := "lock:" + definitionHash(info.Definition)
	lockRow, err := c.table.Get(ctx, pk, lockRowKey)
	if err != nil {
		return jobqueueerr.Retriablef("fetch job lock before send: %v", err)
	}
	lock, err := unmarshalJobLock(lockRow.Payload)
	if err != nil {
		return jobqueueerr.New(jobqueueerr.KindFatal, "decode job lock", err)
	}
	if lock.MessageID != "" {
		return nil
	}

	messageID := uuid.NewString()
	msg := jobmodel.JobMessage{PartitionKey: pk, RowKey: info.RowKey(), LockRowKey: lockRowKey, MessageID: messageID}
	if err := c.mq.Send(ctx, info.QueueType, msg); err != nil {
		return jobqueueerr.Retriablef("send job message: %v", err)
	}

	lock.MessageID = messageID
	lock.PopReceipt = uuid.NewString()
	payload, err := marshalJobLock(lock)
	if err != nil {
		return jobqueueerr.New(jobqueueerr.KindFatal, "marshal job lock", err)
	}
	if _, err := c.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: lockRowKey, Payload: payload}, lockRow.ETag); err != nil {
		if errors.Is(err, kvtable.ErrETagMismatch) {
			return nil // another agent updated first; its send already happened
		}
		return jobqueueerr.Retriablef("persist message id on job lock: %v", err)
	}
	return nil
}

// Dequeue implements §4.1's seven-step dequeue algorithm.
func (c *Client) Dequeue(ctx context.Context, qt jobmodel.QueueType, heartbeatTimeoutSec int) (*jobmodel.JobInfo, error) {
	delivery, ok, err := c.mq.Receive(ctx, qt)
	if err != nil {
		return nil, jobqueueerr.Retriablef("receive message: %v", err)
	}
	if !ok {
		return nil, nil
	}
	msg := delivery.Message

	infoRow, err := c.table.Get(ctx, msg.PartitionKey, msg.RowKey)
	if errors.Is(err, kvtable.ErrNotFound) {
		_ = c.mq.Ack(delivery)
		return nil, jobqueueerr.Fatalf("dequeue: job info %s/%s does not exist", msg.PartitionKey, msg.RowKey)
	}
	if err != nil {
		return nil, jobqueueerr.Retriablef("fetch job info: %v", err)
	}
	lockRow, err := c.table.Get(ctx, msg.PartitionKey, msg.LockRowKey)
	if errors.Is(err, kvtable.ErrNotFound) {
		_ = c.mq.Ack(delivery)
		return nil, jobqueueerr.Fatalf("dequeue: job lock %s/%s does not exist", msg.PartitionKey, msg.LockRowKey)
	}
	if err != nil {
		return nil, jobqueueerr.Retriablef("fetch job lock: %v", err)
	}

	info, err := unmarshalJobInfo(infoRow.Payload)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode job info", err)
	}
	lock, err := unmarshalJobLock(lockRow.Payload)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode job lock", err)
	}

	if info.Status.IsTerminal() {
		_ = c.mq.Ack(delivery)
		return nil, jobqueueerr.NotExistf("dequeue: job %d already %s", info.ID, info.Status)
	}
	if lock.MessageID == "" {
		// Race with enqueue's own send-then-persist step: leave it for the
		// next receive.
		_ = c.mq.Nack(delivery)
		return nil, nil
	}
	if lock.MessageID != msg.MessageID {
		_ = c.mq.Ack(delivery)
		return nil, jobqueueerr.NotExistf("dequeue: stale message for job %d", info.ID)
	}
	if info.Status == jobmodel.StatusRunning && c.now().Before(info.HeartbeatDateTime.Add(time.Duration(info.HeartbeatTimeoutSec)*time.Second)) {
		_ = c.mq.Ack(delivery) // the real timer for the live lease will fire later
		return nil, jobqueueerr.Retriablef("dequeue: job %d lease still live", info.ID)
	}

	info.Status = jobmodel.StatusRunning
	info.Version = c.now().UnixNano()
	info.HeartbeatDateTime = c.now()
	info.HeartbeatTimeoutSec = heartbeatTimeoutSec
	infoPayload, err := marshalJobInfo(info)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "marshal job info", err)
	}

	lock.PopReceipt = uuid.NewString()
	lockPayload, err := marshalJobLock(lock)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "marshal job lock", err)
	}

	if _, err := c.table.Batch(ctx, []kvtable.Write{
		{Op: kvtable.OpUpdate, Row: kvtable.Row{PartitionKey: msg.PartitionKey, RowKey: msg.RowKey, Payload: infoPayload}, ExpectedETag: infoRow.ETag},
		{Op: kvtable.OpUpdate, Row: kvtable.Row{PartitionKey: msg.PartitionKey, RowKey: msg.LockRowKey, Payload: lockPayload}, ExpectedETag: lockRow.ETag},
	}); err != nil {
		if errors.Is(err, kvtable.ErrETagMismatch) {
			_ = c.mq.Nack(delivery)
			return nil, jobqueueerr.Retriablef("dequeue: job %d raced with another writer", info.ID)
		}
		return nil, jobqueueerr.Retriablef("commit dequeue: %v", err)
	}

	if err := c.mq.ScheduleLease(ctx, qt, msg, heartbeatTimeoutSec); err != nil {
		return nil, jobqueueerr.Retriablef("schedule lease: %v", err)
	}
	if err := c.mq.Ack(delivery); err != nil {
		return nil, jobqueueerr.Retriablef("ack delivery: %v", err)
	}

	return info, nil
}

// KeepAlive extends the lease and persists result+heartbeat, returning the
// stored cancelRequested flag (§4.1 keepAlive).
func (c *Client) KeepAlive(ctx context.Context, info *jobmodel.JobInfo, result []byte) (bool, error) {
	pk := info.PartitionKey()
	row, err := c.table.Get(ctx, pk, info.RowKey())
	if errors.Is(err, kvtable.ErrNotFound) {
		return false, jobqueueerr.NotExistf("keepAlive: job %d not found", info.ID)
	}
	if err != nil {
		return false, jobqueueerr.Retriablef("keepAlive: fetch job info: %v", err)
	}
	stored, err := unmarshalJobInfo(row.Payload)
	if err != nil {
		return false, jobqueueerr.New(jobqueueerr.KindFatal, "decode job info", err)
	}
	if stored.Version != info.Version {
		return false, jobqueueerr.NotExistf("keepAlive: job %d version mismatch (have %d, stored %d)", info.ID, info.Version, stored.Version)
	}

	stored.HeartbeatDateTime = c.now()
	stored.Result = result
	payload, err := marshalJobInfo(stored)
	if err != nil {
		return false, jobqueueerr.New(jobqueueerr.KindFatal, "marshal job info", err)
	}
	if _, err := c.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: info.RowKey(), Payload: payload}, row.ETag); err != nil {
		if errors.Is(err, kvtable.ErrETagMismatch) {
			return false, jobqueueerr.NotExistf("keepAlive: job %d raced with another writer", info.ID)
		}
		return false, jobqueueerr.Retriablef("keepAlive: update job info: %v", err)
	}

	lockRowKey := "lock:" + definitionHash(info.Definition)
	lockRow, err := c.table.Get(ctx, pk, lockRowKey)
	if err != nil {
		return false, jobqueueerr.Retriablef("keepAlive: fetch job lock: %v", err)
	}
	lock, err := unmarshalJobLock(lockRow.Payload)
	if err != nil {
		return false, jobqueueerr.New(jobqueueerr.KindFatal, "decode job lock", err)
	}
	msg := jobmodel.JobMessage{PartitionKey: pk, RowKey: info.RowKey(), LockRowKey: lockRowKey, MessageID: lock.MessageID}
	if err := c.mq.ScheduleLease(ctx, info.QueueType, msg, stored.HeartbeatTimeoutSec); err != nil {
		return false, jobqueueerr.Retriablef("keepAlive: schedule lease: %v", err)
	}

	return stored.CancelRequested, nil
}

// Complete finalizes a job per §4.1 complete. requestCancellationOnFailure,
// if the final status is Failed, cancels every other job in the same groupId.
func (c *Client) Complete(ctx context.Context, info *jobmodel.JobInfo, markedFailed bool, requestCancellationOnFailure bool) error {
	pk := info.PartitionKey()
	row, err := c.table.Get(ctx, pk, info.RowKey())
	if errors.Is(err, kvtable.ErrNotFound) {
		return jobqueueerr.NotExistf("complete: job %d not found", info.ID)
	}
	if err != nil {
		return jobqueueerr.Retriablef("complete: fetch job info: %v", err)
	}
	stored, err := unmarshalJobInfo(row.Payload)
	if err != nil {
		return jobqueueerr.New(jobqueueerr.KindFatal, "decode job info", err)
	}
	if stored.Version != info.Version {
		return jobqueueerr.NotExistf("complete: job %d version mismatch", info.ID)
	}

	final := jobmodel.StatusCompleted
	switch {
	case markedFailed:
		final = jobmodel.StatusFailed
	case stored.CancelRequested:
		final = jobmodel.StatusCancelled
	}

	stored.Status = final
	stored.Result = info.Result
	stored.HeartbeatDateTime = c.now()
	payload, err := marshalJobInfo(stored)
	if err != nil {
		return jobqueueerr.New(jobqueueerr.KindFatal, "marshal job info", err)
	}
	if _, err := c.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: info.RowKey(), Payload: payload}, row.ETag); err != nil {
		if errors.Is(err, kvtable.ErrETagMismatch) {
			return jobqueueerr.NotExistf("complete: job %d raced with another writer", info.ID)
		}
		return jobqueueerr.Retriablef("complete: update job info: %v", err)
	}

	// There is no live Delivery to delete here: completion is driven by the
	// job host after the handler returns, independent of the original
	// Receive call. The status flip to terminal is what makes any later
	// redelivered lease marker for this job discardable on sight.

	if requestCancellationOnFailure && final == jobmodel.StatusFailed {
		if err := c.CancelByGroupID(ctx, info.QueueType, info.GroupID); err != nil {
			return fmt.Errorf("complete: cascade cancel group %d: %w", info.GroupID, err)
		}
	}

	return nil
}

// CancelByID sets cancelRequested, moving a Created job straight to
// Cancelled (§4.1 cancelByGroupId/cancelById).
func (c *Client) CancelByID(ctx context.Context, qt jobmodel.QueueType, groupID, id int64) error {
	info := &jobmodel.JobInfo{QueueType: qt, GroupID: groupID, ID: id}
	pk := info.PartitionKey()
	row, err := c.table.Get(ctx, pk, info.RowKey())
	if errors.Is(err, kvtable.ErrNotFound) {
		return jobqueueerr.NotExistf("cancel: job %d not found", id)
	}
	if err != nil {
		return jobqueueerr.Retriablef("cancel: fetch job info: %v", err)
	}
	stored, err := unmarshalJobInfo(row.Payload)
	if err != nil {
		return jobqueueerr.New(jobqueueerr.KindFatal, "decode job info", err)
	}
	if stored.Status.IsTerminal() {
		return nil
	}
	stored.CancelRequested = true
	if stored.Status == jobmodel.StatusCreated {
		stored.Status = jobmodel.StatusCancelled
	}
	payload, err := marshalJobInfo(stored)
	if err != nil {
		return jobqueueerr.New(jobqueueerr.KindFatal, "marshal job info", err)
	}
	if _, err := c.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: info.RowKey(), Payload: payload}, row.ETag); err != nil {
		if errors.Is(err, kvtable.ErrETagMismatch) {
			return jobqueueerr.Retriablef("cancel: job %d raced with another writer", id)
		}
		return jobqueueerr.Retriablef("cancel: update job info: %v", err)
	}
	return nil
}

// RepairUnsent scans groupID's partition for JobLocks whose message was
// never sent — the crash window between insertJobInfoAndLock committing and
// sendIfUnsent persisting a messageId (§4.1: "no step may destroy earlier
// state") — and resends them. This is the relay sweep the teacher's outbox
// publisher ran on a ticker; here the condition it watches for is a stuck
// lock rather than an unpublished outbox row, since enqueue already sends
// inline and only needs a sweeper for the crash case.
func (c *Client) RepairUnsent(ctx context.Context, qt jobmodel.QueueType, groupID int64) (int, error) {
	pk := jobmodel.PartitionKey(qt, groupID)
	rows, err := c.table.Query(ctx, pk, "lock:")
	if err != nil {
		return 0, jobqueueerr.Retriablef("repair unsent: list locks: %v", err)
	}

	repaired := 0
	for _, row := range rows {
		lock, err := unmarshalJobLock(row.Payload)
		if err != nil {
			continue
		}
		if lock.MessageID != "" {
			continue
		}
		infoRow, err := c.table.Get(ctx, pk, lock.JobInfoRowKey)
		if err != nil {
			continue
		}
		info, err := unmarshalJobInfo(infoRow.Payload)
		if err != nil || info.Status.IsTerminal() {
			continue
		}
		if err := c.sendIfUnsent(ctx, info); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// CancelByGroupID cancels every job sharing groupID within queueType.
func (c *Client) CancelByGroupID(ctx context.Context, qt jobmodel.QueueType, groupID int64) error {
	pk := jobmodel.PartitionKey(qt, groupID)
	rows, err := c.table.Query(ctx, pk, "")
	if err != nil {
		return jobqueueerr.Retriablef("cancel group: list partition: %v", err)
	}
	for _, row := range rows {
		if len(row.RowKey) >= 5 && row.RowKey[:5] == "lock:" {
			continue
		}
		info, err := unmarshalJobInfo(row.Payload)
		if err != nil {
			continue // not a JobInfo row (e.g. future row shapes sharing the partition)
		}
		if err := c.CancelByID(ctx, qt, groupID, info.ID); err != nil && !errors.Is(err, jobqueueerr.NotExist) {
			return err
		}
	}
	return nil
}

// GetByID looks up a JobInfo by id via JobReverseIndex, consulting the
// best-effort cache first (§4.1: reverse index "enables O(1) lookup by id").
func (c *Client) GetByID(ctx context.Context, qt jobmodel.QueueType, id int64) (*jobmodel.JobInfo, error) {
	if c.cache != nil {
		if pk, rk, ok := c.cache.Get(ctx, qt, id); ok {
			row, err := c.table.Get(ctx, pk, rk)
			if err == nil {
				return unmarshalJobInfo(row.Payload)
			}
			// Cache was stale; fall through to the authoritative lookup.
		}
	}

	idx := &jobmodel.JobReverseIndex{QueueType: qt, ID: id}
	row, err := c.table.Get(ctx, idx.PartitionKey(), idx.RowKey())
	if errors.Is(err, kvtable.ErrNotFound) {
		return nil, jobqueueerr.NotExistf("job %d not found", id)
	}
	if err != nil {
		return nil, jobqueueerr.Retriablef("lookup reverse index: %v", err)
	}
	ptr, err := unmarshalReverseIndex(row.Payload)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode reverse index", err)
	}
	infoRow, err := c.table.Get(ctx, ptr.JobInfoPartition, ptr.JobInfoRowKey)
	if err != nil {
		return nil, jobqueueerr.Retriablef("fetch job info: %v", err)
	}
	info, err := unmarshalJobInfo(infoRow.Payload)
	if err != nil {
		return nil, jobqueueerr.New(jobqueueerr.KindFatal, "decode job info", err)
	}
	if c.cache != nil {
		c.cache.Set(ctx, qt, id, ptr.JobInfoPartition, ptr.JobInfoRowKey)
	}
	return info, nil
}
