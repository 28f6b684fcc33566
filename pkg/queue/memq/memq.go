// Package memq is an in-memory queue.MessageQueue used by this repository's
// own tests to exercise dequeue/heartbeat/lease-expiry behavior without a
// live RabbitMQ broker or real wall-clock sleeps. Advance moves the fake
// clock forward and redelivers any lease markers that expired, the way the
// production TTL+dead-letter-exchange topology does after heartbeatTimeoutSec.
package memq

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/queue"
)

type pendingLease struct {
	queueType jobmodel.QueueType
	msg       jobmodel.JobMessage
	expiresAt time.Time
}

// Queue is the in-memory MessageQueue fake.
type Queue struct {
	mu      sync.Mutex
	live    map[jobmodel.QueueType][]jobmodel.JobMessage
	leases  []pendingLease
	now     time.Time
	acked   int
	nacked  int
}

// New returns an empty fake queue with its clock at t0.
func New(t0 time.Time) *Queue {
	return &Queue{live: make(map[jobmodel.QueueType][]jobmodel.JobMessage), now: t0}
}

func (q *Queue) Send(ctx context.Context, qt jobmodel.QueueType, msg jobmodel.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.live[qt] = append(q.live[qt], msg)
	return nil
}

func (q *Queue) Receive(ctx context.Context, qt jobmodel.QueueType) (queue.Delivery, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.live[qt]
	if len(msgs) == 0 {
		return queue.Delivery{}, false, nil
	}
	msg := msgs[0]
	q.live[qt] = msgs[1:]
	return queue.Delivery{Message: msg}, true, nil
}

func (q *Queue) Ack(d queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked++
	return nil
}

func (q *Queue) Nack(d queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked++
	qt := queueTypeFromPartitionKey(d.Message.PartitionKey)
	q.live[qt] = append(q.live[qt], d.Message)
	return nil
}

// queueTypeFromPartitionKey recovers the byte a JobMessage's partition key
// was built from (jobmodel.PartitionKey prefixes it as "<queueType>:...").
func queueTypeFromPartitionKey(pk string) jobmodel.QueueType {
	prefix, _, ok := strings.Cut(pk, ":")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(prefix)
	if err != nil {
		return 0
	}
	return jobmodel.QueueType(n)
}

func (q *Queue) ScheduleLease(ctx context.Context, qt jobmodel.QueueType, msg jobmodel.JobMessage, timeoutSec int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.leases = append(q.leases, pendingLease{
		queueType: qt,
		msg:       msg,
		expiresAt: q.now.Add(time.Duration(timeoutSec) * time.Second),
	})
	return nil
}

func (q *Queue) Close() error { return nil }

// Advance moves the fake clock forward by d and redelivers any lease
// markers whose expiry has passed.
func (q *Queue) Advance(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = q.now.Add(d)

	var remaining []pendingLease
	for _, l := range q.leases {
		if !l.expiresAt.After(q.now) {
			q.live[l.queueType] = append(q.live[l.queueType], l.msg)
			continue
		}
		remaining = append(remaining, l)
	}
	q.leases = remaining
}

// Len reports how many messages are currently queued for qt, for test assertions.
func (q *Queue) Len(qt jobmodel.QueueType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live[qt])
}

// Counts reports how many deliveries have been acked/nacked so far, for
// test assertions on discard-vs-redeliver behavior.
func (q *Queue) Counts() (acked, nacked int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked, q.nacked
}
