// Package writer declares the columnar-output capability boundary (§6):
// the production writer lands committed batches as columnar files in
// object storage. Only the interface and an in-memory stand-in live here;
// the production writer is deliberately out of core scope.
package writer

import (
	"context"
	"fmt"
	"sync"

	"github.com/healthbridge/extractpipeline/pkg/upstream"
)

// Sink accepts staged resource batches and commits them idempotently by
// jobId (§1 Non-goals: "at-least-once delivery to the writer with idempotent
// commit by jobId").
type Sink interface {
	// Write stages a batch of resourceType records for jobId. May be called
	// multiple times per jobId across retries; staged data for a jobId that
	// never commits is garbage the writer is free to discard.
	Write(ctx context.Context, jobID string, resourceType string, batch []upstream.Resource) error

	// Commit finalizes everything staged for jobId. Idempotent: committing
	// an already-committed jobId is a no-op, not an error.
	Commit(ctx context.Context, jobID string) error
}

// MemorySink is a minimal in-memory Sink, enough to exercise the C7
// reference handler and C6's aggregation end to end without a live object
// store or columnar encoder.
type MemorySink struct {
	mu        sync.Mutex
	staged    map[string]map[string][]upstream.Resource // jobID -> resourceType -> rows
	committed map[string]map[string][]upstream.Resource
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		staged:    make(map[string]map[string][]upstream.Resource),
		committed: make(map[string]map[string][]upstream.Resource),
	}
}

func (s *MemorySink) Write(ctx context.Context, jobID string, resourceType string, batch []upstream.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.committed[jobID]; ok {
		return nil
	}
	byType, ok := s.staged[jobID]
	if !ok {
		byType = make(map[string][]upstream.Resource)
		s.staged[jobID] = byType
	}
	byType[resourceType] = append(byType[resourceType], batch...)
	return nil
}

func (s *MemorySink) Commit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.committed[jobID]; ok {
		return nil
	}
	s.committed[jobID] = s.staged[jobID]
	delete(s.staged, jobID)
	return nil
}

// Committed returns the committed rows for jobID, by resource type. Used by
// tests to assert on what a reference handler run actually persisted.
func (s *MemorySink) Committed(jobID string) (map[string][]upstream.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.committed[jobID]
	if !ok {
		return nil, fmt.Errorf("writer: jobId %q was never committed", jobID)
	}
	return byType, nil
}
