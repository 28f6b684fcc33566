// Package metadata is the metadata store (C1): trigger leases, the
// scheduler's current-trigger cursor, and per-patient compartment versions,
// all persisted as rows in a kvtable.Table (§3, §5: "the metadata store owns
// CompartmentInfo").
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/kvtable"
)

const (
	triggerPartitionPrefix = "trigger"
	leaseRowKey            = "lease"
	cursorRowKey           = "cursor"
	compartmentPartition   = "compartment"
)

// TriggerLease is the scheduler's single-writer lease (§4.3).
type TriggerLease struct {
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`

	etag string
}

// CurrentTrigger is the scheduler's sliding-window cursor (§3).
//
// CurrentOrchestratorJobID is the in-flight orchestrator job the current
// window belongs to, if any. Persisting it lets a new leader, after taking
// over the trigger lease from a dead or deposed one, resume tracking that
// job instead of blindly computing a fresh window from "now" while the old
// one is still running (§4.3; §4.1 invariant 1: every window processed
// exactly once).
type CurrentTrigger struct {
	NextTriggerSequenceID    int64     `json:"nextTriggerSequenceId"`
	LastCompletedTime        time.Time `json:"lastCompletedTimestamp"`
	CurrentOrchestratorJobID int64     `json:"currentOrchestratorJobId"`

	etag string
}

// CompartmentInfo is a patient's incremental-processing cursor for
// group-scope FHIR extraction (§3).
type CompartmentInfo struct {
	PatientID string `json:"patientId"`
	VersionID string `json:"versionId"`

	etag string
}

// Store wraps a kvtable.Table with typed accessors for the three entity
// kinds this component owns. queueType namespaces the partition the same
// way the queue client namespaces JobInfo (§6).
type Store struct {
	table     kvtable.Table
	queueType byte
}

// New constructs a Store over an existing table.
func New(table kvtable.Table, queueType byte) *Store {
	return &Store{table: table, queueType: queueType}
}

func (s *Store) triggerPartitionKey() string {
	return fmt.Sprintf("%s:%d", triggerPartitionPrefix, s.queueType)
}

// AcquireOrRenewLease attempts to become (or remain) the leader. It
// succeeds if no lease exists, the existing lease has expired, or the
// caller already holds it; it fails (ok=false) if a live lease is held by
// someone else. Guarded by the row's ETag so two concurrent callers cannot
// both believe they acquired it (§4.3: "a lease ... renewed well inside the
// expiry").
func (s *Store) AcquireOrRenewLease(ctx context.Context, holderID string, ttl time.Duration) (*TriggerLease, bool, error) {
	pk := s.triggerPartitionKey()
	now := time.Now().UTC()

	existing, err := s.table.Get(ctx, pk, leaseRowKey)
	if errors.Is(err, kvtable.ErrNotFound) {
		lease := TriggerLease{HolderID: holderID, ExpiresAt: now.Add(ttl)}
		row, err := s.table.Insert(ctx, kvtable.Row{PartitionKey: pk, RowKey: leaseRowKey, Payload: marshalLease(lease)})
		if errors.Is(err, kvtable.ErrAlreadyExists) {
			// Lost the race to create the first lease row; fall through to a
			// normal renew attempt against whatever landed.
			return s.AcquireOrRenewLease(ctx, holderID, ttl)
		}
		if err != nil {
			return nil, false, fmt.Errorf("metadata: insert trigger lease: %w", err)
		}
		lease.etag = row.ETag
		return &lease, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("metadata: get trigger lease: %w", err)
	}

	var lease TriggerLease
	if err := json.Unmarshal(existing.Payload, &lease); err != nil {
		return nil, false, fmt.Errorf("metadata: decode trigger lease: %w", err)
	}
	lease.etag = existing.ETag

	if lease.HolderID != holderID && now.Before(lease.ExpiresAt) {
		return &lease, false, nil
	}

	lease.HolderID = holderID
	lease.ExpiresAt = now.Add(ttl)
	row, err := s.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: leaseRowKey, Payload: marshalLease(lease)}, lease.etag)
	if errors.Is(err, kvtable.ErrETagMismatch) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("metadata: renew trigger lease: %w", err)
	}
	lease.etag = row.ETag
	return &lease, true, nil
}

func marshalLease(l TriggerLease) []byte {
	b, _ := json.Marshal(l)
	return b
}

// GetCurrentTrigger returns the scheduler cursor, or the zero cursor if
// none has ever been written.
func (s *Store) GetCurrentTrigger(ctx context.Context) (*CurrentTrigger, error) {
	row, err := s.table.Get(ctx, s.triggerPartitionKey(), cursorRowKey)
	if errors.Is(err, kvtable.ErrNotFound) {
		return &CurrentTrigger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get current trigger: %w", err)
	}
	var c CurrentTrigger
	if err := json.Unmarshal(row.Payload, &c); err != nil {
		return nil, fmt.Errorf("metadata: decode current trigger: %w", err)
	}
	c.etag = row.ETag
	return &c, nil
}

// AdvanceCurrentTrigger writes a new cursor value, upserting if none
// existed yet and ETag-conditioning the write otherwise so only the lease
// holder that read the current value can advance it.
func (s *Store) AdvanceCurrentTrigger(ctx context.Context, c *CurrentTrigger) error {
	pk := s.triggerPartitionKey()
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("metadata: encode current trigger: %w", err)
	}
	if c.etag == "" {
		row, err := s.table.Insert(ctx, kvtable.Row{PartitionKey: pk, RowKey: cursorRowKey, Payload: payload})
		if err != nil {
			return fmt.Errorf("metadata: insert current trigger: %w", err)
		}
		c.etag = row.ETag
		return nil
	}
	row, err := s.table.Update(ctx, kvtable.Row{PartitionKey: pk, RowKey: cursorRowKey, Payload: payload}, c.etag)
	if err != nil {
		return fmt.Errorf("metadata: update current trigger: %w", err)
	}
	c.etag = row.ETag
	return nil
}

// GetCompartment returns a patient's versionId, or ok=false if never seen.
func (s *Store) GetCompartment(ctx context.Context, patientID string) (*CompartmentInfo, bool, error) {
	row, err := s.table.Get(ctx, compartmentPartition, patientID)
	if errors.Is(err, kvtable.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("metadata: get compartment %q: %w", patientID, err)
	}
	var c CompartmentInfo
	if err := json.Unmarshal(row.Payload, &c); err != nil {
		return nil, false, fmt.Errorf("metadata: decode compartment %q: %w", patientID, err)
	}
	c.etag = row.ETag
	return &c, true, nil
}

// UpsertCompartment records a patient's latest versionId, called by the
// orchestrator after a Group-scope child completes (§4.5: "upsert patient
// versions in the metadata store").
func (s *Store) UpsertCompartment(ctx context.Context, patientID, versionID string) error {
	payload, err := json.Marshal(CompartmentInfo{PatientID: patientID, VersionID: versionID})
	if err != nil {
		return fmt.Errorf("metadata: encode compartment %q: %w", patientID, err)
	}
	_, err = s.table.Insert(ctx, kvtable.Row{PartitionKey: compartmentPartition, RowKey: patientID, Payload: payload})
	if errors.Is(err, kvtable.ErrAlreadyExists) {
		existing, getErr := s.table.Get(ctx, compartmentPartition, patientID)
		if getErr != nil {
			return fmt.Errorf("metadata: refetch compartment %q: %w", patientID, getErr)
		}
		_, err = s.table.Update(ctx, kvtable.Row{PartitionKey: compartmentPartition, RowKey: patientID, Payload: payload}, existing.ETag)
		if errors.Is(err, kvtable.ErrETagMismatch) {
			// Another writer just upserted the same patient; their write wins,
			// ours is redundant since both derive from the same completed child.
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("metadata: upsert compartment %q: %w", patientID, err)
	}
	return nil
}
