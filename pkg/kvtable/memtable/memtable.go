// Package memtable is an in-memory kvtable.Table used by this repository's
// own unit tests to exercise the queue client's invariants (§8) without a
// live Postgres instance. It implements the exact same ETag/batch semantics
// the Postgres-backed implementation does.
package memtable

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/healthbridge/extractpipeline/pkg/kvtable"
)

type key struct {
	partition string
	row       string
}

// Table is a goroutine-safe, in-memory kvtable.Table.
type Table struct {
	mu   sync.Mutex
	rows map[key]kvtable.Row
}

// New returns an empty in-memory table.
func New() *Table {
	return &Table{rows: make(map[key]kvtable.Row)}
}

func (t *Table) Get(_ context.Context, partitionKey, rowKey string) (kvtable.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rows[key{partitionKey, rowKey}]
	if !ok {
		return kvtable.Row{}, kvtable.ErrNotFound
	}
	return r, nil
}

func (t *Table) Query(_ context.Context, partitionKey, rowKeyPrefix string) ([]kvtable.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []kvtable.Row
	for k, r := range t.rows {
		if k.partition != partitionKey {
			continue
		}
		if len(rowKeyPrefix) > 0 && (len(k.row) < len(rowKeyPrefix) || k.row[:len(rowKeyPrefix)] != rowKeyPrefix) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *Table) Insert(_ context.Context, row kvtable.Row) (kvtable.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(row)
}

func (t *Table) insertLocked(row kvtable.Row) (kvtable.Row, error) {
	k := key{row.PartitionKey, row.RowKey}
	if _, ok := t.rows[k]; ok {
		return kvtable.Row{}, kvtable.ErrAlreadyExists
	}
	row.ETag = uuid.NewString()
	t.rows[k] = row
	return row, nil
}

func (t *Table) Update(_ context.Context, row kvtable.Row, expectedETag string) (kvtable.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updateLocked(row, expectedETag)
}

func (t *Table) updateLocked(row kvtable.Row, expectedETag string) (kvtable.Row, error) {
	k := key{row.PartitionKey, row.RowKey}
	existing, ok := t.rows[k]
	if !ok {
		return kvtable.Row{}, kvtable.ErrNotFound
	}
	if existing.ETag != expectedETag {
		return kvtable.Row{}, kvtable.ErrETagMismatch
	}
	row.ETag = uuid.NewString()
	t.rows[k] = row
	return row, nil
}

func (t *Table) Batch(_ context.Context, writes []kvtable.Write) ([]kvtable.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Validate every write against current state before mutating anything,
	// so a conflict aborts the whole batch with no partial effect.
	for _, w := range writes {
		k := key{w.Row.PartitionKey, w.Row.RowKey}
		switch w.Op {
		case kvtable.OpInsert:
			if _, ok := t.rows[k]; ok {
				return nil, fmt.Errorf("batch insert %s/%s: %w", k.partition, k.row, kvtable.ErrAlreadyExists)
			}
		case kvtable.OpUpdate:
			existing, ok := t.rows[k]
			if !ok {
				return nil, fmt.Errorf("batch update %s/%s: %w", k.partition, k.row, kvtable.ErrNotFound)
			}
			if existing.ETag != w.ExpectedETag {
				return nil, fmt.Errorf("batch update %s/%s: %w", k.partition, k.row, kvtable.ErrETagMismatch)
			}
		}
	}

	out := make([]kvtable.Row, 0, len(writes))
	for _, w := range writes {
		var (
			result kvtable.Row
			err    error
		)
		switch w.Op {
		case kvtable.OpInsert:
			result, err = t.insertLocked(w.Row)
		case kvtable.OpUpdate:
			result, err = t.updateLocked(w.Row, w.ExpectedETag)
		default: // OpUpsert
			k := key{w.Row.PartitionKey, w.Row.RowKey}
			row := w.Row
			row.ETag = uuid.NewString()
			t.rows[k] = row
			result, err = row, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}
