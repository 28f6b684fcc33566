// Package postgres is the production kvtable.Table, storing every row shape
// (JobInfo, JobLock, JobReverseIndex, JobIdCounter, TriggerLease,
// CurrentTrigger, CompartmentInfo) in one generic table, keyed by
// (partition_key, row_key), the way the teacher's pkg/database used a single
// pgxpool.Pool for its jobs table. ETags are synthesized from xmin so
// optimistic-concurrency checks need no extra column bookkeeping.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthbridge/extractpipeline/pkg/kvtable"
)

// Table is a kvtable.Table backed by Postgres via pgx.
type Table struct {
	pool *pgxpool.Pool
}

// New connects to Postgres using the pgxpool configuration conventions the
// teacher's database.New used: parse the DSN, optionally tune MaxConns.
func New(ctx context.Context, dsn string, maxConns int32) (*Table, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Table{pool: pool}, nil
}

// NewFromPool wraps an already-constructed pool, used by tests that set up
// pgxpool directly (e.g. against a test container).
func NewFromPool(pool *pgxpool.Pool) *Table { return &Table{pool: pool} }

func (t *Table) Close() { t.pool.Close() }

const selectRow = `SELECT partition_key, row_key, xmin::text, updated_at, payload FROM kv_rows WHERE partition_key = $1 AND row_key = $2`

func (t *Table) Get(ctx context.Context, partitionKey, rowKey string) (kvtable.Row, error) {
	return scanRow(t.pool.QueryRow(ctx, selectRow, partitionKey, rowKey))
}

func (t *Table) Query(ctx context.Context, partitionKey, rowKeyPrefix string) ([]kvtable.Row, error) {
	rows, err := t.pool.Query(ctx,
		`SELECT partition_key, row_key, xmin::text, updated_at, payload FROM kv_rows
		 WHERE partition_key = $1 AND row_key LIKE $2 || '%' ORDER BY row_key`,
		partitionKey, rowKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("query partition %s: %w", partitionKey, err)
	}
	defer rows.Close()

	var out []kvtable.Row
	for rows.Next() {
		r, err := scanRowFields(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *Table) Insert(ctx context.Context, row kvtable.Row) (kvtable.Row, error) {
	return insertOne(ctx, t.pool, row)
}

func (t *Table) Update(ctx context.Context, row kvtable.Row, expectedETag string) (kvtable.Row, error) {
	return updateOne(ctx, t.pool, row, expectedETag)
}

func (t *Table) Batch(ctx context.Context, writes []kvtable.Write) ([]kvtable.Row, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	out := make([]kvtable.Row, 0, len(writes))
	for _, w := range writes {
		var (
			result kvtable.Row
			err    error
		)
		switch w.Op {
		case kvtable.OpInsert:
			result, err = insertOne(ctx, tx, w.Row)
		case kvtable.OpUpdate:
			result, err = updateOne(ctx, tx, w.Row, w.ExpectedETag)
		default: // OpUpsert
			result, err = upsertOne(ctx, tx, w.Row)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return out, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the single-row
// helpers below work identically inside and outside Batch's transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOne(ctx context.Context, q querier, row kvtable.Row) (kvtable.Row, error) {
	r, err := scanRow(q.QueryRow(ctx,
		`INSERT INTO kv_rows (partition_key, row_key, payload, updated_at) VALUES ($1,$2,$3,now())
		 RETURNING partition_key, row_key, xmin::text, updated_at, payload`,
		row.PartitionKey, row.RowKey, row.Payload))
	if err != nil {
		if isUniqueViolation(err) {
			return kvtable.Row{}, fmt.Errorf("insert %s/%s: %w", row.PartitionKey, row.RowKey, kvtable.ErrAlreadyExists)
		}
		return kvtable.Row{}, err
	}
	return r, nil
}

func updateOne(ctx context.Context, q querier, row kvtable.Row, expectedETag string) (kvtable.Row, error) {
	expected, err := strconv.ParseInt(expectedETag, 10, 64)
	if err != nil {
		return kvtable.Row{}, fmt.Errorf("malformed etag %q: %w", expectedETag, err)
	}
	r, err := scanRow(q.QueryRow(ctx,
		`UPDATE kv_rows SET payload = $3, updated_at = now()
		 WHERE partition_key = $1 AND row_key = $2 AND xmin = $4::xid
		 RETURNING partition_key, row_key, xmin::text, updated_at, payload`,
		row.PartitionKey, row.RowKey, row.Payload, expected))
	if err != nil {
		if errors.Is(err, kvtable.ErrNotFound) {
			// Distinguish "row absent" from "row present but stale etag" with
			// one extra existence check, mirroring the distinction the spec
			// draws between NotExist and ETagMismatch.
			if _, getErr := scanRow(q.QueryRow(ctx, selectRow, row.PartitionKey, row.RowKey)); errors.Is(getErr, kvtable.ErrNotFound) {
				return kvtable.Row{}, kvtable.ErrNotFound
			}
			return kvtable.Row{}, kvtable.ErrETagMismatch
		}
		return kvtable.Row{}, err
	}
	return r, nil
}

func upsertOne(ctx context.Context, q querier, row kvtable.Row) (kvtable.Row, error) {
	return scanRow(q.QueryRow(ctx,
		`INSERT INTO kv_rows (partition_key, row_key, payload, updated_at) VALUES ($1,$2,$3,now())
		 ON CONFLICT (partition_key, row_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
		 RETURNING partition_key, row_key, xmin::text, updated_at, payload`,
		row.PartitionKey, row.RowKey, row.Payload))
}

func scanRow(row pgx.Row) (kvtable.Row, error) {
	var (
		r  kvtable.Row
		ts time.Time
	)
	if err := row.Scan(&r.PartitionKey, &r.RowKey, &r.ETag, &ts, &r.Payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kvtable.Row{}, kvtable.ErrNotFound
		}
		return kvtable.Row{}, err
	}
	r.Timestamp = ts
	return r, nil
}

func scanRowFields(rows pgx.Rows) (kvtable.Row, error) {
	var (
		r  kvtable.Row
		ts time.Time
	)
	if err := rows.Scan(&r.PartitionKey, &r.RowKey, &r.ETag, &ts, &r.Payload); err != nil {
		return kvtable.Row{}, err
	}
	r.Timestamp = ts
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
