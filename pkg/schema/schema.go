// Package schema bootstraps the kv_rows table with goose, replacing the
// teacher's inline InitSchema string exec with versioned, idempotent
// migrations embedded in the binary.
package schema

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/healthbridge/extractpipeline/migrations"
)

// OpenForMigration opens a database/sql connection against dsn using pgx's
// stdlib driver, for the one-off synchronous MigrateUp call every binary
// makes at startup before handing off to the pgxpool used for normal traffic.
func OpenForMigration(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	return db, nil
}

// MigrateUp applies every pending migration against db.
func MigrateUp(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
