package tablestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// sqliteBusyTimeout matches pkg/mddb/sql.go: how long SQLite waits for a
// held lock before returning SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// openSqlite opens the metadata database and applies the same pragma set
// pkg/mddb/sql.go uses: WAL journaling, full fsync durability, a single
// pooled connection (SQLite serializes writers anyway; pooling more than
// one connection only adds lock-contention churn).
func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("tablestore: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tablestore: ping sqlite: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA foreign_keys = ON;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("tablestore: apply pragmas: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tables (
	name            TEXT PRIMARY KEY,
	partition_by    INTEGER NOT NULL,
	symbol_capacity INTEGER NOT NULL,
	row_count       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS columns (
	table_name TEXT NOT NULL REFERENCES tables(name) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	col_type   INTEGER NOT NULL,
	col_index  INTEGER NOT NULL,
	PRIMARY KEY (table_name, name)
);

CREATE TABLE IF NOT EXISTS symbols (
	table_name TEXT NOT NULL REFERENCES tables(name) ON DELETE CASCADE,
	col_index  INTEGER NOT NULL,
	value      TEXT NOT NULL,
	sym_index  INTEGER NOT NULL,
	PRIMARY KEY (table_name, col_index, value)
);
`

func createSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("tablestore: create schema: %w", err)
	}
	return nil
}
