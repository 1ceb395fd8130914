// Package tablestore is the reference implementation of facade.CatalogFacade
// and facade.WriterHandle (spec §6, §11.1): table/column metadata lives in
// SQLite (go-sqlite3, WAL-mode), column data lives in raw <col>.d/<col>.i/
// <col>.top files written through facade.FileIO, and the per-table metadata
// snapshot used to recover row counts after a crash is rewritten atomically
// with github.com/natefinch/atomic.
//
// Adapted from pkg/mddb: same SQLite-as-index/files-as-source-of-truth
// split, the same single-open-writer-per-name invariant, re-targeted from
// markdown documents with YAML frontmatter to tables of typed columns with
// append-only row storage.
package tablestore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	natefinchatomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

// Store implements facade.CatalogFacade.
type Store struct {
	dataDir string
	db      *sql.DB
	io      facade.FileIO

	mu      sync.RWMutex
	writers map[string]*writerHandle
}

// Open opens (creating if needed) the metadata database under dataDir and
// returns a ready Store.
func Open(ctx context.Context, dataDir string, io facade.FileIO) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("tablestore: create data dir: %w", err)
	}

	db, err := openSqlite(ctx, filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		return nil, err
	}

	return &Store{
		dataDir: dataDir,
		db:      db,
		io:      io,
		writers: make(map[string]*writerHandle),
	}, nil
}

// Close closes the metadata database. Open writer handles are not closed;
// callers must close them first.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetStatus(ctx context.Context, name string) (facade.TableStatus, error) {
	var rowCount int64
	err := s.db.QueryRowContext(ctx, `SELECT row_count FROM tables WHERE name = ?`, name).Scan(&rowCount)
	if err == sql.ErrNoRows {
		return facade.StatusDoesNotExist, nil
	}
	if err != nil {
		return facade.StatusDoesNotExist, wrapErr("GetStatus", name, err)
	}
	return facade.StatusExists, nil
}

func (s *Store) CreateTable(ctx context.Context, schema facade.TableSchema) error {
	if schema.Name == "" {
		return wrapErr("CreateTable", schema.Name, fmt.Errorf("table name is empty"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("CreateTable", schema.Name, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tables(name, partition_by, symbol_capacity, row_count) VALUES (?, ?, ?, 0)`,
		schema.Name, int(schema.PartitionBy), schema.SymbolCapacity)
	if err != nil {
		if isUniqueViolation(err) {
			return wrapErr("CreateTable", schema.Name, ErrAlreadyExists)
		}
		return wrapErr("CreateTable", schema.Name, err)
	}

	for i, col := range schema.Columns {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO columns(table_name, name, col_type, col_index) VALUES (?, ?, ?, ?)`,
			schema.Name, col.Name, int(col.Type), i)
		if err != nil {
			return wrapErr("CreateTable", schema.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("CreateTable", schema.Name, err)
	}

	tableDir := s.tableDir(schema.Name)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return wrapErr("CreateTable", schema.Name, err)
	}

	for i, col := range schema.Columns {
		if err := createColumnFiles(s.io, tableDir, col.Name, col.Type, i, 0); err != nil {
			return wrapErr("CreateTable", schema.Name, err)
		}
	}

	if err := createTsFile(s.io, tableDir); err != nil {
		return wrapErr("CreateTable", schema.Name, err)
	}

	return nil
}

func (s *Store) GetWriter(ctx context.Context, name string) (facade.WriterHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, open := s.writers[name]; open {
		return nil, wrapErr("GetWriter", name, ErrWriterOpen)
	}

	cols, rowCount, err := s.loadColumns(ctx, name)
	if err != nil {
		return nil, err
	}
	if cols == nil {
		return nil, wrapErr("GetWriter", name, facade.ErrEntryUnavailable)
	}

	h, err := openWriterHandle(s, name, cols, rowCount)
	if err != nil {
		return nil, wrapErr("GetWriter", name, err)
	}

	s.writers[name] = h
	return h, nil
}

func (s *Store) GetReader(ctx context.Context, name string) (facade.TableMetadata, error) {
	cols, _, err := s.loadColumns(ctx, name)
	if err != nil {
		return facade.TableMetadata{}, err
	}
	if cols == nil {
		return facade.TableMetadata{}, wrapErr("GetReader", name, ErrNotFound)
	}

	var partitionBy int
	if err := s.db.QueryRowContext(ctx, `SELECT partition_by FROM tables WHERE name = ?`, name).Scan(&partitionBy); err != nil {
		return facade.TableMetadata{}, wrapErr("GetReader", name, err)
	}

	return buildMetadata(name, facade.PartitionBy(partitionBy), cols), nil
}

// ListTables returns every table name known to the store, sorted
// alphabetically. It has no analogue in facade.CatalogFacade; ingestctl
// uses it directly to enumerate tables for offline inspection.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM tables ORDER BY name`)
	if err != nil {
		return nil, wrapErr("ListTables", "", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapErr("ListTables", "", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RowCount returns the persisted row count for name (spec §3's durable
// checkpoint, written by persistRowCount). ingestctl uses it for offline
// inspection; the live count while a writer handle is open may be higher by
// whatever is uncommitted.
func (s *Store) RowCount(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT row_count FROM tables WHERE name = ?`, name).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, wrapErr("RowCount", name, ErrNotFound)
	}
	if err != nil {
		return 0, wrapErr("RowCount", name, err)
	}
	return n, nil
}

type columnRow struct {
	name  string
	typ   int
	index int
}

// loadColumns returns nil, 0, nil if the table does not exist.
func (s *Store) loadColumns(ctx context.Context, name string) ([]columnRow, int64, error) {
	var rowCount int64
	err := s.db.QueryRowContext(ctx, `SELECT row_count FROM tables WHERE name = ?`, name).Scan(&rowCount)
	if err == sql.ErrNoRows {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, wrapErr("loadColumns", name, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, col_type, col_index FROM columns WHERE table_name = ? ORDER BY col_index`, name)
	if err != nil {
		return nil, 0, wrapErr("loadColumns", name, err)
	}
	defer rows.Close()

	var cols []columnRow
	for rows.Next() {
		var c columnRow
		if err := rows.Scan(&c.name, &c.typ, &c.index); err != nil {
			return nil, 0, wrapErr("loadColumns", name, err)
		}
		cols = append(cols, c)
	}
	return cols, rowCount, rows.Err()
}

func buildMetadata(name string, partitionBy facade.PartitionBy, cols []columnRow) facade.TableMetadata {
	m := facade.TableMetadata{
		Name:        name,
		PartitionBy: partitionBy,
		ColumnIndex: make(map[string]int32, len(cols)),
	}
	for _, c := range cols {
		m.Columns = append(m.Columns, facade.ColumnSchema{Name: c.name, Type: wire.ColumnType(c.typ)})
		m.ColumnIndex[c.name] = int32(c.index)
	}
	return m
}

// loadSymbols returns the persisted value->index dictionary for one symbol
// column, so a reopened writer handle resumes with a warm dictionary instead
// of silently reassigning indices already observed by readers.
func (s *Store) loadSymbols(ctx context.Context, name string, colIndex int32) (map[string]int32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, sym_index FROM symbols WHERE table_name = ? AND col_index = ?`, name, colIndex)
	if err != nil {
		return nil, wrapErr("loadSymbols", name, err)
	}
	defer rows.Close()

	entries := make(map[string]int32)
	for rows.Next() {
		var value string
		var idx int32
		if err := rows.Scan(&value, &idx); err != nil {
			return nil, wrapErr("loadSymbols", name, err)
		}
		entries[value] = idx
	}
	return entries, rows.Err()
}

// persistSymbol records a newly assigned value->index entry for one symbol
// column. Called outside any SQLite transaction that's holding the
// tables/columns write lock, since symbol assignment happens per-row on the
// writer's hot path rather than at commit time.
func (s *Store) persistSymbol(ctx context.Context, name string, colIndex int32, value string, idx int32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symbols(table_name, col_index, value, sym_index) VALUES (?, ?, ?, ?)`,
		name, colIndex, value, idx)
	if err != nil {
		return wrapErr("persistSymbol", name, err)
	}
	return nil
}

func (s *Store) tableDir(name string) string {
	return filepath.Join(s.dataDir, name)
}

// releaseWriter is called by writerHandle.Close to drop it from the
// single-open-writer registry.
func (s *Store) releaseWriter(name string) {
	s.mu.Lock()
	delete(s.writers, name)
	s.mu.Unlock()
}

// persistRowCount durably records name's new row count, both in the SQLite
// index and in a per-table plain-text checkpoint (the decimal count and a
// newline) rewritten atomically so a reader
// mid-crash-recovery never observes a half-written count (spec §10.3:
// natefinch/atomic snapshot rewrite).
func (s *Store) persistRowCount(ctx context.Context, name string, rowCount int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tables SET row_count = ? WHERE name = ?`, rowCount, name); err != nil {
		return wrapErr("persistRowCount", name, err)
	}

	checkpoint := []byte(fmt.Sprintf("%d\n", rowCount))
	path := filepath.Join(s.tableDir(name), "row_count.checkpoint")
	if err := natefinchatomic.WriteFile(path, bytes.NewReader(checkpoint)); err != nil {
		return wrapErr("persistRowCount", name, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ facade.CatalogFacade = (*Store)(nil)
