// Package facade defines the external collaborator contracts the core
// scheduler/writer/planner code depends on (spec §6 "EXTERNAL INTERFACES"):
// the catalog façade, writer handle, file I/O façade, and parser contract.
// internal/tablestore, internal/iofile, and internal/lineproto each provide
// a concrete implementation; internal/scheduler, internal/writerjob, and
// internal/oooplan depend only on these interfaces.
package facade

import (
	"context"
	"errors"

	"github.com/calvinalkan/qdbingest/internal/wire"
)

// TableStatus is the result of CatalogFacade.GetStatus.
type TableStatus int

const (
	StatusDoesNotExist TableStatus = iota
	StatusExists
	StatusReserved
)

func (s TableStatus) String() string {
	switch s {
	case StatusExists:
		return "EXISTS"
	case StatusReserved:
		return "RESERVED"
	default:
		return "DOES_NOT_EXIST"
	}
}

// ErrEntryUnavailable indicates a table's writer is held elsewhere (e.g. by
// another process, or mid-rebalance); retryable.
var ErrEntryUnavailable = errors.New("facade: writer entry unavailable")

// ErrCreateFailed indicates table creation failed for a non-retryable
// reason (spec §4.2: "Cairo" in the source vocabulary).
var ErrCreateFailed = errors.New("facade: table creation failed")

// PartitionBy selects the partitioning granularity for a new table.
type PartitionBy int

const (
	PartitionByDay PartitionBy = iota
	PartitionByMonth
	PartitionByYear
	PartitionByNone
)

// TableSchema describes a table to be created (spec §6, §10.3 defaults).
type TableSchema struct {
	Name           string
	PartitionBy    PartitionBy
	SymbolCacheFor map[string]bool // column name -> cache flag, for SYMBOL columns
	SymbolCapacity int
	Columns        []ColumnSchema
}

// ColumnSchema describes one column of a TableSchema.
type ColumnSchema struct {
	Name string
	Type wire.ColumnType
}

// TableMetadata is the snapshot returned by GetReader / WriterHandle.GetMetadata.
type TableMetadata struct {
	Name        string
	PartitionBy PartitionBy
	Columns     []ColumnSchema
	// ColumnIndex maps a column name to its position in Columns, mirroring
	// the resolved wire.Entity.ColRef space.
	ColumnIndex map[string]int32
}

// CatalogFacade is the physical-table-existence collaborator (spec §6).
// It is distinct from internal/catalog.Catalog: the catalog package tracks
// *scheduling* state (writer-thread assignment, idle/active); CatalogFacade
// is the on-disk/metadata-store boundary a TableUpdateDetails consults the
// first time a table name is seen.
type CatalogFacade interface {
	GetStatus(ctx context.Context, name string) (TableStatus, error)
	CreateTable(ctx context.Context, schema TableSchema) error
	// GetWriter returns an exclusive writer handle for name, or
	// ErrEntryUnavailable if it is held elsewhere.
	GetWriter(ctx context.Context, name string) (WriterHandle, error)
	GetReader(ctx context.Context, name string) (TableMetadata, error)
}

// WriterHandle is the per-table append/commit contract (spec §6).
type WriterHandle interface {
	// NewRow begins building a row at tsMicros. Exactly one of AppendRow /
	// CancelRow must be called before the next NewRow.
	NewRow(tsMicros int64)
	// AppendRow finalizes the row started by NewRow into the table's
	// in-memory column buffers (spec §4.4: "append the row").
	AppendRow() error
	// CancelRow discards the row started by NewRow without appending it
	// (spec §4.4: "cancel the open row", used by the column auto-create
	// retry path and on a failed type conversion).
	CancelRow()

	PutLong(col int32, v int64)
	PutInt(col int32, v int32)
	// PutShort and PutByte encode v at the column's native 2-byte/1-byte
	// width; callers must range-check v against the target column
	// beforehand (PutInt's 4-byte encoding would otherwise be rejected by
	// appendFixed's width check for SHORT/BYTE columns).
	PutShort(col int32, v int16)
	PutByte(col int32, v int8)
	PutDouble(col int32, v float64)
	PutBoolean(col int32, v bool)
	// PutSym resolves v against the column's symbol dictionary (creating a
	// new entry if needed) and returns the resolved index, so callers can
	// short-circuit future occurrences of the same value via PutSymIndex
	// (spec §4.4: "cached path writes only a symbol index").
	PutSym(col int32, v []byte) (idx int32, err error)
	PutSymIndex(col int32, idx int32)
	PutStr(col int32, v []byte)
	PutLong256(col int32, v []byte)

	Commit() error
	CommitWithHysteresis(minIntervalMicros int64) error

	AddColumn(name string, t wire.ColumnType) (col int32, err error)
	GetMetadata() TableMetadata

	Close() error
}

// FileIO is the raw file I/O façade (spec §6), used by internal/oooplan for
// partition rewrite arithmetic. internal/iofile.Real and .Chaos implement it.
type FileIO interface {
	OpenRW(path string) (fd int, err error)
	Mmap(fd int, size int, off int64, writable bool) (data []byte, err error)
	Munmap(data []byte) error
	Read(fd int, buf []byte, off int64) (n int, err error)
	Write(fd int, buf []byte, off int64) (n int, err error)
	Allocate(fd int, size int64) error
	Close(fd int) error
	IsRestrictedFileSystem() bool
	Exists(path string) bool
	Errno(err error) (errno int, ok bool)
}

// Parser is the line-protocol measurement parser contract (spec §6).
//
// Next yields one measurement at a time from buf, advancing past it.
// ok=false with a nil error and consumed=0 means "no complete measurement
// remains yet" (caller should await more bytes); ok=false with a nil error
// and consumed>0 means a line carrying no measurement was skipped.
type Parser interface {
	Next(buf []byte) (m Measurement, consumed int, ok bool, err error)
}

// Measurement is one parsed line-protocol record.
type Measurement struct {
	Name string
	// TimestampMicros is wire.NullTimestamp when the line carried no
	// explicit timestamp ("use the receiver clock").
	TimestampMicros int64
	Entities        []wire.Entity
}
