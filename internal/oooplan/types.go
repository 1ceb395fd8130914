// Package oooplan implements OooMergePlanner (spec §4.5): given a column's
// incoming out-of-order row range and an existing on-disk partition, it
// classifies the append/merge case, sizes the destination files, computes
// column.top shifting, and publishes copy tasks describing prefix/merge/
// suffix blocks to a worker pool.
//
// Grounded on the teacher's pkg/slotcache/open.go raw
// syscall.Open/Pread/Pwrite/Ftruncate/Mmap file-layout arithmetic and
// pkg/mddb/reindex.go's rewrite-into-a-.txn-suffixed-temp-location-then-
// atomically-swap pattern.
package oooplan

import (
	"sync/atomic"

	"github.com/calvinalkan/qdbingest/internal/wire"
)

// BlockType classifies one copy-task block (spec §3 "OooCopyDescriptor").
type BlockType int8

const (
	BlockNone BlockType = iota
	BlockOO             // source is the incoming out-of-order buffer
	BlockData           // source is existing on-disk partition data
	BlockMerge          // source interleaves OO and DATA by timestamp
)

func (t BlockType) String() string {
	switch t {
	case BlockOO:
		return "OO"
	case BlockData:
		return "DATA"
	case BlockMerge:
		return "MERGE"
	default:
		return "NONE"
	}
}

// Block is a row range within one of the three block types.
type Block struct {
	Type   BlockType
	Lo, Hi int64 // inclusive row indices; meaningless when Type == BlockNone
}

// Len returns the row count covered by b.
func (b Block) Len() int64 {
	if b.Type == BlockNone {
		return 0
	}
	return b.Hi - b.Lo + 1
}

// Mode selects the caller's intended open/merge strategy (spec §4.5).
type Mode int8

const (
	OpenMidPartitionForAppend Mode = iota
	OpenLastPartitionForAppend
	OpenMidPartitionForMerge
	OpenLastPartitionForMerge
	OpenNewPartitionForAppend
)

func (m Mode) IsMerge() bool {
	return m == OpenMidPartitionForMerge || m == OpenLastPartitionForMerge
}

// FileSlot replaces the source's negative-fd-means-"caller owns, do not
// close" overloading (spec §9 REDESIGN FLAGS) with an explicit tagged
// value.
type FileSlot struct {
	Fd     int
	Owning bool // false: caller owns the fd, the planner must not close it
}

// ColumnMergeState is the shared per-column reference count spec §3
// describes ("part counter ... when all part counters in a column reach
// zero, the column's sources may be unmapped"). OnZero runs exactly once,
// when the last outstanding copy task for this column completes.
type ColumnMergeState struct {
	partCounter atomic.Int64
	onZero      func()
	firedOnce   atomic.Bool
}

// NewColumnMergeState initializes the counter to nParts (spec: "a
// partCounter initialized to the number of non-NONE blocks").
func NewColumnMergeState(nParts int, onZero func()) *ColumnMergeState {
	s := &ColumnMergeState{onZero: onZero}
	s.partCounter.Store(int64(nParts))
	return s
}

// DecrementPart records one completed copy task. When the counter reaches
// zero it invokes onZero (unmap the column's sources) exactly once.
func (s *ColumnMergeState) DecrementPart() {
	if s.partCounter.Add(-1) == 0 && s.firedOnce.CompareAndSwap(false, true) {
		if s.onZero != nil {
			s.onZero()
		}
	}
}

// PartitionMergeState is the shared per-partition reference count (spec
// §3: "when all columns in a partition reach zero, the partition may be
// swapped in").
type PartitionMergeState struct {
	columnCounter atomic.Int64
	onZero        func()
	firedOnce     atomic.Bool
}

// NewPartitionMergeState initializes the counter to nColumns.
func NewPartitionMergeState(nColumns int, onZero func()) *PartitionMergeState {
	s := &PartitionMergeState{onZero: onZero}
	s.columnCounter.Store(int64(nColumns))
	return s
}

// DecrementColumn records one column finishing all of its copy tasks.
func (s *PartitionMergeState) DecrementColumn() {
	if s.columnCounter.Add(-1) == 0 && s.firedOnce.CompareAndSwap(false, true) {
		if s.onZero != nil {
			s.onZero()
		}
	}
}

// MergeStep selects, for one destination row of a BlockMerge descriptor,
// which source supplies that row: the existing on-disk DATA side (SrcRow
// indexes it directly, absolute row position) or the incoming OOO side
// (SrcRow indexes the 0-based OOO buffer). The sequence is the timestamp
// interleave of both sides over the merge block's row range (spec §4.5
// scenario S5: "the final <col>.d contains the union of DATA and OOO rows
// in timestamp order").
type MergeStep struct {
	FromOOO bool
	SrcRow  int64
}

// OooCopyDescriptor describes one block in a partition rewrite (spec §3).
type OooCopyDescriptor struct {
	Block  BlockType
	Lo, Hi int64

	ColType wire.ColumnType

	SrcFix       FileSlot
	SrcFixOffset int64
	SrcVar       FileSlot
	SrcVarOffset int64

	// SrcDataFix/SrcDataVar are the existing on-disk column file(s), set
	// only on a BlockMerge descriptor alongside MergeOrder: a merge reads
	// rows from both this and SrcFix/SrcVar (the OOO side), interleaved
	// per MergeOrder, rather than from a single source (spec §4.5 S5).
	SrcDataFix FileSlot
	SrcDataVar FileSlot
	MergeOrder []MergeStep

	DstFix       FileSlot
	DstFixOffset int64
	DstVar       FileSlot
	DstVarOffset int64
	DstSize      int64

	// IndexKey/IndexValue are the bitmap index key/value file pair, set
	// only when the column is indexed (spec §3).
	IndexKey   FileSlot
	IndexValue FileSlot

	col  *ColumnMergeState
	part *PartitionMergeState
}

// Complete must be called exactly once per descriptor, by whichever
// worker executed its copy (spec §3 invariant: "when all part counters in
// a column reach zero, the column's sources may be unmapped; when all
// columns in a partition reach zero, the partition may be swapped in").
func (d *OooCopyDescriptor) Complete() {
	d.col.DecrementPart()
}
