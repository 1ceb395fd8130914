package oooplan

import (
	"fmt"

	"github.com/calvinalkan/qdbingest/internal/wire"
)

// ColumnInput is everything PlanColumn needs to classify and size one
// column's contribution to a partition rewrite (spec §4.5).
type ColumnInput struct {
	ColType wire.ColumnType
	Mode    Mode

	// SrcOoo{,Var} is the in-memory out-of-order buffer already produced
	// by the writer for this commit.
	SrcOoo             FileSlot
	SrcOooVar          FileSlot
	SrcOooLo, SrcOooHi int64
	// SrcOooCount is the number of OOO rows in this commit. In append mode
	// it always equals SrcOooHi-SrcOooLo+1; in merge mode the OOO rows
	// spread across prefix/merge/suffix destination offsets, so it must be
	// tracked separately from the DATA-row-index bounds SrcOooLo/SrcOooHi
	// carry there (spec §4.5 offset formulas).
	SrcOooCount int64

	// MergeOrder is the shared timestamp interleave of the DATA and OOO
	// sides across the merge block's row range, used only in merge mode
	// (spec §4.5 S5). Computed once per commit by the caller, since it is
	// identical for every column merged in that commit.
	MergeOrder []MergeStep

	// SrcData{,Var} is the partition's existing on-disk column file(s).
	// Owning=false when the caller passed an already-mapped "active"
	// partition fd the planner must not close (spec §4: "encoded by
	// passing them as negative values to signal caller owns, do not
	// close", replaced here by FileSlot.Owning per the REDESIGN FLAGS).
	SrcData    FileSlot
	SrcDataVar FileSlot
	SrcDataMax int64 // rows currently on disk
	SrcDataTop int64 // rows-prefix-of-nulls for a late-added column

	// DstDir is the destination partition directory; for merge modes the
	// caller has already appended the `.<txn>` suffix (spec §4.5).
	DstDir string

	Indexed              bool
	IndexKey, IndexValue FileSlot

	// OpenDst opens (creating/truncating as needed) and maps the
	// destination fix/var files at size dstFixSize/dstVarSize, returning
	// writable FileSlots. Supplied by the caller so the planner stays
	// decoupled from internal/iofile.
	OpenDst func(dstFixSize, dstVarSize int64) (fix, var_ FileSlot, err error)

	// VarColumnLength returns the byte length of the var-width payload for
	// rows [lo,hi] of the given source (spec §4.5 getVarColumnLength:
	// STRING `int32 len + 2*len` bytes, BINARY `int64 len + len` bytes per
	// row, summed over the range).
	VarColumnLength func(src FileSlot, srcOffset int64, lo, hi int64) (int64, error)
}

// Planner implements OooMergePlanner (spec §4.5).
type Planner struct {
	Queue *CopyTaskQueue
	Exec  CopyExecutor
}

// PlanResult is what PlanColumn hands back so the caller (the per-
// partition merge orchestrator) can register this column against the
// shared PartitionMergeState.
type PlanResult struct {
	Blocks      [3]Block // prefix, merge, suffix (BlockNone for unused slots)
	NewTop      int64    // set when a new column.top value was computed
	TopRewrite  bool     // true: merge overlaps the column's top region; reported only, the source is not extended or null-filled here
	NewTopFile  bool     // true: only column.top needs rewriting, data stays in place
}

// PlanColumn classifies in's append/merge case, sizes and opens the
// destination file(s), computes column.top shifting, and publishes up to
// three downstream copy tasks (spec §4.5). onColumnSourcesUnmapped (may be
// nil) runs once every task published for this column has completed;
// partState is the partition-level counter shared across columns.
func (p *Planner) PlanColumn(in ColumnInput, onColumnSourcesUnmapped func(), partState *PartitionMergeState) (PlanResult, error) {
	if in.Mode.IsMerge() {
		return p.planMerge(in, onColumnSourcesUnmapped, partState)
	}
	return p.planAppend(in, onColumnSourcesUnmapped, partState)
}

// planAppend implements the two append bullets of spec §4.5.
func (p *Planner) planAppend(in ColumnInput, onColumnSourcesUnmapped func(), partState *PartitionMergeState) (PlanResult, error) {
	oooLen := in.SrcOooHi - in.SrcOooLo + 1
	if oooLen <= 0 {
		return PlanResult{}, fmt.Errorf("oooplan: empty OOO range [%d,%d]", in.SrcOooLo, in.SrcOooHi)
	}
	existingLen := in.SrcDataMax - in.SrcDataTop
	dstLen := oooLen + existingLen

	width, fixed := in.ColType.FixedWidth()

	var dstFixSize, dstVarSize int64
	var appendOffsetFix, appendOffsetVar int64

	if fixed {
		dstFixSize = dstLen * int64(width)
		appendOffsetFix = existingLen * int64(width)
	} else {
		dstFixSize = dstLen * 8
		appendOffsetFix = existingLen * 8

		existingVarLen, err := existingVarTailLength(in)
		if err != nil {
			return PlanResult{}, err
		}
		newVarLen, err := in.VarColumnLength(in.SrcOoo, 0, in.SrcOooLo, in.SrcOooHi)
		if err != nil {
			return PlanResult{}, err
		}
		dstVarSize = existingVarLen + newVarLen
		appendOffsetVar = existingVarLen
	}

	dstFix, dstVar, err := in.OpenDst(dstFixSize, dstVarSize)
	if err != nil {
		return PlanResult{}, err
	}

	colState := NewColumnMergeState(1, func() {
		if onColumnSourcesUnmapped != nil {
			onColumnSourcesUnmapped()
		}
		partState.DecrementColumn()
	})

	desc := &OooCopyDescriptor{
		Block:        BlockOO,
		Lo:           in.SrcOooLo,
		Hi:           in.SrcOooHi,
		ColType:      in.ColType,
		SrcFix:       in.SrcOoo,
		SrcVar:       in.SrcOooVar,
		DstFix:       dstFix,
		DstFixOffset: appendOffsetFix,
		DstVar:       dstVar,
		DstVarOffset: appendOffsetVar,
		DstSize:      dstVarSize - appendOffsetVar,
		IndexKey:     in.IndexKey,
		IndexValue:   in.IndexValue,
		col:          colState,
		part:         partState,
	}

	if err := publishCopyTask(p.Queue, p.Exec, desc); err != nil {
		return PlanResult{}, err
	}

	return PlanResult{Blocks: [3]Block{{Type: BlockOO, Lo: in.SrcOooLo, Hi: in.SrcOooHi}}}, nil
}

// existingVarTailLength reads the last index entry of the existing data
// file to determine the byte offset where the next string/blob must be
// appended (spec §4.5: "the data file's destination offset is computed by
// reading the last index entry and seeking into the data file to
// determine the end of the last string").
func existingVarTailLength(in ColumnInput) (int64, error) {
	existingLen := in.SrcDataMax - in.SrcDataTop
	if existingLen <= 0 {
		return 0, nil
	}
	return in.VarColumnLength(in.SrcData, 0, 0, existingLen-1)
}

// planMerge implements the merge bullet of spec §4.5: prefix/merge/suffix
// classification, column.top shifting, and the offset formulas.
func (p *Planner) planMerge(in ColumnInput, onColumnSourcesUnmapped func(), partState *PartitionMergeState) (PlanResult, error) {
	prefix, merge, suffix := classifyMergeBlocks(in.SrcOooLo, in.SrcOooHi, in.SrcDataTop, in.SrcDataMax)

	result := PlanResult{Blocks: [3]Block{prefix, merge, suffix}}

	topAdjustment := int64(0)
	if in.SrcDataTop > 0 {
		overwritesTop := in.SrcDataTop > prefix.Hi || prefix.Type == BlockOO
		if overwritesTop {
			result.TopRewrite = true
			topAdjustment = in.SrcDataTop
		} else {
			result.NewTopFile = true
			result.NewTop = in.SrcDataTop // rows below prefix.Lo keep the same top shape
		}
	}

	width, fixed := in.ColType.FixedWidth()

	// mergeDestLen is the number of rows the merge block writes to the
	// destination: the DATA-side overlap plus every OOO row, since every
	// OOO row lands somewhere within the merge block's destination span
	// (spec §4.5 S5).
	mergeDestLen := merge.Len() + in.SrcOooCount

	dstFixAppendOffset1 := prefix.Len() - topAdjustment
	dstFixAppendOffset2 := dstFixAppendOffset1 + mergeDestLen
	var refSize int64 = 8
	if fixed {
		refSize = int64(width)
	}

	dstRows := dstFixAppendOffset2 + suffix.Len()
	dstFixSize := dstRows * refSize

	// Per-block var-width lengths and their destination offsets. The merge
	// block's length covers both its DATA-side overlap and the full OOO
	// buffer, since both land inside the merge block's destination span.
	var prefixVarLen, mergeVarLen, oooVarLen, suffixVarLen int64
	var dstVarSize int64
	var varLens [3]int64
	if !fixed {
		var err error
		if prefix.Len() > 0 {
			if prefixVarLen, err = in.VarColumnLength(in.SrcData, 0, prefix.Lo, prefix.Hi); err != nil {
				return PlanResult{}, err
			}
		}
		if merge.Len() > 0 {
			if mergeVarLen, err = in.VarColumnLength(in.SrcData, 0, merge.Lo, merge.Hi); err != nil {
				return PlanResult{}, err
			}
		}
		if in.SrcOooCount > 0 {
			if oooVarLen, err = in.VarColumnLength(in.SrcOoo, 0, 0, in.SrcOooCount-1); err != nil {
				return PlanResult{}, err
			}
		}
		if suffix.Len() > 0 {
			if suffixVarLen, err = in.VarColumnLength(in.SrcData, 0, suffix.Lo, suffix.Hi); err != nil {
				return PlanResult{}, err
			}
		}
		dstVarSize = prefixVarLen + mergeVarLen + oooVarLen + suffixVarLen
		varLens = [3]int64{prefixVarLen, mergeVarLen + oooVarLen, suffixVarLen}
	}

	dstFix, dstVar, err := in.OpenDst(dstFixSize, dstVarSize)
	if err != nil {
		return PlanResult{}, err
	}

	nParts := 0
	for _, b := range result.Blocks {
		if b.Type != BlockNone {
			nParts++
		}
	}
	colState := NewColumnMergeState(nParts, func() {
		if onColumnSourcesUnmapped != nil {
			onColumnSourcesUnmapped()
		}
		partState.DecrementColumn()
	})

	fixOffsets := []int64{0, dstFixAppendOffset1 * refSize, dstFixAppendOffset2 * refSize}
	varOffsets := [3]int64{0, prefixVarLen, prefixVarLen + mergeVarLen + oooVarLen}

	// Prefix/suffix BlockData blocks read a sub-range of the *existing*
	// SrcData file, not its start, so their source offsets must land on
	// b.Lo rather than byte 0 (prefix.Lo is always the file's first
	// physical row, but suffix.Lo never is once a prefix or merge block
	// precedes it). Same refSize/VarColumnLength convention planMerge
	// already uses above to size these blocks.
	srcFixOffsets := [3]int64{prefix.Lo * refSize, 0, suffix.Lo * refSize}
	srcVarOffsets := [3]int64{0, 0, prefixVarLen + mergeVarLen}

	for i, b := range result.Blocks {
		if b.Type == BlockNone {
			continue
		}
		desc := p.buildMergeDescriptor(in, b, fixOffsets[i], varOffsets[i], srcFixOffsets[i], srcVarOffsets[i], varLens[i], dstFix, dstVar, colState)
		if err := publishCopyTask(p.Queue, p.Exec, desc); err != nil {
			return PlanResult{}, err
		}
	}

	return result, nil
}

func (p *Planner) buildMergeDescriptor(in ColumnInput, b Block, dstFixOffset, dstVarOffset, srcFixOffset, srcVarOffset, dstVarLen int64, dstFix, dstVar FileSlot, colState *ColumnMergeState) *OooCopyDescriptor {
	d := &OooCopyDescriptor{
		Block:        b.Type,
		Lo:           b.Lo,
		Hi:           b.Hi,
		ColType:      in.ColType,
		DstFix:       dstFix,
		DstFixOffset: dstFixOffset,
		DstVar:       dstVar,
		DstVarOffset: dstVarOffset,
		DstSize:      dstVarLen,
		IndexKey:     in.IndexKey,
		IndexValue:   in.IndexValue,
		col:          colState,
	}

	switch b.Type {
	case BlockOO:
		d.SrcFix, d.SrcVar = in.SrcOoo, in.SrcOooVar
		d.SrcFixOffset, d.SrcVarOffset = srcFixOffset, srcVarOffset
	case BlockData:
		d.SrcFix, d.SrcVar = in.SrcData, in.SrcDataVar
		d.SrcFixOffset, d.SrcVarOffset = srcFixOffset, srcVarOffset
	case BlockMerge:
		// A true interleave merge reads both sources, following
		// MergeOrder row by row rather than one bulk range from either
		// (spec §4.5 S5); the executor dispatches on Block==BlockMerge to
		// do this instead of the single-source bulk copy.
		d.SrcFix, d.SrcVar = in.SrcOoo, in.SrcOooVar
		d.SrcDataFix, d.SrcDataVar = in.SrcData, in.SrcDataVar
		d.MergeOrder = in.MergeOrder
	}

	return d
}

// classifyMergeBlocks splits [srcDataTop, srcDataMax) on disk against the
// incoming [oooLo, oooHi] range into prefix (untouched leading DATA rows),
// merge (the overlapping span), and suffix (untouched trailing DATA rows).
func classifyMergeBlocks(oooLo, oooHi, srcDataTop, srcDataMax int64) (prefix, merge, suffix Block) {
	if oooLo > srcDataTop {
		prefix = Block{Type: BlockData, Lo: srcDataTop, Hi: oooLo - 1}
	}

	mergeLo := oooLo
	if prefix.Type != BlockNone {
		mergeLo = prefix.Hi + 1
	} else {
		mergeLo = srcDataTop
	}
	// merge.Hi stops at oooHi, the caller-supplied bound marking the last
	// DATA row folded into the merge; anything beyond it belongs to
	// suffix, not merge (a prior version extended this to srcDataMax-1
	// unconditionally, which made merge and suffix overlap whenever a
	// suffix existed).
	merge = Block{Type: BlockMerge, Lo: mergeLo, Hi: oooHi}

	if oooHi < srcDataMax-1 {
		suffix = Block{Type: BlockData, Lo: oooHi + 1, Hi: srcDataMax - 1}
	}

	return prefix, merge, suffix
}
