package oooplan

import (
	"testing"

	"github.com/calvinalkan/qdbingest/internal/wire"
)

func newTestQueue(t *testing.T) *CopyTaskQueue {
	t.Helper()
	q, err := NewCopyTaskQueue(8)
	if err != nil {
		t.Fatalf("NewCopyTaskQueue: %v", err)
	}
	return q
}

// drainQueueViaCursor empties q by advancing a registered cursor past every
// published descriptor, calling Complete on each as a worker pool would.
func drainQueueViaCursor(q *CopyTaskQueue) int {
	c := q.NewCursor()
	n := 0
	for {
		desc, ok := c.Peek()
		if !ok {
			return n
		}
		desc.Complete()
		c.Advance()
		n++
	}
}

type noopExecutor struct{ calls int }

func (e *noopExecutor) Execute(desc *OooCopyDescriptor) error {
	e.calls++
	desc.Complete()
	return nil
}

func TestPlanColumnAppendFixed(t *testing.T) {
	q := newTestQueue(t)
	exec := &noopExecutor{}
	p := &Planner{Queue: q, Exec: exec}

	var gotFixSize, gotVarSize int64
	openDst := func(fixSize, varSize int64) (FileSlot, FileSlot, error) {
		gotFixSize, gotVarSize = fixSize, varSize
		return FileSlot{Fd: 10, Owning: true}, FileSlot{}, nil
	}

	part := NewPartitionMergeState(1, func() {})
	unmapped := false

	in := ColumnInput{
		ColType:    wire.ColLong,
		Mode:       OpenLastPartitionForAppend,
		SrcOoo:     FileSlot{Fd: 1},
		SrcOooLo:   100,
		SrcOooHi:   149,
		SrcData:    FileSlot{Fd: 2, Owning: false},
		SrcDataMax: 100,
		SrcDataTop: 0,
		OpenDst:    openDst,
	}

	result, err := p.PlanColumn(in, func() { unmapped = true }, part)
	if err != nil {
		t.Fatalf("PlanColumn: %v", err)
	}

	if gotFixSize != 150*8 {
		t.Fatalf("fix size = %d, want %d", gotFixSize, 150*8)
	}
	if gotVarSize != 0 {
		t.Fatalf("var size = %d, want 0", gotVarSize)
	}
	if result.Blocks[0].Type != BlockOO || result.Blocks[0].Len() != 50 {
		t.Fatalf("unexpected block: %+v", result.Blocks[0])
	}
	if exec.calls != 0 {
		t.Fatalf("expected the task to be queued rather than run inline, got %d inline calls", exec.calls)
	}

	if n := drainQueueViaCursor(q); n != 1 {
		t.Fatalf("expected one queued descriptor, drained %d", n)
	}
	if !unmapped {
		t.Fatalf("expected onColumnSourcesUnmapped to fire once the sole task completed")
	}
}

func TestPlanColumnAppendVarWidth(t *testing.T) {
	q := newTestQueue(t)
	exec := &noopExecutor{}
	p := &Planner{Queue: q, Exec: exec}

	openDst := func(fixSize, varSize int64) (FileSlot, FileSlot, error) {
		return FileSlot{Fd: 10}, FileSlot{Fd: 11}, nil
	}

	varLen := func(src FileSlot, srcOffset, lo, hi int64) (int64, error) {
		return (hi - lo + 1) * 20, nil
	}

	part := NewPartitionMergeState(1, func() {})

	in := ColumnInput{
		ColType:    wire.ColString,
		Mode:       OpenLastPartitionForAppend,
		SrcOoo:     FileSlot{Fd: 1},
		SrcOooVar:  FileSlot{Fd: 3},
		SrcOooLo:   0,
		SrcOooHi:   9,
		SrcData:    FileSlot{Fd: 2},
		SrcDataMax: 5,
		SrcDataTop: 0,
		OpenDst:    openDst,

		VarColumnLength: varLen,
	}

	result, err := p.PlanColumn(in, func() {}, part)
	if err != nil {
		t.Fatalf("PlanColumn: %v", err)
	}
	if result.Blocks[0].Len() != 10 {
		t.Fatalf("block len = %d, want 10", result.Blocks[0].Len())
	}
}

func TestClassifyMergeBlocksAllThreeParts(t *testing.T) {
	prefix, merge, suffix := classifyMergeBlocks(50, 99, 0, 200)

	if prefix.Type != BlockData || prefix.Lo != 0 || prefix.Hi != 49 {
		t.Fatalf("prefix = %+v", prefix)
	}
	if merge.Type != BlockMerge || merge.Lo != 50 {
		t.Fatalf("merge = %+v", merge)
	}
	if suffix.Type != BlockData || suffix.Lo != 100 || suffix.Hi != 199 {
		t.Fatalf("suffix = %+v", suffix)
	}
}

func TestClassifyMergeBlocksNoPrefixOrSuffix(t *testing.T) {
	prefix, merge, suffix := classifyMergeBlocks(0, 199, 0, 200)

	if prefix.Type != BlockNone {
		t.Fatalf("expected no prefix, got %+v", prefix)
	}
	if suffix.Type != BlockNone {
		t.Fatalf("expected no suffix, got %+v", suffix)
	}
	if merge.Type != BlockMerge {
		t.Fatalf("merge = %+v", merge)
	}
}

func TestPlanColumnMergeTopRewrite(t *testing.T) {
	q := newTestQueue(t)
	exec := &noopExecutor{}
	p := &Planner{Queue: q, Exec: exec}

	openDst := func(fixSize, varSize int64) (FileSlot, FileSlot, error) {
		return FileSlot{Fd: 10}, FileSlot{}, nil
	}

	part := NewPartitionMergeState(1, func() {})

	// srcDataTop sits inside the OOO range, so the existing column.top
	// rows must be overwritten rather than shifted into a new top file.
	in := ColumnInput{
		ColType:    wire.ColDouble,
		Mode:       OpenMidPartitionForMerge,
		SrcOoo:     FileSlot{Fd: 1},
		SrcOooLo:   0,
		SrcOooHi:   99,
		SrcData:    FileSlot{Fd: 2},
		SrcDataMax: 200,
		SrcDataTop: 10,
		OpenDst:    openDst,
	}

	result, err := p.PlanColumn(in, func() {}, part)
	if err != nil {
		t.Fatalf("PlanColumn: %v", err)
	}
	if !result.TopRewrite {
		t.Fatalf("expected TopRewrite, got %+v", result)
	}
}

func TestCopyTaskQueuePublishInlineWhenFull(t *testing.T) {
	q, err := NewCopyTaskQueue(2)
	if err != nil {
		t.Fatalf("NewCopyTaskQueue: %v", err)
	}
	exec := &noopExecutor{}

	// Fill the ring without registering a consumer cursor so the floor
	// never advances, forcing the third publish down the inline path.
	for i := 0; i < 2; i++ {
		r := q.TryNext()
		if !r.Ok() {
			t.Fatalf("expected Ok reservation %d, got %+v", i, r)
		}
		desc := &OooCopyDescriptor{col: NewColumnMergeState(1, func() {})}
		q.Fill(r, desc)
		q.Publish(r)
	}

	desc := &OooCopyDescriptor{col: NewColumnMergeState(1, func() {})}
	if err := publishCopyTask(q, exec, desc); err != nil {
		t.Fatalf("publishCopyTask: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected inline execute once, got %d", exec.calls)
	}
}
