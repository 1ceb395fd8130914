package oooplan

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/qdbingest/internal/facade"
)

// CopyExecutor performs the actual byte copy a descriptor describes. The
// worker pool that drains CopyTaskQueue and the inline fallback in
// publishCopyTask share this interface, so "queue full" never skips work,
// only changes which goroutine does it (spec §4.5: "a contention-path
// fallback that guarantees forward progress without a second queue of
// pending tasks").
type CopyExecutor interface {
	Execute(desc *OooCopyDescriptor) error
}

// RealExecutor copies bytes between mapped fix/var files through a
// facade.FileIO, the same raw pread/pwrite idiom pkg/slotcache/open.go
// uses for its single mmap'd region.
type RealExecutor struct {
	IO facade.FileIO
}

func (e *RealExecutor) Execute(desc *OooCopyDescriptor) error {
	defer desc.Complete()

	width, fixed := desc.ColType.FixedWidth()
	if desc.Block == BlockMerge {
		if fixed {
			return e.copyFixedMerge(desc, width)
		}
		return e.copyVarMerge(desc)
	}
	if fixed {
		return e.copyFixed(desc, width)
	}
	return e.copyVar(desc)
}

func (e *RealExecutor) copyFixed(desc *OooCopyDescriptor, width int) error {
	n := desc.Hi - desc.Lo + 1
	if n <= 0 {
		return nil
	}

	buf := make([]byte, n*int64(width))
	if desc.Block != BlockNone {
		if _, err := e.IO.Read(desc.SrcFix.Fd, buf, desc.SrcFixOffset); err != nil {
			return fmt.Errorf("oooplan: read fixed source: %w", err)
		}
	}
	if _, err := e.IO.Write(desc.DstFix.Fd, buf, desc.DstFixOffset); err != nil {
		return fmt.Errorf("oooplan: write fixed dest: %w", err)
	}
	return nil
}

func (e *RealExecutor) copyVar(desc *OooCopyDescriptor) error {
	n := desc.Hi - desc.Lo + 1
	if n <= 0 {
		return nil
	}

	// Index entries are always 8-byte offsets regardless of STRING vs
	// BINARY payload shape (spec §6 "<col>.i — 8-byte offsets index").
	idxBuf := make([]byte, n*8)
	if desc.Block != BlockNone {
		if _, err := e.IO.Read(desc.SrcFix.Fd, idxBuf, desc.SrcFixOffset); err != nil {
			return fmt.Errorf("oooplan: read var index source: %w", err)
		}
	}

	// The copied index entries still point into the source var file at
	// desc.SrcVarOffset; rebase each non-null one onto where its payload
	// actually lands in the destination var file, desc.DstVarOffset.
	delta := desc.DstVarOffset - desc.SrcVarOffset
	for i := int64(0); i < n; i++ {
		off := int64(binary.LittleEndian.Uint64(idxBuf[i*8:]))
		if off == NullVarIndexEntry {
			continue
		}
		binary.LittleEndian.PutUint64(idxBuf[i*8:], uint64(off+delta))
	}

	if _, err := e.IO.Write(desc.DstFix.Fd, idxBuf, desc.DstFixOffset); err != nil {
		return fmt.Errorf("oooplan: write var index dest: %w", err)
	}

	if desc.Block == BlockNone {
		return nil
	}

	varLen := desc.DstSize
	varBuf := make([]byte, varLen)
	if _, err := e.IO.Read(desc.SrcVar.Fd, varBuf, desc.SrcVarOffset); err != nil {
		return fmt.Errorf("oooplan: read var data source: %w", err)
	}
	if _, err := e.IO.Write(desc.DstVar.Fd, varBuf, desc.DstVarOffset); err != nil {
		return fmt.Errorf("oooplan: write var data dest: %w", err)
	}
	return nil
}

// copyFixedMerge copies a BlockMerge descriptor's fixed-width column one
// row at a time, reading each destination row from whichever source
// MergeOrder names for it (spec §4.5 S5's timestamp interleave).
func (e *RealExecutor) copyFixedMerge(desc *OooCopyDescriptor, width int) error {
	buf := make([]byte, width)
	dstOff := desc.DstFixOffset
	for _, step := range desc.MergeOrder {
		src := desc.SrcDataFix
		if step.FromOOO {
			src = desc.SrcFix
		}
		if _, err := e.IO.Read(src.Fd, buf, step.SrcRow*int64(width)); err != nil {
			return fmt.Errorf("oooplan: read merge source row: %w", err)
		}
		if _, err := e.IO.Write(desc.DstFix.Fd, buf, dstOff); err != nil {
			return fmt.Errorf("oooplan: write merge dest row: %w", err)
		}
		dstOff += int64(width)
	}
	return nil
}

// copyVarMerge copies a BlockMerge descriptor's variable-width column one
// row at a time: for each MergeOrder step it reads the 8-byte index entry
// from the selected source, then (unless it is the null sentinel) the
// length-prefixed payload it points to, appending both to the destination
// at running offsets (spec §6 var-width encoding).
func (e *RealExecutor) copyVarMerge(desc *OooCopyDescriptor) error {
	dstFixOff := desc.DstFixOffset
	dstVarOff := desc.DstVarOffset

	var idxBuf [8]byte
	var lenBuf [4]byte
	for _, step := range desc.MergeOrder {
		srcFix, srcVar := desc.SrcDataFix, desc.SrcDataVar
		if step.FromOOO {
			srcFix, srcVar = desc.SrcFix, desc.SrcVar
		}

		if _, err := e.IO.Read(srcFix.Fd, idxBuf[:], step.SrcRow*8); err != nil {
			return fmt.Errorf("oooplan: read merge index source: %w", err)
		}
		srcOff := int64(binary.LittleEndian.Uint64(idxBuf[:]))

		if srcOff == NullVarIndexEntry {
			binary.LittleEndian.PutUint64(idxBuf[:], uint64(NullVarIndexEntry))
			if _, err := e.IO.Write(desc.DstFix.Fd, idxBuf[:], dstFixOff); err != nil {
				return fmt.Errorf("oooplan: write merge index dest: %w", err)
			}
			dstFixOff += 8
			continue
		}

		if _, err := e.IO.Read(srcVar.Fd, lenBuf[:], srcOff); err != nil {
			return fmt.Errorf("oooplan: read merge payload length: %w", err)
		}
		payloadLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))

		payload := make([]byte, 4+payloadLen)
		if _, err := e.IO.Read(srcVar.Fd, payload, srcOff); err != nil {
			return fmt.Errorf("oooplan: read merge payload: %w", err)
		}
		if _, err := e.IO.Write(desc.DstVar.Fd, payload, dstVarOff); err != nil {
			return fmt.Errorf("oooplan: write merge payload dest: %w", err)
		}

		binary.LittleEndian.PutUint64(idxBuf[:], uint64(dstVarOff))
		if _, err := e.IO.Write(desc.DstFix.Fd, idxBuf[:], dstFixOff); err != nil {
			return fmt.Errorf("oooplan: write merge index dest: %w", err)
		}

		dstFixOff += 8
		dstVarOff += int64(len(payload))
	}
	return nil
}

// publishCopyTask implements spec §4.5's publishCopyTask: reserve an
// outbound sequence; on success, fill and release; on Full, run the copy
// inline on the calling goroutine; on Contended, spin and retry.
func publishCopyTask(q *CopyTaskQueue, exec CopyExecutor, desc *OooCopyDescriptor) error {
	for {
		r := q.TryNext()
		switch {
		case r.Ok():
			q.Fill(r, desc)
			q.Publish(r)
			return nil
		case r.Full():
			return exec.Execute(desc)
		default: // contended
			continue
		}
	}
}
