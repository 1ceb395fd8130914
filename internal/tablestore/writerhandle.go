package tablestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/oooplan"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

// tsColumnName is the hidden per-table file that durably tracks each row's
// designated timestamp, so a later commit can detect an out-of-order row
// and a merge can interleave by timestamp (spec §4.5). It carries no
// columns-table entry; it is addressed through columnPaths like any other
// fixed-width column, just never exposed via GetMetadata.
const tsColumnName = "_ts"

// writerHandle implements facade.WriterHandle (spec §6) against a single
// table's column files, with SQLite as the durable row-count index. Only
// one writerHandle per table name may be open at a time in this process
// (enforced by Store.writers), mirroring mddb's single-writer invariant.
type writerHandle struct {
	store   *Store
	name    string
	tableDir string

	mu       sync.Mutex
	cols     []*columnFiles
	colIndex map[string]int32
	nextCol  int32

	symbols map[int32]*symbolTable

	rowCount int64

	// tsFd/maxTsMicros track the hidden timestamp column (tsColumnName):
	// maxTsMicros is the designated timestamp of the last in-order row
	// written, used to detect an out-of-order AppendRow (spec §4.5,
	// invariant §8.7).
	tsFd        int
	maxTsMicros int64
	// oooRows buffers rows whose timestamp fell behind maxTsMicros, until
	// the next Commit folds them into the partition via mergeOOO.
	oooRows []oooRow

	// pending row state, valid only while rowOpen is true.
	rowOpen     bool
	rowTsMicros int64
	touched     map[int32][]byte // fixed-width encoded payload, keyed by column index
	touchedVar  map[int32][]byte // variable-width payload, keyed by column index

	nUncommitted     int64
	lastCommitMicros int64
}

// oooRow is one buffered out-of-order row awaiting mergeOOO.
type oooRow struct {
	tsMicros   int64
	touched    map[int32][]byte
	touchedVar map[int32][]byte
}

func openWriterHandle(s *Store, name string, rows []columnRow, rowCount int64) (*writerHandle, error) {
	h := &writerHandle{
		store:    s,
		name:     name,
		tableDir: s.tableDir(name),
		colIndex: make(map[string]int32, len(rows)),
		symbols:  make(map[int32]*symbolTable),
		rowCount: rowCount,
	}

	for _, row := range rows {
		cf, err := openColumnFiles(s.io, h.tableDir, row)
		if err != nil {
			h.closeOpened()
			return nil, err
		}
		h.cols = append(h.cols, cf)
		h.colIndex[row.name] = int32(row.index)
		if int32(row.index) >= h.nextCol {
			h.nextCol = int32(row.index) + 1
		}
		if cf.typ == wire.ColSymbol {
			entries, err := s.loadSymbols(context.Background(), name, int32(row.index))
			if err != nil {
				h.closeOpened()
				return nil, err
			}
			h.symbols[int32(row.index)] = loadSymbolTable(entries)
		}
	}

	tsFd, err := openTsFile(s.io, h.tableDir)
	if err != nil {
		h.closeOpened()
		return nil, err
	}
	h.tsFd = tsFd

	maxTs, err := readLastTs(s.io, tsFd, rowCount)
	if err != nil {
		h.closeOpened()
		_ = s.io.Close(tsFd)
		return nil, err
	}
	h.maxTsMicros = maxTs

	return h, nil
}

// readLastTs returns the designated timestamp of the last durable row, or
// 0 if rowCount is 0.
func readLastTs(io facade.FileIO, fd int, rowCount int64) (int64, error) {
	if rowCount == 0 {
		return 0, nil
	}
	var buf [8]byte
	if _, err := io.Read(fd, buf[:], (rowCount-1)*8); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (h *writerHandle) closeOpened() {
	for _, cf := range h.cols {
		_ = cf.close(h.store.io)
	}
}

func (h *writerHandle) NewRow(tsMicros int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rowOpen = true
	h.rowTsMicros = tsMicros
	h.touched = make(map[int32][]byte)
	h.touchedVar = make(map[int32][]byte)
}

func (h *writerHandle) CancelRow() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rowOpen = false
	h.touched = nil
	h.touchedVar = nil
}

func (h *writerHandle) AppendRow() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.rowOpen {
		return fmt.Errorf("tablestore: AppendRow without NewRow")
	}

	// An out-of-order row (spec §4.5, invariant §8.7: ts strictly behind the
	// partition's current max) is buffered rather than appended at the
	// tail; mergeOOO folds it in at the next Commit. A table's very first
	// row can never be out-of-order — there is no max yet to trail.
	if h.rowCount > 0 && h.rowTsMicros < h.maxTsMicros {
		h.oooRows = append(h.oooRows, oooRow{
			tsMicros:   h.rowTsMicros,
			touched:    h.touched,
			touchedVar: h.touchedVar,
		})
		h.nUncommitted++
		h.rowOpen = false
		h.touched = nil
		h.touchedVar = nil
		return nil
	}

	row := h.rowCount
	for _, cf := range h.cols {
		if _, fixed := cf.typ.FixedWidth(); fixed {
			if err := h.appendFixed(cf, row); err != nil {
				return err
			}
			continue
		}
		if err := h.appendVar(cf, row); err != nil {
			return err
		}
	}
	if err := h.appendTs(row, h.rowTsMicros); err != nil {
		return err
	}

	h.rowCount++
	h.maxTsMicros = h.rowTsMicros
	h.nUncommitted++
	h.rowOpen = false
	h.touched = nil
	h.touchedVar = nil
	return nil
}

func (h *writerHandle) appendTs(row, tsMicros int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(tsMicros))
	_, err := h.store.io.Write(h.tsFd, buf[:], row*8)
	return err
}

func (h *writerHandle) appendFixed(cf *columnFiles, row int64) error {
	width, _ := cf.typ.FixedWidth()
	if payload, ok := h.touched[int32(cf.index)]; ok {
		if len(payload) != width {
			return fmt.Errorf("tablestore: column %q expects %d bytes, got %d", cf.name, width, len(payload))
		}
		_, err := h.store.io.Write(cf.dataFd, payload, row*int64(width))
		return err
	}
	return fillNullFixed(h.store.io, cf.dataFd, cf.typ, row)
}

func (h *writerHandle) appendVar(cf *columnFiles, row int64) error {
	offset, err := h.varTailOffset(cf)
	if err != nil {
		return err
	}

	payload, touched := h.touchedVar[int32(cf.index)]
	if !touched {
		var idxBuf [8]byte
		binary.LittleEndian.PutUint64(idxBuf[:], uint64(oooplan.NullVarIndexEntry))
		_, err := h.store.io.Write(cf.idxFd, idxBuf[:], row*8)
		return err
	}

	if _, err := h.store.io.Write(cf.dataFd, payload, offset); err != nil {
		return err
	}
	var idxBuf [8]byte
	binary.LittleEndian.PutUint64(idxBuf[:], uint64(offset))
	_, err = h.store.io.Write(cf.idxFd, idxBuf[:], row*8)
	return err
}

// varTailOffset returns the byte offset at which the next var-width value
// should be appended, read from the last non-null index entry (spec §4.5:
// "the data file's destination offset is computed by reading the last index
// entry"); 0 when the column has no non-null row yet.
func (h *writerHandle) varTailOffset(cf *columnFiles) (int64, error) {
	last := oooplan.NullVarIndexEntry
	for row := h.rowCount - 1; row >= 0 && last == oooplan.NullVarIndexEntry; row-- {
		var buf [8]byte
		if _, err := h.store.io.Read(cf.idxFd, buf[:], row*8); err != nil {
			return 0, err
		}
		last = int64(binary.LittleEndian.Uint64(buf[:]))
	}
	if last == oooplan.NullVarIndexEntry {
		return 0, nil
	}
	// The previously written entry stores an offset; the payload length
	// that followed it isn't recoverable without re-reading the blob, so
	// tablestore also keeps a trailing length prefix: the first 4 bytes of
	// every var payload are its own length, matching getVarColumnLength's
	// STRING encoding (spec §4.5).
	var lenBuf [4]byte
	if _, err := h.store.io.Read(cf.dataFd, lenBuf[:], last); err != nil {
		return 0, err
	}
	payloadLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	return last + 4 + payloadLen, nil
}

func (h *writerHandle) PutLong(col int32, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.touched[col] = buf[:]
}

func (h *writerHandle) PutInt(col int32, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	h.touched[col] = buf[:]
}

func (h *writerHandle) PutShort(col int32, v int16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	h.touched[col] = buf[:]
}

func (h *writerHandle) PutByte(col int32, v int8) {
	h.touched[col] = []byte{byte(v)}
}

func (h *writerHandle) PutDouble(col int32, v float64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	h.touched[col] = buf[:]
}

func (h *writerHandle) PutBoolean(col int32, v bool) {
	buf := []byte{0}
	if v {
		buf[0] = 1
	}
	h.touched[col] = buf
}

// PutSym resolves value against the column's symbol cache, writing a new
// entry on first sight. This is the TAG path (spec §4.4); CACHED_TAG uses
// PutSymIndex once the writer thread has already resolved the index.
func (h *writerHandle) PutSym(col int32, value []byte) (int32, error) {
	table := h.symbols[col]
	if table == nil {
		return 0, fmt.Errorf("tablestore: column index %d is not a symbol column", col)
	}

	idx, assigned := table.resolve(value)
	if assigned {
		if err := h.store.persistSymbol(context.Background(), h.name, col, string(value), idx); err != nil {
			return 0, err
		}
	}
	h.PutSymIndex(col, idx)
	return idx, nil
}

func (h *writerHandle) PutSymIndex(col int32, idx int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(idx))
	h.touched[col] = buf[:]
}

func (h *writerHandle) PutStr(col int32, v []byte) {
	buf := make([]byte, 4+len(v))
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	copy(buf[4:], v)
	h.touchedVar[col] = buf
}

func (h *writerHandle) PutLong256(col int32, v []byte) {
	buf := make([]byte, 32)
	copy(buf, v)
	h.touched[col] = buf
}

func (h *writerHandle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commitLocked()
}

func (h *writerHandle) commitLocked() error {
	if len(h.oooRows) > 0 {
		if err := h.mergeOOO(); err != nil {
			return err
		}
	}

	if err := h.store.persistRowCount(context.Background(), h.name, h.rowCount); err != nil {
		return err
	}
	h.nUncommitted = 0
	h.lastCommitMicros = time.Now().UnixMicro()
	return nil
}

// mergeOOO folds every row buffered in h.oooRows into the partition via
// internal/oooplan (spec §4.5: "invoked per column when a commit crosses
// the existing partition's max timestamp"). The timestamp interleave is
// computed once and shared across every column, including the hidden
// timestamp column itself, then each column's existing file is rewritten
// into a fresh temp file and swapped in with os.Rename — the same
// rewrite-into-a-temp-location-then-atomic-swap pattern pkg/mddb/reindex.go
// uses for its own index rebuilds.
func (h *writerHandle) mergeOOO() error {
	rows := h.oooRows
	sort.Slice(rows, func(i, j int) bool { return rows[i].tsMicros < rows[j].tsMicros })

	oldRowCount := h.rowCount
	oooLen := int64(len(rows))

	existingTs, err := h.readTsRange(0, oldRowCount-1)
	if err != nil {
		return fmt.Errorf("tablestore: read existing timestamps: %w", err)
	}

	minOOO := rows[0].tsMicros
	maxOOO := rows[oooLen-1].tsMicros

	var prefixLen int64
	for prefixLen < oldRowCount && existingTs[prefixLen] < minOOO {
		prefixLen++
	}
	var suffixLen int64
	for suffixLen < oldRowCount-prefixLen && existingTs[oldRowCount-1-suffixLen] > maxOOO {
		suffixLen++
	}

	// oooLo/oooHi are DATA-row-index bounds (not timestamps, not raw OOO
	// buffer indices): the first and last existing row index folded into
	// the merge block, matching oooplan.classifyMergeBlocks' convention.
	oooLo := prefixLen
	oooHi := oldRowCount - 1 - suffixLen

	mergeOrder := buildMergeOrder(existingTs[prefixLen:oldRowCount-suffixLen], prefixLen, rows)

	tsCF := &columnFiles{name: tsColumnName, typ: wire.ColLong, index: -1, dataFd: h.tsFd, idxFd: -1}
	tsWriter := func(fixFd, _ int) error {
		buf := make([]byte, oooLen*8)
		for i, r := range rows {
			binary.LittleEndian.PutUint64(buf[i*8:], uint64(r.tsMicros))
		}
		_, err := h.store.io.Write(fixFd, buf, 0)
		return err
	}
	if err := h.mergeColumn(tsCF, oldRowCount, oooLo, oooHi, oooLen, mergeOrder, tsWriter); err != nil {
		return fmt.Errorf("tablestore: merge timestamp column: %w", err)
	}
	h.tsFd = tsCF.dataFd

	for _, cf := range h.cols {
		cf := cf
		writer := func(fixFd, varFd int) error {
			return h.writeOOOColumn(cf, rows, fixFd, varFd)
		}
		if err := h.mergeColumn(cf, oldRowCount, oooLo, oooHi, oooLen, mergeOrder, writer); err != nil {
			return err
		}
	}

	h.rowCount = oldRowCount + oooLen
	if maxOOO > h.maxTsMicros {
		h.maxTsMicros = maxOOO
	}
	h.oooRows = nil
	return nil
}

// readTsRange reads the inclusive row range [lo,hi] from the timestamp
// column, returning nil if the range is empty.
func (h *writerHandle) readTsRange(lo, hi int64) ([]int64, error) {
	n := hi - lo + 1
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n*8)
	if _, err := h.store.io.Read(h.tsFd, buf, lo*8); err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}

// buildMergeOrder produces the timestamp interleave of the existing DATA
// rows [dataLoRow, dataLoRow+len(dataTs)) and the sorted OOO buffer,
// identical for every column merged in this commit (spec §4.5 S5). Ties
// favor the DATA side, matching the stable ordering a full re-sort of both
// sides by timestamp would produce.
func buildMergeOrder(dataTs []int64, dataLoRow int64, rows []oooRow) []oooplan.MergeStep {
	order := make([]oooplan.MergeStep, 0, int64(len(dataTs))+int64(len(rows)))
	i, j := 0, 0
	for i < len(dataTs) && j < len(rows) {
		if dataTs[i] <= rows[j].tsMicros {
			order = append(order, oooplan.MergeStep{SrcRow: dataLoRow + int64(i)})
			i++
		} else {
			order = append(order, oooplan.MergeStep{FromOOO: true, SrcRow: int64(j)})
			j++
		}
	}
	for ; i < len(dataTs); i++ {
		order = append(order, oooplan.MergeStep{SrcRow: dataLoRow + int64(i)})
	}
	for ; j < len(rows); j++ {
		order = append(order, oooplan.MergeStep{FromOOO: true, SrcRow: int64(j)})
	}
	return order
}

// writeOOOColumn materializes rows' contribution to one column into the
// temp OOO source file(s) mergeColumn opened, in the sorted order mergeOOO
// already established. A row that never touched this column is encoded as
// the type's null sentinel, mirroring appendFixed/appendVar.
func (h *writerHandle) writeOOOColumn(cf *columnFiles, rows []oooRow, fixFd, varFd int) error {
	width, fixed := cf.typ.FixedWidth()

	if fixed {
		buf := make([]byte, int64(len(rows))*int64(width))
		for i, r := range rows {
			if payload, ok := r.touched[int32(cf.index)]; ok {
				copy(buf[int64(i)*int64(width):], payload)
			} else {
				oooplan.SetNull(cf.typ, buf[int64(i)*int64(width):int64(i+1)*int64(width)])
			}
		}
		_, err := h.store.io.Write(fixFd, buf, 0)
		return err
	}

	var idxBuf []byte
	var varBuf []byte
	var varOffset int64
	for _, r := range rows {
		payload, ok := r.touchedVar[int32(cf.index)]
		entry := int64(oooplan.NullVarIndexEntry)
		if ok {
			entry = varOffset
			varBuf = append(varBuf, payload...)
			varOffset += int64(len(payload))
		}
		var eb [8]byte
		binary.LittleEndian.PutUint64(eb[:], uint64(entry))
		idxBuf = append(idxBuf, eb[:]...)
	}
	if _, err := h.store.io.Write(fixFd, idxBuf, 0); err != nil {
		return err
	}
	if len(varBuf) > 0 {
		if _, err := h.store.io.Write(varFd, varBuf, 0); err != nil {
			return err
		}
	}
	return nil
}

// mergeColumn rewrites one column's on-disk file(s) through oooplan,
// folding writeOOO's buffered rows into [0,oldRowCount) at the positions
// mergeOrder selects. It materializes the OOO buffer into scratch files
// (oooplan's FileSlot has no owning-fd auto-close, so every fd opened here
// is closed by this function, not by the planner/executor), drains the
// per-call copy queue synchronously, then swaps the rewritten file(s) in.
func (h *writerHandle) mergeColumn(cf *columnFiles, oldRowCount, oooLo, oooHi, oooLen int64, mergeOrder []oooplan.MergeStep, writeOOO func(fixFd, varFd int) error) error {
	io := h.store.io
	_, fixed := cf.typ.FixedWidth()

	dataPath, idxPath, _ := columnPaths(h.tableDir, cf.name)

	existingFixFd := cf.dataFd
	existingVarFd := -1
	if !fixed {
		existingFixFd = cf.idxFd
		existingVarFd = cf.dataFd
	}

	oooFixPath := dataPath + ".ooofix"
	oooFixFd, err := io.OpenRW(oooFixPath)
	if err != nil {
		return err
	}
	defer func() { _ = io.Close(oooFixFd); _ = os.Remove(oooFixPath) }()

	oooVarFd := -1
	var oooVarPath string
	if !fixed {
		oooVarPath = dataPath + ".ooovar"
		oooVarFd, err = io.OpenRW(oooVarPath)
		if err != nil {
			return err
		}
		defer func() { _ = io.Close(oooVarFd); _ = os.Remove(oooVarPath) }()
	}

	if err := writeOOO(oooFixFd, oooVarFd); err != nil {
		return fmt.Errorf("tablestore: materialize OOO buffer for %q: %w", cf.name, err)
	}

	tmpFixPath := dataPath + ".merge"
	if !fixed {
		tmpFixPath = idxPath + ".merge"
	}
	tmpVarPath := dataPath + ".merge"

	q, err := oooplan.NewCopyTaskQueue(4)
	if err != nil {
		return err
	}
	exec := &oooplan.RealExecutor{IO: io}
	cursor := q.NewCursor()
	part := oooplan.NewPartitionMergeState(1, func() {})

	openDst := func(fixSize, varSize int64) (oooplan.FileSlot, oooplan.FileSlot, error) {
		ffd, err := io.OpenRW(tmpFixPath)
		if err != nil {
			return oooplan.FileSlot{}, oooplan.FileSlot{}, err
		}
		if fixSize > 0 {
			if err := io.Allocate(ffd, fixSize); err != nil {
				return oooplan.FileSlot{}, oooplan.FileSlot{}, err
			}
		}
		if fixed {
			return oooplan.FileSlot{Fd: ffd, Owning: true}, oooplan.FileSlot{}, nil
		}

		vfd, err := io.OpenRW(tmpVarPath)
		if err != nil {
			return oooplan.FileSlot{}, oooplan.FileSlot{}, err
		}
		if varSize > 0 {
			if err := io.Allocate(vfd, varSize); err != nil {
				return oooplan.FileSlot{}, oooplan.FileSlot{}, err
			}
		}
		return oooplan.FileSlot{Fd: ffd, Owning: true}, oooplan.FileSlot{Fd: vfd, Owning: true}, nil
	}

	varColumnLength := func(src oooplan.FileSlot, srcOffset, lo, hi int64) (int64, error) {
		dataFd := existingVarFd
		if src.Fd == oooFixFd {
			dataFd = oooVarFd
		}
		return readVarColumnLength(io, src.Fd, dataFd, lo, hi)
	}

	in := oooplan.ColumnInput{
		ColType:         cf.typ,
		Mode:            oooplan.OpenLastPartitionForMerge,
		SrcOoo:          oooplan.FileSlot{Fd: oooFixFd},
		SrcOooVar:       oooplan.FileSlot{Fd: oooVarFd},
		SrcOooLo:        oooLo,
		SrcOooHi:        oooHi,
		SrcOooCount:     oooLen,
		SrcData:         oooplan.FileSlot{Fd: existingFixFd},
		SrcDataVar:      oooplan.FileSlot{Fd: existingVarFd},
		SrcDataMax:      oldRowCount,
		SrcDataTop:      0,
		DstDir:          h.tableDir,
		OpenDst:         openDst,
		VarColumnLength: varColumnLength,
		MergeOrder:      mergeOrder,
	}

	planner := &oooplan.Planner{Queue: q, Exec: exec}
	if _, err := planner.PlanColumn(in, nil, part); err != nil {
		return fmt.Errorf("tablestore: plan merge for %q: %w", cf.name, err)
	}

	for {
		desc, ok := cursor.Peek()
		if !ok {
			break
		}
		if err := exec.Execute(desc); err != nil {
			return fmt.Errorf("tablestore: execute merge copy for %q: %w", cf.name, err)
		}
		cursor.Advance()
	}

	if err := io.Close(cf.dataFd); err != nil {
		return err
	}
	if !fixed {
		if err := io.Close(cf.idxFd); err != nil {
			return err
		}
	}

	if fixed {
		if err := os.Rename(tmpFixPath, dataPath); err != nil {
			return fmt.Errorf("tablestore: finalize merged column %q: %w", cf.name, err)
		}
		newFd, err := io.OpenRW(dataPath)
		if err != nil {
			return err
		}
		cf.dataFd = newFd
		return nil
	}

	if err := os.Rename(tmpVarPath, dataPath); err != nil {
		return fmt.Errorf("tablestore: finalize merged column %q: %w", cf.name, err)
	}
	if err := os.Rename(tmpFixPath, idxPath); err != nil {
		return fmt.Errorf("tablestore: finalize merged column %q index: %w", cf.name, err)
	}
	newDataFd, err := io.OpenRW(dataPath)
	if err != nil {
		return err
	}
	newIdxFd, err := io.OpenRW(idxPath)
	if err != nil {
		return err
	}
	cf.dataFd = newDataFd
	cf.idxFd = newIdxFd
	return nil
}

// readVarColumnLength sums the length-prefixed payload size for rows
// [lo,hi] of a var-width column, reading the 8-byte index entries from
// idxFd and the length prefixes they point to from dataFd.
func readVarColumnLength(io facade.FileIO, idxFd, dataFd int, lo, hi int64) (int64, error) {
	n := hi - lo + 1
	if n <= 0 {
		return 0, nil
	}
	idxBuf := make([]byte, n*8)
	if _, err := io.Read(idxFd, idxBuf, lo*8); err != nil {
		return 0, err
	}
	var total int64
	var lenBuf [4]byte
	for i := int64(0); i < n; i++ {
		off := int64(binary.LittleEndian.Uint64(idxBuf[i*8:]))
		if off == oooplan.NullVarIndexEntry {
			continue
		}
		if _, err := io.Read(dataFd, lenBuf[:], off); err != nil {
			return 0, err
		}
		total += 4 + int64(binary.LittleEndian.Uint32(lenBuf[:]))
	}
	return total, nil
}

// CommitWithHysteresis defers the durability-boundary write until
// minIntervalMicros has elapsed since the last commit (spec §4.4), trading
// a bounded amount of durability for write throughput.
func (h *writerHandle) CommitWithHysteresis(minIntervalMicros int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UnixMicro()
	if now-h.lastCommitMicros < minIntervalMicros {
		return nil
	}
	return h.commitLocked()
}

func (h *writerHandle) AddColumn(name string, t wire.ColumnType) (int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.colIndex[name]; exists {
		return 0, fmt.Errorf("tablestore: column %q already exists", name)
	}

	idx := h.nextCol
	if err := createColumnFiles(h.store.io, h.tableDir, name, t, int(idx), h.rowCount); err != nil {
		return 0, err
	}

	if _, err := h.store.db.ExecContext(context.Background(),
		`INSERT INTO columns(table_name, name, col_type, col_index) VALUES (?, ?, ?, ?)`,
		h.name, name, int(t), idx); err != nil {
		return 0, fmt.Errorf("tablestore: record column %q: %w", name, err)
	}

	cf, err := openColumnFiles(h.store.io, h.tableDir, columnRow{name: name, typ: int(t), index: int(idx)})
	if err != nil {
		return 0, err
	}

	h.cols = append(h.cols, cf)
	h.colIndex[name] = idx
	h.nextCol++
	if t == wire.ColSymbol {
		h.symbols[idx] = newSymbolTable()
	}

	return idx, nil
}

func (h *writerHandle) GetMetadata() facade.TableMetadata {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := facade.TableMetadata{Name: h.name, ColumnIndex: make(map[string]int32, len(h.cols))}
	for _, cf := range h.cols {
		m.Columns = append(m.Columns, facade.ColumnSchema{Name: cf.name, Type: cf.typ})
		m.ColumnIndex[cf.name] = int32(cf.index)
	}
	return m
}

func (h *writerHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for _, cf := range h.cols {
		if err := cf.close(h.store.io); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.store.io.Close(h.tsFd); err != nil && firstErr == nil {
		firstErr = err
	}

	h.store.releaseWriter(h.name)
	return firstErr
}

var _ facade.WriterHandle = (*writerHandle)(nil)
