package tablestore_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/iofile"
	"github.com/calvinalkan/qdbingest/internal/tablestore"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

func openTestStore(t *testing.T) *tablestore.Store {
	t.Helper()

	s, _ := openTestStoreAt(t)
	return s
}

func openTestStoreAt(t *testing.T) (*tablestore.Store, string) {
	t.Helper()

	dir := t.TempDir()
	s, err := tablestore.Open(t.Context(), dir, iofile.NewReal())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

// readLongColumn reads n LONG values directly out of <dir>/<table>/<col>.d,
// bypassing the package's own reader surface (there is none exposed for
// raw column values) to verify what internal/oooplan actually wrote.
func readLongColumn(t *testing.T, dir, table, col string, n int) []int64 {
	t.Helper()

	buf, err := os.ReadFile(filepath.Join(dir, table, col+".d"))
	if err != nil {
		t.Fatalf("read %s.d: %v", col, err)
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}

// readStringColumn reads n STRING values directly out of <dir>/<table>/<col>.i
// (8-byte offset index) and <col>.d (length-prefixed UTF-8 payloads).
func readStringColumn(t *testing.T, dir, table, col string, n int) []string {
	t.Helper()

	idx, err := os.ReadFile(filepath.Join(dir, table, col+".i"))
	if err != nil {
		t.Fatalf("read %s.i: %v", col, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, table, col+".d"))
	if err != nil {
		t.Fatalf("read %s.d: %v", col, err)
	}

	out := make([]string, n)
	for i := range out {
		off := int64(binary.LittleEndian.Uint64(idx[i*8:]))
		length := binary.LittleEndian.Uint32(data[off:])
		out[i] = string(data[off+4 : off+4+int64(length)])
	}
	return out
}

func testSchema(name string) facade.TableSchema {
	return facade.TableSchema{
		Name:        name,
		PartitionBy: facade.PartitionByDay,
		Columns: []facade.ColumnSchema{
			{Name: "sym", Type: wire.ColSymbol},
			{Name: "price", Type: wire.ColDouble},
			{Name: "qty", Type: wire.ColLong},
			{Name: "active", Type: wire.ColBoolean},
			{Name: "note", Type: wire.ColString},
		},
	}
}

func Test_CreateTable_Then_GetStatus_Reports_Exists(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	status, err := s.GetStatus(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetStatus before create: %v", err)
	}
	if status != facade.StatusDoesNotExist {
		t.Fatalf("status = %v, want StatusDoesNotExist", status)
	}

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	status, err = s.GetStatus(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetStatus after create: %v", err)
	}
	if status != facade.StatusExists {
		t.Fatalf("status = %v, want StatusExists", status)
	}
}

func Test_CreateTable_Twice_Returns_AlreadyExists(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("first CreateTable: %v", err)
	}

	err := s.CreateTable(t.Context(), testSchema("trades"))
	if !errors.Is(err, tablestore.ErrAlreadyExists) {
		t.Fatalf("second CreateTable err = %v, want ErrAlreadyExists", err)
	}
}

func Test_GetWriter_Without_CreateTable_Returns_EntryUnavailable(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, err := s.GetWriter(t.Context(), "ghost")
	if !errors.Is(err, facade.ErrEntryUnavailable) {
		t.Fatalf("err = %v, want ErrEntryUnavailable", err)
	}
}

func Test_GetWriter_Twice_Returns_WriterAlreadyOpen(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("first GetWriter: %v", err)
	}
	defer func() { _ = w.Close() }()

	_, err = s.GetWriter(t.Context(), "trades")
	if !errors.Is(err, tablestore.ErrWriterOpen) {
		t.Fatalf("second GetWriter err = %v, want ErrWriterOpen", err)
	}
}

func Test_AppendRow_Commit_Reopen_Preserves_RowCount(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}

	meta := w.GetMetadata()
	symCol := meta.ColumnIndex["sym"]
	priceCol := meta.ColumnIndex["price"]
	qtyCol := meta.ColumnIndex["qty"]
	activeCol := meta.ColumnIndex["active"]
	noteCol := meta.ColumnIndex["note"]

	for i := 0; i < 3; i++ {
		w.NewRow(int64(1000 + i))
		if _, err := w.PutSym(symCol, []byte("AAPL")); err != nil {
			t.Fatalf("PutSym: %v", err)
		}
		w.PutDouble(priceCol, 100.5)
		w.PutLong(qtyCol, int64(i))
		w.PutBoolean(activeCol, i%2 == 0)
		w.PutStr(noteCol, []byte("hello"))
		if err := w.AppendRow(); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}

	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("reopen GetWriter: %v", err)
	}
	defer func() { _ = w2.Close() }()

	// A fourth row should land at row index 3, proving the row count
	// survived the writer handle being closed and reopened.
	w2.NewRow(2000)
	if _, err := w2.PutSym(symCol, []byte("AAPL")); err != nil {
		t.Fatalf("PutSym after reopen: %v", err)
	}
	w2.PutDouble(priceCol, 101.0)
	w2.PutLong(qtyCol, 42)
	w2.PutBoolean(activeCol, true)
	w2.PutStr(noteCol, []byte("world"))
	if err := w2.AppendRow(); err != nil {
		t.Fatalf("AppendRow after reopen: %v", err)
	}
	if err := w2.Commit(); err != nil {
		t.Fatalf("Commit after reopen: %v", err)
	}
}

func Test_PutSym_Reuses_Index_For_Same_Value_And_Survives_Reopen(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}

	symCol := w.GetMetadata().ColumnIndex["sym"]

	idxAAPL, err := w.PutSym(symCol, []byte("AAPL"))
	if err != nil {
		t.Fatalf("PutSym AAPL: %v", err)
	}
	idxMSFT, err := w.PutSym(symCol, []byte("MSFT"))
	if err != nil {
		t.Fatalf("PutSym MSFT: %v", err)
	}
	if idxAAPL == idxMSFT {
		t.Fatalf("distinct symbol values got the same index %d", idxAAPL)
	}

	idxAAPLAgain, err := w.PutSym(symCol, []byte("AAPL"))
	if err != nil {
		t.Fatalf("PutSym AAPL again: %v", err)
	}
	if idxAAPLAgain != idxAAPL {
		t.Fatalf("re-resolving AAPL got index %d, want %d", idxAAPLAgain, idxAAPL)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("reopen GetWriter: %v", err)
	}
	defer func() { _ = w2.Close() }()

	idxAAPLReopened, err := w2.PutSym(symCol, []byte("AAPL"))
	if err != nil {
		t.Fatalf("PutSym AAPL after reopen: %v", err)
	}
	if idxAAPLReopened != idxAAPL {
		t.Fatalf("AAPL index changed across reopen: got %d, want %d", idxAAPLReopened, idxAAPL)
	}

	idxNew, err := w2.PutSym(symCol, []byte("GOOG"))
	if err != nil {
		t.Fatalf("PutSym GOOG after reopen: %v", err)
	}
	if idxNew == idxAAPL || idxNew == idxMSFT {
		t.Fatalf("new symbol GOOG collided with an existing index %d", idxNew)
	}
}

func Test_AppendRow_Without_NewRow_Errors(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.AppendRow(); err == nil {
		t.Fatal("AppendRow without NewRow: want error, got nil")
	}
}

func Test_CancelRow_Discards_Pending_Values(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	defer func() { _ = w.Close() }()

	qtyCol := w.GetMetadata().ColumnIndex["qty"]

	w.NewRow(1)
	w.PutLong(qtyCol, 999)
	w.CancelRow()

	w.NewRow(2)
	symCol := w.GetMetadata().ColumnIndex["sym"]
	if _, err := w.PutSym(symCol, []byte("X")); err != nil {
		t.Fatalf("PutSym: %v", err)
	}
	if err := w.AppendRow(); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
}

func Test_AddColumn_Then_Write_New_Column(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	defer func() { _ = w.Close() }()

	qtyCol := w.GetMetadata().ColumnIndex["qty"]
	symCol := w.GetMetadata().ColumnIndex["sym"]

	w.NewRow(1)
	if _, err := w.PutSym(symCol, []byte("X")); err != nil {
		t.Fatalf("PutSym: %v", err)
	}
	w.PutLong(qtyCol, 1)
	if err := w.AppendRow(); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}

	newCol, err := w.AddColumn("extra", wire.ColLong)
	if err != nil {
		t.Fatalf("AddColumn: %v", err)
	}

	w.NewRow(2)
	if _, err := w.PutSym(symCol, []byte("X")); err != nil {
		t.Fatalf("PutSym: %v", err)
	}
	w.PutLong(qtyCol, 2)
	w.PutLong(newCol, 7)
	if err := w.AppendRow(); err != nil {
		t.Fatalf("AppendRow with new column: %v", err)
	}

	meta := w.GetMetadata()
	if _, ok := meta.ColumnIndex["extra"]; !ok {
		t.Fatal("extra column missing from GetMetadata after AddColumn")
	}
}

func Test_AddColumn_Duplicate_Name_Errors(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	defer func() { _ = w.Close() }()

	if _, err := w.AddColumn("qty", wire.ColLong); err == nil {
		t.Fatal("AddColumn with existing name: want error, got nil")
	}
}

func Test_GetReader_Reflects_Schema_Without_Opening_Writer(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	meta, err := s.GetReader(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetReader: %v", err)
	}
	if meta.Name != "trades" {
		t.Fatalf("meta.Name = %q, want trades", meta.Name)
	}
	if len(meta.Columns) != 5 {
		t.Fatalf("len(meta.Columns) = %d, want 5", len(meta.Columns))
	}
}

func Test_GetReader_Unknown_Table_Returns_NotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, err := s.GetReader(t.Context(), "ghost")
	if !errors.Is(err, tablestore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_ListTables_Returns_Every_Table_Sorted(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable trades: %v", err)
	}
	if err := s.CreateTable(t.Context(), testSchema("quotes")); err != nil {
		t.Fatalf("CreateTable quotes: %v", err)
	}

	names, err := s.ListTables(t.Context())
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(names) != 2 || names[0] != "quotes" || names[1] != "trades" {
		t.Fatalf("names = %v, want [quotes trades]", names)
	}
}

func Test_ListTables_Empty_Store_Returns_No_Tables(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	names, err := s.ListTables(t.Context())
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names = %v, want empty", names)
	}
}

func Test_RowCount_Reflects_Committed_Rows(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.CreateTable(t.Context(), testSchema("trades")); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}

	meta := w.GetMetadata()
	symCol := meta.ColumnIndex["sym"]
	priceCol := meta.ColumnIndex["price"]
	qtyCol := meta.ColumnIndex["qty"]
	activeCol := meta.ColumnIndex["active"]
	noteCol := meta.ColumnIndex["note"]

	for i := 0; i < 3; i++ {
		w.NewRow(int64(i))
		if _, err := w.PutSym(symCol, []byte("AAPL")); err != nil {
			t.Fatalf("PutSym: %v", err)
		}
		w.PutDouble(priceCol, float64(i))
		w.PutLong(qtyCol, int64(i))
		w.PutBoolean(activeCol, true)
		w.PutStr(noteCol, []byte("n"))
		if err := w.AppendRow(); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n, err := s.RowCount(t.Context(), "trades")
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("RowCount = %d, want 3", n)
	}
}

func Test_RowCount_Unknown_Table_Returns_NotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, err := s.RowCount(t.Context(), "ghost")
	if !errors.Is(err, tablestore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Test_PutShort_PutByte_Encode_At_Native_Width guards against a value
// narrowed to SHORT/BYTE being written through a 4-byte encoding:
// appendFixed rejects any payload whose length doesn't match the column's
// actual width, so PutShort/PutByte must produce a 2-byte/1-byte payload
// rather than reuse PutInt's encoding.
func Test_PutShort_PutByte_Encode_At_Native_Width(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	schema := facade.TableSchema{
		Name: "readings",
		Columns: []facade.ColumnSchema{
			{Name: "level", Type: wire.ColShort},
			{Name: "flag", Type: wire.ColByte},
		},
	}
	if err := s.CreateTable(t.Context(), schema); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "readings")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}
	defer func() { _ = w.Close() }()

	levelCol := w.GetMetadata().ColumnIndex["level"]
	flagCol := w.GetMetadata().ColumnIndex["flag"]

	w.NewRow(1)
	w.PutShort(levelCol, 12345)
	w.PutByte(flagCol, -7)
	if err := w.AppendRow(); err != nil {
		t.Fatalf("AppendRow with SHORT/BYTE columns: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// Test_Commit_Merges_Out_Of_Order_Rows_In_Timestamp_Order covers spec §4.5
// scenario S5: a partition holds rows at ts [100, 200, 300]; an OOO batch
// at ts [150, 250] arrives and must be folded in so the final columns read
// back in full timestamp order — not appended at the tail, and not an
// OOO-only overwrite of the merged span.
func Test_Commit_Merges_Out_Of_Order_Rows_In_Timestamp_Order(t *testing.T) {
	t.Parallel()

	s, dir := openTestStoreAt(t)

	schema := facade.TableSchema{
		Name: "trades",
		Columns: []facade.ColumnSchema{
			{Name: "qty", Type: wire.ColLong},
			{Name: "note", Type: wire.ColString},
		},
	}
	if err := s.CreateTable(t.Context(), schema); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := s.GetWriter(t.Context(), "trades")
	if err != nil {
		t.Fatalf("GetWriter: %v", err)
	}

	qtyCol := w.GetMetadata().ColumnIndex["qty"]
	noteCol := w.GetMetadata().ColumnIndex["note"]

	write := func(ts, qty int64, note string) {
		w.NewRow(ts)
		w.PutLong(qtyCol, qty)
		w.PutStr(noteCol, []byte(note))
		if err := w.AppendRow(); err != nil {
			t.Fatalf("AppendRow(ts=%d): %v", ts, err)
		}
	}

	write(100, 1, "a")
	write(200, 2, "b")
	write(300, 3, "c")
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit (in-order rows): %v", err)
	}

	// Out-of-order batch, deliberately appended out of sorted order here
	// too (250 before 150) to confirm mergeOOO sorts the buffered rows
	// itself rather than relying on arrival order.
	write(250, 99, "oo1")
	write(150, 98, "oo2")
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit (OOO merge): %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n, err := s.RowCount(t.Context(), "trades")
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("RowCount = %d, want 5", n)
	}

	wantQty := []int64{1, 98, 2, 99, 3}
	gotQty := readLongColumn(t, dir, "trades", "qty", 5)
	if len(gotQty) != len(wantQty) {
		t.Fatalf("len(gotQty) = %d, want %d", len(gotQty), len(wantQty))
	}
	for i := range wantQty {
		if gotQty[i] != wantQty[i] {
			t.Fatalf("qty[%d] = %d, want %d (full: got=%v want=%v)", i, gotQty[i], wantQty[i], gotQty, wantQty)
		}
	}

	wantNote := []string{"a", "oo2", "b", "oo1", "c"}
	gotNote := readStringColumn(t, dir, "trades", "note", 5)
	for i := range wantNote {
		if gotNote[i] != wantNote[i] {
			t.Fatalf("note[%d] = %q, want %q (full: got=%v want=%v)", i, gotNote[i], wantNote[i], gotNote, wantNote)
		}
	}
}
