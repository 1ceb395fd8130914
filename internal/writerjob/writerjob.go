// Package writerjob implements WriterJob (spec §4.4): the per-writer-thread
// loop that drains its fan-out cursor, applies data events to the table
// writer, commits on thresholds, and handles REBALANCE/RELEASE_WRITER
// control events.
//
// Grounded on the teacher's pkg/mddb/tx.go transaction apply/commit/
// rollback shape and pkg/slotcache's single-writer mutation discipline
// (explicit lock-ordering comments, one owner goroutine per resource).
package writerjob

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/calvinalkan/qdbingest/internal/catalog"
	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/queue"
	"github.com/calvinalkan/qdbingest/internal/symtab"
	"github.com/calvinalkan/qdbingest/internal/telemetry"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

// Clock abstracts wall-clock reads (for the null-timestamp substitution
// and commit hysteresis).
type Clock interface {
	NowMicros() int64
}

type systemClock struct{}

func (systemClock) NowMicros() int64 { return time.Now().UnixMicro() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Config is the subset of daemon configuration a WriterJob consults.
type Config struct {
	MaxUncommittedRows     int64
	CommitHysteresisMicros int64
	DefaultSymbolCapacity  int
}

// assignedTable is this writer's private state for one owned table (spec
// §4.4 "assignedTables"), never touched by any other goroutine.
type assignedTable struct {
	details      *catalog.TableUpdateDetails
	handle       facade.WriterHandle
	local        *symtab.ThreadLocalDetails
	nUncommitted int64
}

// WriterJob is one pinned writer thread (spec §4.4).
type WriterJob struct {
	id     wire.ThreadID
	cursor *queue.Cursor
	cat    *catalog.Catalog
	cf     facade.CatalogFacade
	cfg    Config
	sink   telemetry.Sink
	clock  Clock

	assigned map[string]*assignedTable
}

// New returns a WriterJob for writer thread id, reading from cursor.
func New(id wire.ThreadID, cursor *queue.Cursor, cat *catalog.Catalog, cf facade.CatalogFacade, cfg Config, sink telemetry.Sink, clock Clock) *WriterJob {
	if sink == nil {
		sink = telemetry.Discard
	}
	if clock == nil {
		clock = SystemClock
	}
	return &WriterJob{
		id: id, cursor: cursor, cat: cat, cf: cf, cfg: cfg, sink: sink, clock: clock,
		assigned: make(map[string]*assignedTable),
	}
}

// DrainOnce processes at most one published slot (spec §4.4 drainQueue,
// one iteration). It returns false when there is nothing new to process.
func (w *WriterJob) DrainOnce() (bool, error) {
	slot, ok := w.cursor.Peek()
	if !ok {
		return false, nil
	}

	switch slot.ThreadID {
	case wire.Incomplete:
		// never observable per spec invariant; treat as a bug, not a retry.
		return false, fmt.Errorf("writerjob: observed INCOMPLETE slot at seq %d", w.cursor.CurrentSeq())

	case wire.Rebalance:
		w.handleRebalance(slot)
		return true, nil

	case wire.ReleaseWriter:
		w.handleReleaseWriter(slot)
		w.cursor.Advance()
		return true, nil

	default:
		if int32(slot.ThreadID) == int32(w.id) {
			if err := w.handleData(slot); err != nil {
				w.sink.Event("row.apply_failed", map[string]any{"writer": int32(w.id), "error": err.Error()})
			}
		}
		w.cursor.Advance()
		return true, nil
	}
}

func (w *WriterJob) handleRebalance(slot *queue.Slot) {
	cmd := &slot.Rebalance

	switch {
	case cmd.ToThreadID == int32(w.id):
		if !cmd.Released() {
			// do not release cursor: will be re-seen until the "from"
			// writer completes its handshake (spec §4.4, §9 decision 1).
			return
		}
		at, err := w.ensureAssigned(cmd.Table)
		if err != nil {
			w.sink.Event("rebalance.adopt_failed", map[string]any{"writer": int32(w.id), "table": cmd.Table, "error": err.Error()})
		} else {
			at.details.AssignedToJob = true
		}
		w.cursor.Advance()

	case cmd.FromThreadID == int32(w.id):
		at, ok := w.assigned[cmd.Table]
		if ok {
			if err := w.commitAndClose(at); err != nil {
				w.sink.Event("rebalance.close_failed", map[string]any{"writer": int32(w.id), "table": cmd.Table, "error": err.Error()})
			}
			delete(w.assigned, cmd.Table)
		}
		// Release: happens-before the "to" writer's Released() load above.
		cmd.Release()
		w.cursor.Advance()

	default:
		w.cursor.Advance()
	}
}

func (w *WriterJob) handleReleaseWriter(slot *queue.Slot) {
	name := slot.Rebalance.Table
	at, ok := w.assigned[name]
	if !ok {
		return
	}

	// Verify under the catalog read lock that the table is still this
	// writer's and has not been revived back into the active map by a
	// racing I/O worker (spec §4.4).
	d, stillActive := w.cat.Lookup(name)
	if stillActive && d == at.details {
		return
	}

	if err := w.commitAndClose(at); err != nil {
		w.sink.Event("release.close_failed", map[string]any{"writer": int32(w.id), "table": name, "error": err.Error()})
	}
	delete(w.assigned, name)
}

func (w *WriterJob) commitAndClose(at *assignedTable) error {
	if at.nUncommitted > 0 {
		if err := at.handle.Commit(); err != nil {
			return err
		}
		at.nUncommitted = 0
	}
	return at.handle.Close()
}

// ensureAssigned returns this writer's assignedTable for name, opening the
// writer handle on first observation (spec §4.4: "on first observation of
// this table, add it to assignedTables").
func (w *WriterJob) ensureAssigned(name string) (*assignedTable, error) {
	if at, ok := w.assigned[name]; ok {
		return at, nil
	}

	details, ok := w.cat.Lookup(name)
	if !ok {
		details, ok = w.cat.Revive(name)
		if !ok {
			return nil, fmt.Errorf("writerjob: %q not found in catalog", name)
		}
	}

	handle, err := w.cf.GetWriter(noopCtx{}, name)
	if err != nil {
		return nil, err
	}

	at := &assignedTable{
		details: details,
		handle:  handle,
		local:   symtab.NewThreadLocalDetails(w.cfg.DefaultSymbolCapacity),
	}
	w.assigned[name] = at
	return at, nil
}

func (w *WriterJob) handleData(slot *queue.Slot) error {
	at, err := w.ensureAssigned(slot.Table)
	if err != nil {
		return err
	}

	row, err := wire.Decode(slot.Bytes())
	if err != nil {
		return err
	}

	if err := w.applyMeasurementEvent(at, row); err != nil {
		return err
	}

	at.nUncommitted++
	if at.nUncommitted >= w.cfg.MaxUncommittedRows {
		if err := at.handle.CommitWithHysteresis(w.cfg.CommitHysteresisMicros); err != nil {
			return err
		}
		at.nUncommitted = 0
	}
	return nil
}

// applyMeasurementEvent implements spec §4.4's entity application loop,
// including the column auto-create cancel-and-restart path.
func (w *WriterJob) applyMeasurementEvent(at *assignedTable, row wire.Row) error {
	ts := row.TimestampMicros
	if ts == wire.NullTimestamp {
		ts = w.clock.NowMicros()
	}

restart:
	at.handle.NewRow(ts)

	for i := range row.Entities {
		e := &row.Entities[i]

		col := e.ColRef
		if e.Unresolved() {
			name := string(e.Name)
			if idx, cached := at.local.ColumnIndex(name); cached {
				col = idx
			} else if idx, found := at.handle.GetMetadata().ColumnIndex[name]; found {
				col = idx
				at.local.SetColumnIndex(name, idx)
			} else {
				at.handle.CancelRow()

				if !validColumnName(name) {
					return fmt.Errorf("writerjob: invalid column name %q", name)
				}

				colType, ok := wire.DefaultColumnType(e.Type)
				if !ok {
					return fmt.Errorf("writerjob: no default column type for entity type %v", e.Type)
				}

				newCol, err := at.handle.AddColumn(name, colType)
				if err != nil {
					return fmt.Errorf("writerjob: add column %q: %w", name, err)
				}
				// the writer's column set changed: any other cached
				// name->index mappings may now be stale if the new column
				// reused a slot (implementation-defined), so drop them all
				// and reseed only the one we just resolved.
				at.local.Reset()
				at.local.SetColumnIndex(name, newCol)

				goto restart
			}
		}

		if err := w.putEntity(at, col, e); err != nil {
			at.handle.CancelRow()
			return err
		}
	}

	return at.handle.AppendRow()
}

func (w *WriterJob) putEntity(at *assignedTable, col int32, e *wire.Entity) error {
	meta := at.handle.GetMetadata()
	var colType wire.ColumnType
	if int(col) < len(meta.Columns) {
		colType = meta.Columns[col].Type
	}

	switch e.Type {
	case wire.Tag:
		sc := at.local.SymbolCacheFor(col)
		if idx, ok := sc.Get(e.Str); ok {
			at.handle.PutSymIndex(col, idx)
			return nil
		}
		idx, err := at.handle.PutSym(col, e.Str)
		if err != nil {
			return err
		}
		sc.Put(e.Str, idx)
		return nil

	case wire.CachedTag:
		at.handle.PutSymIndex(col, int32(e.I64))
		return nil

	case wire.Integer:
		switch colType {
		case wire.ColLong, wire.ColTimestamp, wire.ColDate:
			at.handle.PutLong(col, e.I64)
		case wire.ColInt:
			if e.I64 < -(1<<31) || e.I64 > (1<<31)-1 {
				return fmt.Errorf("writerjob: integer %d out of INT range for column %d", e.I64, col)
			}
			at.handle.PutInt(col, int32(e.I64))
		case wire.ColShort:
			if e.I64 < -(1<<15) || e.I64 > (1<<15)-1 {
				return fmt.Errorf("writerjob: integer %d out of SHORT range for column %d", e.I64, col)
			}
			at.handle.PutShort(col, int16(e.I64))
		case wire.ColByte:
			if e.I64 < -(1<<7) || e.I64 > (1<<7)-1 {
				return fmt.Errorf("writerjob: integer %d out of BYTE range for column %d", e.I64, col)
			}
			at.handle.PutByte(col, int8(e.I64))
		default:
			return fmt.Errorf("writerjob: INTEGER not convertible to column type %v", colType)
		}
		return nil

	case wire.Float:
		switch colType {
		case wire.ColDouble, wire.ColFloat:
			at.handle.PutDouble(col, e.F64)
		default:
			return fmt.Errorf("writerjob: FLOAT not convertible to column type %v", colType)
		}
		return nil

	case wire.Boolean:
		at.handle.PutBoolean(col, e.I64 != 0)
		return nil

	case wire.String, wire.Long256:
		if !utf8.Valid(e.Str) {
			return fmt.Errorf("writerjob: invalid utf8 in entity value")
		}
		if e.Type == wire.Long256 {
			at.handle.PutLong256(col, e.Str)
		} else {
			at.handle.PutStr(col, e.Str)
		}
		return nil

	default:
		return fmt.Errorf("writerjob: unknown entity type %v", e.Type)
	}
}

// Maintenance commits pending rows for every assigned table (spec §4.4:
// "for each assigned table, commit pending rows if nUncommitted > 0 or
// hysteresis is non-zero").
func (w *WriterJob) Maintenance() {
	for _, at := range w.assigned {
		if at.nUncommitted > 0 || w.cfg.CommitHysteresisMicros != 0 {
			if err := at.handle.CommitWithHysteresis(w.cfg.CommitHysteresisMicros); err != nil {
				w.sink.Event("maintenance.commit_failed", map[string]any{"writer": int32(w.id), "table": at.details.Name, "error": err.Error()})
				continue
			}
			at.nUncommitted = 0
		}
	}
}

func validColumnName(name string) bool {
	if name == "" || len(name) > 127 {
		return false
	}
	if !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		switch r {
		case '?', '.', ',', '\'', '"', '\\', '/', ':', ')', '(', '+', '-', '*', '%', '~', 0:
			return false
		}
	}
	return true
}

// noopCtx is a minimal context.Context for internal calls that don't carry
// cancellation (the writer thread owns its handle for the table's entire
// assigned lifetime; GetWriter is expected to be fast/local).
type noopCtx struct{}

func (noopCtx) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noopCtx) Done() <-chan struct{}       { return nil }
func (noopCtx) Err() error                  { return nil }
func (noopCtx) Value(key any) any           { return nil }
