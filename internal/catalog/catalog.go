// Package catalog tracks per-table scheduling state: which writer thread
// owns a table, its open writer handle, and whether it is active or idle
// (spec §3 "TableUpdateDetails", "Catalog").
//
// The locking discipline mirrors the teacher's pkg/mddb.MDDB: readers take
// the read lock on the hot path (local-cache miss → catalog lookup),
// writers take the write lock for creation, idle transitions, and
// rebalance decisions. See DESIGN.md.
package catalog

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Error wraps a catalog operation with the table name it concerns,
// following the teacher's *Error{ID,Path,Err} context-wrapping idiom.
type Error struct {
	Table string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("catalog: %s %q: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Table: table, Op: op, Err: err}
}

// IoWorkerDetails is the per-I/O-worker slice of a table's state: each
// worker that has this table in its local cache keeps its own copy so it
// can detect when it is the sole remaining holder (spec §4.3 maintenance).
type IoWorkerDetails struct {
	WorkerID int
}

// TableUpdateDetails is the scheduling record for one table (spec §3).
//
// WriterThreadID is mutated either by the scheduler under the catalog write
// lock, or by the "from" writer thread during a rebalance handshake (spec
// invariant); both call sites hold the relevant synchronisation, so the
// field itself is plain (not atomic).
type TableUpdateDetails struct {
	// Name is immutable after creation.
	Name string

	WriterThreadID int32
	AssignedToJob  bool

	// NUpdates is an intentionally unsynchronised counter (spec §9 open
	// question: "preserve the approximation but document it"). Multiple
	// I/O worker goroutines may increment it concurrently without a lock;
	// the rebalancer consumes whatever racy value it observes. Do not add
	// locking here — it would change the documented behaviour.
	NUpdates int64

	// LastReceivedEpochMs is written by whichever I/O worker most recently
	// observed a row for this table; read by maintenance to decide
	// idleness. Same racy-approximation status as NUpdates.
	LastReceivedEpochMs int64

	// NIoWorkers counts how many I/O workers currently cache this table
	// locally (spec §4.3: "sole I/O holder" check at release time).
	NIoWorkers int32

	// rebalanceReleased is a handshake bit the scheduler clears
	// (ResetRebalanceHandshake) before publishing a REBALANCE for this
	// table. Writer jobs neither set nor read it: their release/acquire
	// handshake uses the bit on the slot's queue.RebalanceCmd.
	rebalanceReleased atomic.Bool

	// handle is the open writer handle for this table, owned exclusively
	// by the current WriterThreadID (spec §5).
	handle WriterHandle
}

// WriterHandle is the subset of the external writer-handle contract (spec
// §6) the catalog itself needs to hold a reference to and close.
type WriterHandle interface {
	Close() error
}

// MarkRebalanceReleased sets the handshake bit; only the "from" writer
// thread of an in-flight rebalance may call this.
func (d *TableUpdateDetails) MarkRebalanceReleased() { d.rebalanceReleased.Store(true) }

// RebalanceReleased reports whether the "from" writer has completed its
// side of the handshake.
func (d *TableUpdateDetails) RebalanceReleased() bool { return d.rebalanceReleased.Load() }

// ResetRebalanceHandshake clears the bit ahead of publishing a new
// REBALANCE event for this table.
func (d *TableUpdateDetails) ResetRebalanceHandshake() { d.rebalanceReleased.Store(false) }

// Handle returns the table's open writer handle, or nil if none is open.
func (d *TableUpdateDetails) Handle() WriterHandle { return d.handle }

// SetHandle installs the table's writer handle. Called by the owning
// writer thread only.
func (d *TableUpdateDetails) SetHandle(h WriterHandle) { d.handle = h }

// Catalog holds every known table split across two maps — active and idle
// — protected by one read/write lock (spec §3 "Entity: Catalog"). A table
// is in exactly one of the two maps at any time.
type Catalog struct {
	mu     sync.RWMutex
	active map[string]*TableUpdateDetails
	idle   map[string]*TableUpdateDetails
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		active: make(map[string]*TableUpdateDetails),
		idle:   make(map[string]*TableUpdateDetails),
	}
}

// Lookup returns the active TableUpdateDetails for name, taking the read
// lock. It does not consult the idle map — reviving an idle table is a
// write-lock operation (Revive).
func (c *Catalog) Lookup(name string) (*TableUpdateDetails, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.active[name]
	return d, ok
}

// Create inserts a brand-new table into the active map under the write
// lock, assigned to writerThreadID. It returns an error if the table
// already exists in either map.
func (c *Catalog) Create(name string, writerThreadID int32) (*TableUpdateDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[name]; ok {
		return nil, wrapErr("create", name, ErrAlreadyExists)
	}
	if _, ok := c.idle[name]; ok {
		return nil, wrapErr("create", name, ErrAlreadyExists)
	}

	d := &TableUpdateDetails{Name: name, WriterThreadID: writerThreadID, AssignedToJob: true}
	c.active[name] = d
	return d, nil
}

// Revive moves a table from idle back to active (spec §3 lifecycle: "revived
// from the idle pool when a new measurement arrives"). It does not change
// WriterThreadID — the caller decides whether to rebalance separately.
func (c *Catalog) Revive(name string) (*TableUpdateDetails, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.idle[name]
	if !ok {
		return nil, false
	}
	delete(c.idle, name)
	c.active[name] = d
	return d, true
}

// MoveToIdle moves an active table into the idle pool (spec §4.3
// maintenance, after a RELEASE_WRITER has been published and the writer
// handle closed).
func (c *Catalog) MoveToIdle(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.active[name]
	if !ok {
		return wrapErr("move-to-idle", name, ErrNotFound)
	}
	delete(c.active, name)
	d.AssignedToJob = false
	c.idle[name] = d
	return nil
}

// ForEachActive calls fn for every active table under the read lock. fn
// must not mutate the Catalog.
func (c *Catalog) ForEachActive(fn func(*TableUpdateDetails)) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, d := range c.active {
		fn(d)
	}
}

// LoadByThread sums NUpdates per writer thread across every active table
// (spec §4.2 step 1). The read is taken under the catalog's own lock, but
// each individual NUpdates load is still racy by design — see
// TableUpdateDetails.NUpdates.
func (c *Catalog) LoadByThread() map[int32]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	load := make(map[int32]int64)
	for _, d := range c.active {
		load[d.WriterThreadID] += d.NUpdates
	}
	return load
}

// TablesOnThread returns every active table currently assigned to
// writerThreadID, in map iteration order (spec §4.2 step 3: "among tables
// on hi with nUpdates > 0").
func (c *Catalog) TablesOnThread(writerThreadID int32) []*TableUpdateDetails {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*TableUpdateDetails
	for _, d := range c.active {
		if d.WriterThreadID == writerThreadID {
			out = append(out, d)
		}
	}
	return out
}

// ResetAllLoadCounters zeroes NUpdates on every active table (spec §4.2
// step 5, run unconditionally at the end of every loadRebalance pass).
func (c *Catalog) ResetAllLoadCounters() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, d := range c.active {
		atomic.StoreInt64(&d.NUpdates, 0)
	}
}

// Reassign sets d's writer thread under the catalog write lock (spec §4.2
// step 4: "set the table's writerThreadId=lo immediately").
func (c *Catalog) Reassign(d *TableUpdateDetails, writerThreadID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d.WriterThreadID = writerThreadID
}

// WithWriteLock runs fn with the catalog write lock held, for compound
// operations (e.g. loadRebalance) that must observe a consistent snapshot
// across several of the methods above.
func (c *Catalog) WithWriteLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}
