package scheduler_test

import (
	"testing"

	"github.com/calvinalkan/qdbingest/internal/catalog"
	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/iofile"
	"github.com/calvinalkan/qdbingest/internal/queue"
	"github.com/calvinalkan/qdbingest/internal/scheduler"
	"github.com/calvinalkan/qdbingest/internal/tablestore"
)

// fakeLocalCache is a single-threaded name->TableUpdateDetails map, the
// shape internal/ioworker's real local cache has (spec §4.3).
type fakeLocalCache struct {
	m map[string]*catalog.TableUpdateDetails
}

func newFakeLocalCache() *fakeLocalCache {
	return &fakeLocalCache{m: make(map[string]*catalog.TableUpdateDetails)}
}

func (c *fakeLocalCache) Get(name string) (*catalog.TableUpdateDetails, bool) {
	d, ok := c.m[name]
	return d, ok
}

func (c *fakeLocalCache) Put(name string, d *catalog.TableUpdateDetails) {
	c.m[name] = d
}

func newTestScheduler(t *testing.T, nWriterThreads int) (*scheduler.Scheduler, *catalog.Catalog) {
	t.Helper()

	store, err := tablestore.Open(t.Context(), t.TempDir(), iofile.NewReal())
	if err != nil {
		t.Fatalf("tablestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	q, err := queue.New(64, 256)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}

	cat := catalog.New()
	cfg := scheduler.Config{NUpdatesPerLoadRebalance: 1 << 30, MaxLoadRatio: 2.0, NWriterThreads: nWriterThreads}
	return scheduler.New(cfg, cat, store, q, nil, nil), cat
}

func publishOneRow(t *testing.T, s *scheduler.Scheduler, local scheduler.LocalCache, table string) {
	t.Helper()

	ok, err := s.TryCommitRow(t.Context(), local, facade.Measurement{
		Name:            table,
		TimestampMicros: 1,
		Entities:        nil,
	})
	if err != nil {
		t.Fatalf("TryCommitRow(%q): %v", table, err)
	}
	if !ok {
		t.Fatalf("TryCommitRow(%q): row not consumed", table)
	}
}

// Test_AssignWriterThread_Picks_Thread_Zero_When_Catalog_Empty covers
// spec §4.2 tryCommitRow's table-creation path: with no tables yet tracked,
// every writer thread has an implicit load of zero, so the first table
// created always lands on the lowest thread id.
func Test_AssignWriterThread_Picks_Thread_Zero_When_Catalog_Empty(t *testing.T) {
	t.Parallel()

	s, cat := newTestScheduler(t, 2)
	local := newFakeLocalCache()

	publishOneRow(t, s, local, "trades")

	d, ok := cat.Lookup("trades")
	if !ok {
		t.Fatal("table trades not found in catalog after creation")
	}
	if d.WriterThreadID != 0 {
		t.Fatalf("WriterThreadID = %d, want 0", d.WriterThreadID)
	}
}

// Test_AssignWriterThread_Prefers_Least_Loaded_Thread covers the fix for
// round-robin assignment (spec §4.2: "assign to the least-loaded writer, by
// nUpdates summed per writer-thread-id"). With thread 0 already carrying
// load and thread 1 idle, a newly created table must land on thread 1 even
// though thread 0 was the last one assigned to.
func Test_AssignWriterThread_Prefers_Least_Loaded_Thread(t *testing.T) {
	t.Parallel()

	s, cat := newTestScheduler(t, 2)
	local := newFakeLocalCache()

	publishOneRow(t, s, local, "busy")
	busy, ok := cat.Lookup("busy")
	if !ok {
		t.Fatal("table busy not found in catalog")
	}
	if busy.WriterThreadID != 0 {
		t.Fatalf("busy.WriterThreadID = %d, want 0", busy.WriterThreadID)
	}
	busy.NUpdates = 100 // simulate heavy load on thread 0

	publishOneRow(t, s, local, "quiet")
	quiet, ok := cat.Lookup("quiet")
	if !ok {
		t.Fatal("table quiet not found in catalog")
	}
	if quiet.WriterThreadID != 1 {
		t.Fatalf("quiet.WriterThreadID = %d, want 1 (thread 0 carries load, thread 1 is idle)", quiet.WriterThreadID)
	}
}

// Test_AssignWriterThread_Ties_Favor_Lowest_Id covers the tie-break rule:
// when two writer threads carry identical load, the newly created table
// goes to the lowest of the tied thread ids (spec §4.2). "x" and "y" are
// seeded directly into the catalog so their load is fixed before "z" is
// ever considered, isolating the tie-break from TryCommitRow's own
// NUpdates bookkeeping.
func Test_AssignWriterThread_Ties_Favor_Lowest_Id(t *testing.T) {
	t.Parallel()

	s, cat := newTestScheduler(t, 2)
	local := newFakeLocalCache()

	x, err := cat.Create("x", 0)
	if err != nil {
		t.Fatalf("cat.Create(x): %v", err)
	}
	x.NUpdates = 5
	y, err := cat.Create("y", 1)
	if err != nil {
		t.Fatalf("cat.Create(y): %v", err)
	}
	y.NUpdates = 5

	publishOneRow(t, s, local, "z")

	z, ok := cat.Lookup("z")
	if !ok {
		t.Fatal("table z not found in catalog after creation")
	}
	if z.WriterThreadID != 0 {
		t.Fatalf("z.WriterThreadID = %d, want 0 (tie between threads 0 and 1 favors the lower id)", z.WriterThreadID)
	}
}
