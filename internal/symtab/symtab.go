// Package symtab implements the two leaf caches named in spec §2:
// SymbolCache (per (table,column) string->dictionary-id cache) and
// ThreadLocalDetails (per (table, io-worker/writer) column-name->index
// cache plus its columns' symbol caches).
//
// Grounded on the teacher's pkg/slotcache registry idiom (a bounded map
// with no eviction, no external cache library) — slotcache itself never
// reaches for an LRU package, so neither does this.
package symtab

import "sync"

// SymbolCache maps a tag/symbol column's string values to the dictionary
// index the underlying writer assigned them (spec §4.4 TAG handling:
// "resolve via symbol cache; cached path writes only a symbol index").
//
// Capacity bounds memory for high-cardinality columns: once full, Put is a
// no-op and the caller falls back to resolving through the writer handle
// every time (a correctness-neutral performance cliff, matching the
// source's own "symbol cache" sizing knob, defaultSymbolCapacity).
type SymbolCache struct {
	mu       sync.RWMutex
	capacity int
	byValue  map[string]int32
}

// NewSymbolCache returns a cache that holds up to capacity entries.
func NewSymbolCache(capacity int) *SymbolCache {
	return &SymbolCache{capacity: capacity, byValue: make(map[string]int32)}
}

// Get returns the cached index for value, if present.
func (c *SymbolCache) Get(value []byte) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byValue[string(value)]
	return idx, ok
}

// Put records value -> idx, unless the cache is already at capacity.
func (c *SymbolCache) Put(value []byte, idx int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.byValue) >= c.capacity {
		return
	}
	c.byValue[string(value)] = idx
}

// ThreadLocalDetails is one writer thread's per-table scratch state for
// applying events without re-querying the writer's metadata on every
// entity (spec §4.4's column-name->index resolution, §2 "per-(table,
// io-worker) column-name->index cache and symbol caches").
type ThreadLocalDetails struct {
	columnIndex map[string]int32
	symbols     map[int32]*SymbolCache // keyed by resolved column index
	symCacheCap int
}

// NewThreadLocalDetails returns an empty ThreadLocalDetails; symCacheCap
// bounds each column's SymbolCache (spec §6 Configuration:
// defaultSymbolCapacity).
func NewThreadLocalDetails(symCacheCap int) *ThreadLocalDetails {
	return &ThreadLocalDetails{
		columnIndex: make(map[string]int32),
		symbols:     make(map[int32]*SymbolCache),
		symCacheCap: symCacheCap,
	}
}

// ColumnIndex returns the cached column index for name, if known.
func (d *ThreadLocalDetails) ColumnIndex(name string) (int32, bool) {
	idx, ok := d.columnIndex[name]
	return idx, ok
}

// SetColumnIndex records name -> idx.
func (d *ThreadLocalDetails) SetColumnIndex(name string, idx int32) {
	d.columnIndex[name] = idx
}

// SymbolCacheFor returns (creating if necessary) the SymbolCache for
// column idx.
func (d *ThreadLocalDetails) SymbolCacheFor(idx int32) *SymbolCache {
	sc, ok := d.symbols[idx]
	if !ok {
		sc = NewSymbolCache(d.symCacheCap)
		d.symbols[idx] = sc
	}
	return sc
}

// Reset clears the column-name cache after a table's column set changes
// (spec §4.4's "cancel the open row ... reset the decode cursor"
// auto-create path invalidates any stale name->index mapping).
func (d *ThreadLocalDetails) Reset() {
	d.columnIndex = make(map[string]int32)
}
