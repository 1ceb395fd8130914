package tablestore

import "sync"

// symbolTable is the authoritative string->dictionary-index map for one
// symbol column, owned by the writer handle. It is distinct from
// internal/symtab.SymbolCache, which is the writer thread's local,
// best-effort cache of the same mapping kept to avoid calling PutSym at
// all on a warm symbol (spec §4.4: "resolve via symbol cache; cached path
// writes only a symbol index").
type symbolTable struct {
	mu      sync.Mutex
	byValue map[string]int32
	next    int32
}

func newSymbolTable() *symbolTable {
	return &symbolTable{byValue: make(map[string]int32)}
}

// loadSymbolTable rebuilds a symbolTable from previously persisted
// value->index pairs (spec §6: the symbol dictionary must survive a writer
// handle being closed and reopened).
func loadSymbolTable(entries map[string]int32) *symbolTable {
	t := newSymbolTable()
	for v, idx := range entries {
		t.byValue[v] = idx
		if idx >= t.next {
			t.next = idx + 1
		}
	}
	return t
}

// resolve returns value's index and whether it was newly assigned, so the
// caller can persist newly-assigned entries.
func (t *symbolTable) resolve(value []byte) (idx int32, assigned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.byValue[string(value)]; ok {
		return idx, false
	}
	idx = t.next
	t.byValue[string(value)] = idx
	t.next++
	return idx, true
}
