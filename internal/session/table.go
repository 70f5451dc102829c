package session

import "sync"

// Table tracks the live handle for each session key.
type Table struct {
	mu      sync.RWMutex
	handles map[Key]Handle
}

// NewTable creates a Table ready for use.
func NewTable() *Table {
	return &Table{
		handles: make(map[Key]Handle),
	}
}

// Get returns the handle for key, if any.
func (t *Table) Get(key Key) (Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[key]
	return h, ok
}

// Set stores h under key, replacing any previous handle. The caller is
// responsible for destroying the handle it replaces.
func (t *Table) Set(key Key, h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[key] = h
}

// CompareAndRemove drops the entry for key only while it still holds h.
func (t *Table) CompareAndRemove(key Key, h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.handles[key]; ok && cur == h {
		delete(t.handles, key)
		return true
	}
	return false
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}
