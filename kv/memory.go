package kv

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// memItem is a single encoded key-value pair in the btree.
type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b *memItem) bool { return bytes.Compare(a.key, b.key) < 0 }

// Memory is an in-memory Store backed by a balanced tree. It is safe for
// concurrent use and suitable for testing and development.
type Memory struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[*memItem]
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewG(32, memLess)}
}

func (m *Memory) Get(key Key) ([]byte, error) {
	enc, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	item, ok := m.tree.Get(&memItem{key: enc})
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(item.value))
	copy(cp, item.value)
	return cp, nil
}

func (m *Memory) Set(key Key, value []byte) error {
	enc, err := EncodeKey(key)
	if err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tree.ReplaceOrInsert(&memItem{key: enc, value: cp})
	return nil
}

func (m *Memory) Delete(key Key) (bool, error) {
	enc, err := EncodeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, existed := m.tree.Delete(&memItem{key: enc})
	return existed, nil
}

// List returns an iterator over a snapshot of the selected range, so the
// caller may mutate the store while iterating.
func (m *Memory) List(sel Selector, opts ListOptions) Iterator {
	lo, hi, ok, err := sel.bounds()
	if err != nil {
		return &errIterator{err: err}
	}
	if !ok {
		return &sliceIterator{pos: -1}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &errIterator{err: ErrClosed}
	}

	var items []memItem
	collect := func(it *memItem) bool {
		if hi != nil && bytes.Compare(it.key, hi) >= 0 {
			return false
		}
		val := make([]byte, len(it.value))
		copy(val, it.value)
		items = append(items, memItem{key: it.key, value: val})
		// Reverse iteration needs the full range before the limit applies.
		return opts.Reverse || opts.Limit <= 0 || len(items) < opts.Limit
	}
	if lo != nil {
		m.tree.AscendGreaterOrEqual(&memItem{key: lo}, collect)
	} else {
		m.tree.Ascend(collect)
	}
	if opts.Reverse {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		if opts.Limit > 0 && len(items) > opts.Limit {
			items = items[:opts.Limit]
		}
	}
	return &sliceIterator{items: items, pos: -1}
}

func (m *Memory) Clear(sel Selector) error {
	it := m.List(sel, ListOptions{})
	defer it.Release()
	var keys []Key
	for it.Next() {
		keys = append(keys, it.Key())
	}
	if err := it.Error(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		enc, err := EncodeKey(k)
		if err != nil {
			return err
		}
		m.tree.Delete(&memItem{key: enc})
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of entries in the store.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// NewBatch creates a batch that applies its operations under a single
// write lock.
func (m *Memory) NewBatch() Batch {
	return &memBatch{db: m}
}

// --- Batch ---

type memOp struct {
	key    []byte
	value  []byte
	delete bool
}

type memBatch struct {
	db  *Memory
	ops []memOp
	err error
}

func (b *memBatch) Set(key Key, value []byte) {
	enc, err := EncodeKey(key)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b.ops = append(b.ops, memOp{key: enc, value: cp})
}

func (b *memBatch) Delete(key Key) {
	enc, err := EncodeKey(key)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	b.ops = append(b.ops, memOp{key: enc, delete: true})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Write() error {
	if b.err != nil {
		return b.err
	}
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if b.db.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			b.db.tree.Delete(&memItem{key: op.key})
		} else {
			b.db.tree.ReplaceOrInsert(&memItem{key: op.key, value: op.value})
		}
	}
	return nil
}

func (b *memBatch) Reset() {
	b.ops = b.ops[:0]
	b.err = nil
}

// --- Iterators ---

// sliceIterator walks a materialised snapshot of entries.
type sliceIterator struct {
	items []memItem
	pos   int
	key   Key
	err   error
}

func (it *sliceIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos >= len(it.items) {
		return false
	}
	k, err := DecodeKey(it.items[it.pos].key)
	if err != nil {
		it.err = err
		return false
	}
	it.key = k
	return true
}

func (it *sliceIterator) Key() Key {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return it.key
}

func (it *sliceIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos].value
}

func (it *sliceIterator) Error() error { return it.err }
func (it *sliceIterator) Release()     {}

// errIterator yields nothing and reports a fixed error.
type errIterator struct{ err error }

func (it *errIterator) Next() bool    { return false }
func (it *errIterator) Key() Key      { return nil }
func (it *errIterator) Value() []byte { return nil }
func (it *errIterator) Error() error  { return it.err }
func (it *errIterator) Release()      {}
