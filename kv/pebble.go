package kv

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleOptions configures the persistent backend.
type PebbleOptions struct {
	// InMemory backs the database with an in-process filesystem instead of
	// the given directory. Used by tests.
	InMemory bool
	// NoSync disables fsync on commits. Crash safety then depends on the
	// OS; the write-ahead flag of the store above still covers process
	// crashes.
	NoSync bool
}

// Pebble is a persistent Store backed by a pebble database.
type Pebble struct {
	db    *pebble.DB
	wopts *pebble.WriteOptions
}

// OpenPebble opens (or creates) a pebble-backed store in dir.
func OpenPebble(dir string, opts PebbleOptions) (*Pebble, error) {
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("kv: opening pebble at %s: %w", dir, err)
	}
	wopts := pebble.Sync
	if opts.NoSync || opts.InMemory {
		wopts = pebble.NoSync
	}
	return &Pebble{db: db, wopts: wopts}, nil
}

func (p *Pebble) Get(key Key) ([]byte, error) {
	enc, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}
	val, closer, err := p.db.Get(enc)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (p *Pebble) Set(key Key, value []byte) error {
	enc, err := EncodeKey(key)
	if err != nil {
		return err
	}
	return p.db.Set(enc, value, p.wopts)
}

func (p *Pebble) Delete(key Key) (bool, error) {
	enc, err := EncodeKey(key)
	if err != nil {
		return false, err
	}
	_, closer, err := p.db.Get(enc)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := closer.Close(); err != nil {
		return false, err
	}
	return true, p.db.Delete(enc, p.wopts)
}

func (p *Pebble) List(sel Selector, opts ListOptions) Iterator {
	lo, hi, ok, err := sel.bounds()
	if err != nil {
		return &errIterator{err: err}
	}
	if !ok {
		return &sliceIterator{pos: -1}
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return &errIterator{err: err}
	}
	return &pebbleIterator{
		iter:    iter,
		reverse: opts.Reverse,
		limit:   opts.Limit,
	}
}

func (p *Pebble) Clear(sel Selector) error {
	lo, hi, ok, err := sel.bounds()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if lo == nil {
		lo = []byte{}
	}
	if hi == nil {
		// DeleteRange needs a concrete end; past the 0x27 tag ceiling every
		// byte is outside the codec's key space.
		hi = []byte{0xFF}
	}
	return p.db.DeleteRange(lo, hi, p.wopts)
}

func (p *Pebble) NewBatch() Batch {
	return &pebbleBatch{batch: p.db.NewBatch(), wopts: p.wopts}
}

func (p *Pebble) Close() error { return p.db.Close() }

// --- Batch ---

type pebbleBatch struct {
	batch *pebble.Batch
	wopts *pebble.WriteOptions
	n     int
	err   error
}

func (b *pebbleBatch) Set(key Key, value []byte) {
	enc, err := EncodeKey(key)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	if err := b.batch.Set(enc, value, nil); err != nil && b.err == nil {
		b.err = err
	}
	b.n++
}

func (b *pebbleBatch) Delete(key Key) {
	enc, err := EncodeKey(key)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	if err := b.batch.Delete(enc, nil); err != nil && b.err == nil {
		b.err = err
	}
	b.n++
}

func (b *pebbleBatch) Len() int { return b.n }

func (b *pebbleBatch) Write() error {
	if b.err != nil {
		return b.err
	}
	return b.batch.Commit(b.wopts)
}

func (b *pebbleBatch) Reset() {
	b.batch.Reset()
	b.n = 0
	b.err = nil
}

// --- Iterator ---

// pebbleIterator steps the underlying iterator lazily, decoding keys on
// demand.
type pebbleIterator struct {
	iter    *pebble.Iterator
	reverse bool
	limit   int
	started bool
	yielded int
	key     Key
	value   []byte
	err     error
}

func (it *pebbleIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.limit > 0 && it.yielded >= it.limit {
		return false
	}
	var valid bool
	switch {
	case !it.started && it.reverse:
		valid = it.iter.Last()
	case !it.started:
		valid = it.iter.First()
	case it.reverse:
		valid = it.iter.Prev()
	default:
		valid = it.iter.Next()
	}
	it.started = true
	if !valid {
		it.err = it.iter.Error()
		return false
	}
	key, err := DecodeKey(it.iter.Key())
	if err != nil {
		it.err = err
		return false
	}
	it.key = key
	it.value = append([]byte(nil), it.iter.Value()...)
	it.yielded++
	return true
}

func (it *pebbleIterator) Key() Key      { return it.key }
func (it *pebbleIterator) Value() []byte { return it.value }
func (it *pebbleIterator) Error() error  { return it.err }

func (it *pebbleIterator) Release() {
	if err := it.iter.Close(); err != nil && it.err == nil {
		it.err = err
	}
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Pebble)(nil)
)
