// Package kv provides the ordered key-value backend the store is built on.
//
// Keys are tuples of typed parts (see Key) encoded with an order-preserving
// codec, so lexicographic comparison of encoded keys equals the logical
// tuple order. Two backends conform to the Store interface: an in-memory
// btree for testing and development, and a persistent pebble database.
// A prefix-isolated wrapper lets multiple logical stores share one backend.
package kv

import (
	"bytes"
	"errors"
)

var (
	// ErrNotFound is returned when a key is not present in the store.
	ErrNotFound = errors.New("kv: not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Selector describes a key range. Start and End bound a half-open interval
// [Start, End); a nil bound is unbounded. Prefix restricts the result to
// keys of which Prefix is a tuple prefix. When Prefix is combined with
// Start/End, the effective range is the intersection: a Start below the
// prefix range is ignored, a Start above it yields an empty result, and
// symmetrically for End.
type Selector struct {
	Start  Key
	End    Key
	Prefix Key
}

// ListOptions carries iteration options for Store.List.
type ListOptions struct {
	// Reverse yields entries in descending key order.
	Reverse bool
	// Limit caps the number of entries yielded; zero means unlimited.
	Limit int
	// BatchSize is a read-ahead hint for backends that fetch lazily.
	// Zero selects a backend default.
	BatchSize int
}

// Iterator walks key-value pairs in key order. A fresh iterator is
// positioned before the first entry; Next advances and reports whether an
// entry is available. Iterators are finite and restartable by calling List
// again.
type Iterator interface {
	Next() bool
	Key() Key
	Value() []byte
	// Error reports any storage or decoding fault hit during iteration.
	Error() error
	Release()
}

// Batch accumulates set and delete operations and commits them atomically.
type Batch interface {
	Set(key Key, value []byte)
	Delete(key Key)
	// Len returns the number of buffered operations.
	Len() int
	// Write applies all buffered operations atomically.
	Write() error
	Reset()
}

// Store is an ordered mapping from tuple keys to opaque values.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(key Key) ([]byte, error)
	// Set upserts the value at key.
	Set(key Key, value []byte) error
	// Delete removes key and reports whether it existed.
	Delete(key Key) (bool, error)
	// List returns an iterator over the entries matched by sel.
	List(sel Selector, opts ListOptions) Iterator
	// Clear deletes all entries matched by sel.
	Clear(sel Selector) error
	NewBatch() Batch
	Close() error
}

// bounds resolves a selector to encoded byte bounds [lo, hi). A nil lo or
// hi is unbounded. The boolean reports whether the range is non-empty.
func (sel Selector) bounds() (lo, hi []byte, ok bool, err error) {
	if sel.Start != nil {
		lo, err = EncodeKey(sel.Start)
		if err != nil {
			return nil, nil, false, err
		}
	}
	if sel.End != nil {
		hi, err = EncodeKey(sel.End)
		if err != nil {
			return nil, nil, false, err
		}
	}
	if sel.Prefix != nil {
		p, err := EncodeKey(sel.Prefix)
		if err != nil {
			return nil, nil, false, err
		}
		if lo == nil || bytes.Compare(lo, p) < 0 {
			lo = p
		}
		if up := prefixUpperBound(p); up != nil {
			if hi == nil || bytes.Compare(up, hi) < 0 {
				hi = up
			}
		}
	}
	if lo != nil && hi != nil && bytes.Compare(lo, hi) >= 0 {
		return nil, nil, false, nil
	}
	return lo, hi, true, nil
}

// prefixUpperBound returns the exclusive upper bound of the encodings of
// keys that have the encoded tuple p as a tuple prefix. After a complete
// part comes either nothing or another part's type tag (at most 0x27);
// only a byte or text part that runs on past p's last part, through an
// escaped zero, continues with 0xFF. So p followed by 0xFF bounds exactly
// the tuple extensions of p.
func prefixUpperBound(p []byte) []byte {
	up := make([]byte, len(p), len(p)+1)
	copy(up, p)
	return append(up, 0xFF)
}
