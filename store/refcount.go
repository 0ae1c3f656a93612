package store

import (
	"encoding/binary"
	"errors"

	"github.com/willowmere/willow/kv"
)

// RefCounter tracks, per payload digest, how many entries reference it.
// Counts live in a prefix-isolated kv area; rows are dropped when a count
// reaches zero. Callers serialise access through the ingestion lock.
type RefCounter struct {
	db kv.Store
}

// NewRefCounter creates a counter over the given (usually prefixed) store.
func NewRefCounter(db kv.Store) *RefCounter {
	return &RefCounter{db: db}
}

func refKey(digest []byte) kv.Key {
	return kv.Key{kv.Bytes(digest)}
}

// Count returns the current reference count for digest.
func (r *RefCounter) Count(digest []byte) (uint64, error) {
	raw, err := r.db.Get(refKey(digest))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errInternal
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Increment bumps the count for digest and returns the new value.
func (r *RefCounter) Increment(digest []byte) (uint64, error) {
	n, err := r.Count(digest)
	if err != nil {
		return 0, err
	}
	n++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return n, r.db.Set(refKey(digest), buf[:])
}

// Reset replaces the whole counter area with the given counts. Crash
// recovery uses it, before replaying a write-ahead flag, to restore the
// counts-match-entries invariant after an interrupted mutation whose
// reference changes cannot be attributed.
func (r *RefCounter) Reset(counts map[string]uint64) error {
	if err := r.db.Clear(kv.Selector{}); err != nil {
		return err
	}
	batch := r.db.NewBatch()
	for digest, n := range counts {
		if n == 0 {
			continue
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], n)
		batch.Set(refKey([]byte(digest)), buf[:])
	}
	return batch.Write()
}

// Decrement lowers the count for digest and returns the new value; the row
// is removed when it reaches zero. Decrementing an untracked digest is a
// no-op at zero.
func (r *RefCounter) Decrement(digest []byte) (uint64, error) {
	n, err := r.Count(digest)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	n--
	if n == 0 {
		_, err := r.db.Delete(refKey(digest))
		return 0, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return n, r.db.Set(refKey(digest), buf[:])
}
