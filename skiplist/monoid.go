// Package skiplist implements a summarisable ordered store: a probabilistic
// skip list persisted on a kv backend whose nodes carry monoidal summaries,
// so any key range can be fingerprinted and counted in logarithmic expected
// time. A linear reference implementation with the identical contract
// serves as the oracle in property tests.
package skiplist

import "github.com/willowmere/willow/kv"

// Monoid lifts logical entries into a summary domain F and combines them.
// Combine must be associative with Neutral as identity; it is applied in
// ascending key order, so commutativity is not required. The fingerprint
// codec persists summaries inside node values.
type Monoid[F any] interface {
	Lift(key kv.Key, value []byte) F
	Combine(a, b F) F
	Neutral() F
	EncodeFingerprint(f F) []byte
	DecodeFingerprint(b []byte) (F, error)
}

// Summary aggregates a set of entries: the monoidal fingerprint and the
// entry count.
type Summary[F any] struct {
	Fingerprint F
	Size        uint64
}

func combineSummary[F any](m Monoid[F], a, b Summary[F]) Summary[F] {
	return Summary[F]{
		Fingerprint: m.Combine(a.Fingerprint, b.Fingerprint),
		Size:        a.Size + b.Size,
	}
}

func neutralSummary[F any](m Monoid[F]) Summary[F] {
	return Summary[F]{Fingerprint: m.Neutral()}
}

// Store is the summarisable ordered store contract shared by the skip list
// and the linear reference implementation.
type Store[F any] interface {
	Get(key kv.Key) ([]byte, bool, error)
	Insert(key kv.Key, value []byte) error
	Remove(key kv.Key) (bool, error)
	// Summarise aggregates the half-open range [start, end) on the logical
	// order; a nil bound is unbounded. When start >= end the range wraps:
	// the result is (-inf, end) combined with [start, +inf), which for
	// start == end covers the whole store.
	Summarise(start, end kv.Key) (Summary[F], error)
	// Entries iterates the logical entries in [start, end).
	Entries(start, end kv.Key, opts kv.ListOptions) Iterator
}

// Iterator walks logical entries of a summarisable store.
type Iterator interface {
	Next() bool
	Key() kv.Key
	Value() []byte
	Error() error
	Release()
}
