package skiplist

import (
	"bytes"
	"errors"

	"github.com/willowmere/willow/kv"
)

// Linear is a summarisable store that answers every summary by a full scan.
// It exists as the oracle for the skip list's property tests and mirrors
// its contract exactly, including the wrap-around range semantics.
type Linear[F any] struct {
	db      kv.Store
	monoid  Monoid[F]
	valueEq func(a, b []byte) bool
}

// NewLinear creates a linear reference store over db.
func NewLinear[F any](db kv.Store, monoid Monoid[F], opts Options) *Linear[F] {
	eq := opts.ValueEq
	if eq == nil {
		eq = bytes.Equal
	}
	return &Linear[F]{db: db, monoid: monoid, valueEq: eq}
}

func (l *Linear[F]) Get(key kv.Key) ([]byte, bool, error) {
	v, err := l.db.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (l *Linear[F]) Insert(key kv.Key, value []byte) error {
	return l.db.Set(key, value)
}

func (l *Linear[F]) Remove(key kv.Key) (bool, error) {
	return l.db.Delete(key)
}

func (l *Linear[F]) Summarise(start, end kv.Key) (Summary[F], error) {
	if start != nil && end != nil && kv.Compare(start, end) >= 0 {
		head, err := l.scan(nil, end)
		if err != nil {
			return head, err
		}
		tail, err := l.scan(start, nil)
		if err != nil {
			return tail, err
		}
		return combineSummary(l.monoid, head, tail), nil
	}
	return l.scan(start, end)
}

func (l *Linear[F]) scan(start, end kv.Key) (Summary[F], error) {
	sum := neutralSummary[F](l.monoid)
	it := l.db.List(kv.Selector{Start: start, End: end}, kv.ListOptions{})
	defer it.Release()
	for it.Next() {
		single := Summary[F]{Fingerprint: l.monoid.Lift(it.Key(), it.Value()), Size: 1}
		sum = combineSummary(l.monoid, sum, single)
	}
	return sum, it.Error()
}

func (l *Linear[F]) Entries(start, end kv.Key, opts kv.ListOptions) Iterator {
	return &linearIterator{it: l.db.List(kv.Selector{Start: start, End: end}, opts)}
}

type linearIterator struct {
	it kv.Iterator
}

func (li *linearIterator) Next() bool    { return li.it.Next() }
func (li *linearIterator) Key() kv.Key   { return li.it.Key() }
func (li *linearIterator) Value() []byte { return li.it.Value() }
func (li *linearIterator) Error() error  { return li.it.Error() }
func (li *linearIterator) Release()      { li.it.Release() }

var _ Store[int] = (*Linear[int])(nil)
