package prefixiter

import (
	"errors"

	"github.com/willowmere/willow/kv"
)

// Scan is a Set persisted on a kv backend. A path maps to the tuple key
// whose parts are its components, so tuple-prefix selection is exactly
// path-prefix selection and the backend's key order is path order.
type Scan struct {
	db kv.Store
}

// NewScan creates a kv-backed prefix iterator over db; the caller usually
// hands in a prefix-isolated view.
func NewScan(db kv.Store) *Scan {
	return &Scan{db: db}
}

func pathKey(path [][]byte) kv.Key {
	k := make(kv.Key, len(path))
	for i, comp := range path {
		k[i] = kv.Bytes(comp)
	}
	return k
}

func keyPath(k kv.Key) ([][]byte, error) {
	path := make([][]byte, len(k))
	for i, p := range k {
		if p.Kind() != kv.KindBytes {
			return nil, errors.New("prefixiter: non-bytes key part in path row")
		}
		path[i] = p.BytesValue()
	}
	return path, nil
}

func (s *Scan) Insert(path [][]byte, value []byte) error {
	return s.db.Set(pathKey(path), value)
}

func (s *Scan) Remove(path [][]byte) (bool, error) {
	return s.db.Delete(pathKey(path))
}

// PrefixesOf resolves each prefix of the path with a point lookup, from the
// empty path down to the path itself.
func (s *Scan) PrefixesOf(path [][]byte) Iterator {
	return &scanPrefixesIterator{s: s, path: path, next: 0}
}

type scanPrefixesIterator struct {
	s     *Scan
	path  [][]byte
	next  int // prefix length to probe next
	cur   [][]byte
	value []byte
	err   error
}

func (it *scanPrefixesIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.next <= len(it.path) {
		n := it.next
		it.next++
		v, err := it.s.db.Get(pathKey(it.path[:n]))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			it.err = err
			return false
		}
		it.cur = clonePath(it.path[:n])
		it.value = v
		return true
	}
	return false
}

func (it *scanPrefixesIterator) Path() [][]byte { return it.cur }
func (it *scanPrefixesIterator) Value() []byte  { return it.value }
func (it *scanPrefixesIterator) Error() error   { return it.err }
func (it *scanPrefixesIterator) Release()       {}

// PrefixedBy scans the tuple range selected by the path as a key prefix.
func (s *Scan) PrefixedBy(path [][]byte) Iterator {
	it := s.db.List(kv.Selector{Prefix: pathKey(path)}, kv.ListOptions{})
	return &scanRangeIterator{it: it}
}

type scanRangeIterator struct {
	it   kv.Iterator
	path [][]byte
	err  error
}

func (it *scanRangeIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.it.Next() {
		it.err = it.it.Error()
		return false
	}
	path, err := keyPath(it.it.Key())
	if err != nil {
		it.err = err
		return false
	}
	it.path = path
	return true
}

func (it *scanRangeIterator) Path() [][]byte { return it.path }
func (it *scanRangeIterator) Value() []byte  { return it.it.Value() }
func (it *scanRangeIterator) Error() error   { return it.err }
func (it *scanRangeIterator) Release()       { it.it.Release() }

var _ Set = (*Scan)(nil)
