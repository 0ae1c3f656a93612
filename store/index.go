package store

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/willowmere/willow/kv"
	"github.com/willowmere/willow/prefixiter"
	"github.com/willowmere/willow/skiplist"
)

// Order selects which dimension leads a query.
type Order int

const (
	OrderSubspace Order = iota // subspace, path, timestamp
	OrderPath                  // path, timestamp, subspace
	OrderTime                  // timestamp, subspace, path
)

// TimeRange is a half-open timestamp interval [Start, End); Open ignores
// End.
type TimeRange struct {
	Start uint64
	End   uint64
	Open  bool
}

// Contains reports whether ts lies in the range.
func (r TimeRange) Contains(ts uint64) bool {
	return ts >= r.Start && (r.Open || ts < r.End)
}

// Area selects entries by subspace, path prefix, and time range. A nil
// Subspace matches every subspace.
type Area struct {
	Subspace   []byte
	PathPrefix [][]byte
	Time       TimeRange
}

// AreaOfInterest is an area with result caps. MaxCount bounds the number
// of entries, MaxSize their cumulative payload length; zero means
// unbounded. Processing stops at the first entry that would exceed either
// cap.
type AreaOfInterest struct {
	Area     Area
	MaxCount uint64
	MaxSize  uint64
}

// Index stores every entry in three summarisable skip lists keyed by the
// three rotations of (subspace, path, timestamp), all sharing one kv
// backend under distinct prefixes. The three lists hold identical values,
// so any ordering can serve a query and the subspace-path-time list serves
// summaries.
type Index[F any] struct {
	ns      []byte
	schemes Schemes[F]
	lists   [3]*skiplist.SkipList[F]
}

// NewIndex opens the triple index over db, placing the three lists under
// the prefixes ("entries", "spt" | "pts" | "tsp").
func NewIndex[F any](db kv.Store, ns []byte, schemes Schemes[F], seed int64) (*Index[F], error) {
	idx := &Index[F]{ns: ns, schemes: schemes}
	names := [3]string{"spt", "pts", "tsp"}
	for i, name := range names {
		sub := kv.NewPrefixed(db, kv.Key{kv.String("entries"), kv.String(name)})
		listSeed := seed // zero: every list draws a fresh seed
		if seed != 0 {
			listSeed = seed + int64(i)
		}
		list, err := skiplist.Open[F](sub, &indexMonoid[F]{idx: idx, order: Order(i)}, skiplist.Options{Seed: listSeed})
		if err != nil {
			return nil, fmt.Errorf("store: opening %s index: %w", name, err)
		}
		idx.lists[i] = list
	}
	return idx, nil
}

// indexMonoid adapts the fingerprint scheme to one index ordering: it
// decodes the physical row back into an entry before lifting.
type indexMonoid[F any] struct {
	idx   *Index[F]
	order Order
}

func (m *indexMonoid[F]) Lift(key kv.Key, value []byte) F {
	e, err := m.idx.decodeRow(m.order, key, value)
	if err != nil {
		// A row that cannot be decoded would already have failed every
		// read path; lift it as neutral so summaries stay total.
		return m.idx.schemes.Fingerprint.Neutral()
	}
	return m.idx.schemes.Fingerprint.Lift(e)
}

func (m *indexMonoid[F]) Combine(a, b F) F { return m.idx.schemes.Fingerprint.Combine(a, b) }
func (m *indexMonoid[F]) Neutral() F       { return m.idx.schemes.Fingerprint.Neutral() }
func (m *indexMonoid[F]) EncodeFingerprint(f F) []byte {
	return m.idx.schemes.Fingerprint.Encode(f)
}
func (m *indexMonoid[F]) DecodeFingerprint(b []byte) (F, error) {
	return m.idx.schemes.Fingerprint.Decode(b)
}

// --- Key encoding ---

// The three dimensions are joined into a single byte key. Each segment is
// first made zero-free (0x00 -> 0x01 0x01, 0x01 -> 0x01 0x02, both order
// preserving), then segments are joined with the 0x00 0x00 separator, which
// sorts below any escaped content so shorter segments order first.

func escapeZero(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case 0x00:
			out = append(out, 0x01, 0x01)
		case 0x01:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, c)
		}
	}
	return out
}

func unescapeZero(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x01 {
			out = append(out, b[i])
			continue
		}
		i++
		if i >= len(b) {
			return nil, errCorruptEntry
		}
		switch b[i] {
		case 0x01:
			out = append(out, 0x00)
		case 0x02:
			out = append(out, 0x01)
		default:
			return nil, errCorruptEntry
		}
	}
	return out, nil
}

// encodeIndexPath renders a path so byte order equals path order and the
// encoding of a path is a byte prefix of each of its extensions: zeros
// inside a component become 0x00 0x02 and every component ends with the
// 0x00 0x01 boundary marker.
func encodeIndexPath(path [][]byte) []byte {
	var out []byte
	for _, comp := range path {
		for _, c := range comp {
			if c == 0x00 {
				out = append(out, 0x00, 0x02)
			} else {
				out = append(out, c)
			}
		}
		out = append(out, 0x00, 0x01)
	}
	return out
}

func decodeIndexPath(b []byte) ([][]byte, error) {
	var path [][]byte
	var comp []byte
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			comp = append(comp, b[i])
			continue
		}
		i++
		if i >= len(b) {
			return nil, errCorruptEntry
		}
		switch b[i] {
		case 0x01:
			path = append(path, comp)
			comp = nil
		case 0x02:
			comp = append(comp, 0x00)
		default:
			return nil, errCorruptEntry
		}
	}
	if len(comp) != 0 {
		return nil, errCorruptEntry
	}
	return path, nil
}

var joinSep = []byte{0x00, 0x00}

func timestampBytes(ts uint64) []byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], ts)
	return out[:]
}

// joinSegments builds the index key from the already-ordered segments.
func joinSegments(segs ...[]byte) []byte {
	var out []byte
	for i, seg := range segs {
		if i > 0 {
			out = append(out, joinSep...)
		}
		out = append(out, escapeZero(seg)...)
	}
	return out
}

func splitSegments(b []byte, want int) ([][]byte, error) {
	var segs [][]byte
	start := 0
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0x00 && b[i+1] == 0x00 {
			seg, err := unescapeZero(b[start:i])
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			i++
			start = i + 1
		}
	}
	seg, err := unescapeZero(b[start:])
	if err != nil {
		return nil, err
	}
	segs = append(segs, seg)
	if len(segs) != want {
		return nil, errCorruptEntry
	}
	return segs, nil
}

// indexKey builds the logical skip-list key of an entry under the given
// ordering.
func (idx *Index[F]) indexKey(order Order, e *Entry) kv.Key {
	sub := idx.schemes.Subspace.Encode(e.Subspace)
	path := encodeIndexPath(e.Path)
	ts := timestampBytes(e.Timestamp)
	var joined []byte
	switch order {
	case OrderSubspace:
		joined = joinSegments(sub, path, ts)
	case OrderPath:
		joined = joinSegments(path, ts, sub)
	default:
		joined = joinSegments(ts, sub, path)
	}
	return kv.Key{kv.Bytes(joined)}
}

// encodeRowValue renders the shared physical value of an entry's three
// rows.
func (idx *Index[F]) encodeRowValue(e *Entry) []byte {
	var out []byte
	out = binary.BigEndian.AppendUint64(out, e.PayloadLength)
	out = append(out, idx.schemes.Payload.Encode(e.PayloadDigest)...)
	out = append(out, idx.schemes.Payload.Encode(e.AuthTokenDigest)...)
	return out
}

// decodeRow reconstructs an entry from one index row.
func (idx *Index[F]) decodeRow(order Order, key kv.Key, value []byte) (*Entry, error) {
	if len(key) != 1 || key[0].Kind() != kv.KindBytes {
		return nil, errCorruptEntry
	}
	segs, err := splitSegments(key[0].BytesValue(), 3)
	if err != nil {
		return nil, err
	}
	var sub, pathEnc, ts []byte
	switch order {
	case OrderSubspace:
		sub, pathEnc, ts = segs[0], segs[1], segs[2]
	case OrderPath:
		pathEnc, ts, sub = segs[0], segs[1], segs[2]
	default:
		ts, sub, pathEnc = segs[0], segs[1], segs[2]
	}
	if len(ts) != 8 {
		return nil, errCorruptEntry
	}
	path, err := decodeIndexPath(pathEnc)
	if err != nil {
		return nil, err
	}
	subID, rest, err := idx.schemes.Subspace.Decode(sub)
	if err != nil || len(rest) != 0 {
		return nil, errCorruptEntry
	}
	if len(value) < 8 {
		return nil, errCorruptEntry
	}
	e := &Entry{
		Namespace:     idx.ns,
		Subspace:      subID,
		Path:          path,
		Timestamp:     binary.BigEndian.Uint64(ts),
		PayloadLength: binary.BigEndian.Uint64(value[:8]),
	}
	e.PayloadDigest, rest, err = idx.schemes.Payload.Decode(value[8:])
	if err != nil {
		return nil, errCorruptEntry
	}
	e.AuthTokenDigest, rest, err = idx.schemes.Payload.Decode(rest)
	if err != nil || len(rest) != 0 {
		return nil, errCorruptEntry
	}
	return e, nil
}

// --- Operations ---

// Get looks up the entry at (subspace, path) through the subspace-ordered
// list.
func (idx *Index[F]) Get(subspace []byte, path [][]byte) (*Entry, bool, error) {
	prefix := joinSegments(idx.schemes.Subspace.Encode(subspace), encodeIndexPath(path))
	prefix = append(prefix, joinSep...)
	start := kv.Key{kv.Bytes(prefix)}
	end := kv.Key{kv.Bytes(upperBound(prefix))}
	it := idx.lists[OrderSubspace].Entries(start, end, kv.ListOptions{Limit: 1})
	defer it.Release()
	if !it.Next() {
		return nil, false, it.Error()
	}
	e, err := idx.decodeRow(OrderSubspace, it.Key(), it.Value())
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Insert writes the entry's three physical rows. Each list commits its own
// atomic batch; the write-ahead flag above this layer heals a crash that
// lands between them.
func (idx *Index[F]) Insert(e *Entry) error {
	value := idx.encodeRowValue(e)
	for order := OrderSubspace; order <= OrderTime; order++ {
		if err := idx.lists[order].Insert(idx.indexKey(order, e), value); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the entry's three physical rows. Reports whether any
// list still held a row, so an interrupted earlier removal can be resumed
// without losing track of what it had already dropped.
func (idx *Index[F]) Remove(e *Entry) (bool, error) {
	var existed bool
	for order := OrderSubspace; order <= OrderTime; order++ {
		ok, err := idx.lists[order].Remove(idx.indexKey(order, e))
		if err != nil {
			return existed, err
		}
		existed = existed || ok
	}
	return existed, nil
}

// Summarise fingerprints the entries included in the area of interest. It
// scans the subspace-ordered list across the area's subspace range and
// summarises every contiguous run of included entries through the skip
// list, so the fingerprint work is logarithmic per run. Caps stop the scan
// at the first entry that would exceed them.
func (idx *Index[F]) Summarise(aoi AreaOfInterest) (F, uint64, error) {
	fp := idx.schemes.Fingerprint.Neutral()
	start, end := idx.subspaceBounds(aoi.Area.Subspace)
	it := idx.lists[OrderSubspace].Entries(start, end, kv.ListOptions{})
	defer it.Release()

	var count, size uint64
	var runStart, lastIncluded kv.Key
	var runLen uint64
	flush := func(endBound kv.Key) error {
		if runStart == nil {
			return nil
		}
		sum, err := idx.lists[OrderSubspace].Summarise(runStart, endBound)
		if err != nil {
			return err
		}
		if sum.Size != runLen {
			return fmt.Errorf("%w: run of %d summarised as %d", errInternal, runLen, sum.Size)
		}
		fp = idx.schemes.Fingerprint.Combine(fp, sum.Fingerprint)
		runStart = nil
		runLen = 0
		return nil
	}

	for it.Next() {
		key := it.Key()
		e, err := idx.decodeRow(OrderSubspace, key, it.Value())
		if err != nil {
			return fp, count, err
		}
		if !idx.included(aoi.Area, e) {
			if err := flush(key); err != nil {
				return fp, count, err
			}
			continue
		}
		if (aoi.MaxCount > 0 && count+1 > aoi.MaxCount) ||
			(aoi.MaxSize > 0 && size+e.PayloadLength > aoi.MaxSize) {
			if err := flush(key); err != nil {
				return fp, count, err
			}
			return fp, count, nil
		}
		if runStart == nil {
			runStart = key
		}
		lastIncluded = key
		runLen++
		count++
		size += e.PayloadLength
	}
	if err := it.Error(); err != nil {
		return fp, count, err
	}
	// Close the final run just past its last member.
	if runStart != nil {
		if err := flush(successorKey(lastIncluded)); err != nil {
			return fp, count, err
		}
	}
	return fp, count, nil
}

// successorKey returns the smallest index key strictly above k.
func successorKey(k kv.Key) kv.Key {
	b := k[0].BytesValue()
	return kv.Key{kv.Bytes(append(append([]byte(nil), b...), 0x00))}
}

// included reports whether the entry matches the area.
func (idx *Index[F]) included(a Area, e *Entry) bool {
	if a.Subspace != nil && idx.schemes.Subspace.Compare(a.Subspace, e.Subspace) != 0 {
		return false
	}
	if !prefixiter.IsPrefix(a.PathPrefix, e.Path) {
		return false
	}
	return a.Time.Contains(e.Timestamp)
}

// subspaceBounds restricts a subspace-ordered scan to one subspace, or to
// everything when sub is nil.
func (idx *Index[F]) subspaceBounds(sub []byte) (kv.Key, kv.Key) {
	if sub == nil {
		return nil, nil
	}
	prefix := append(escapeZero(idx.schemes.Subspace.Encode(sub)), joinSep...)
	return kv.Key{kv.Bytes(prefix)}, kv.Key{kv.Bytes(upperBound(prefix))}
}

// upperBound returns the smallest byte string above every extension of b.
func upperBound(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// Escaped segments never consist solely of 0xFF bytes.
	return append(out, 0x00)
}

// Query iterates the entries included in the area, in the dimension order
// given, optionally reversed. Caps stop iteration at the first entry that
// would exceed them.
func (idx *Index[F]) Query(aoi AreaOfInterest, order Order, reverse bool) *EntryIterator[F] {
	start, end := idx.queryBounds(aoi.Area, order)
	inner := idx.lists[order].Entries(start, end, kv.ListOptions{Reverse: reverse})
	return &EntryIterator[F]{idx: idx, order: order, it: inner, aoi: aoi}
}

// queryBounds narrows the scan by the leading dimension of the ordering;
// the remaining dimensions are filtered per entry.
func (idx *Index[F]) queryBounds(a Area, order Order) (kv.Key, kv.Key) {
	switch order {
	case OrderSubspace:
		return idx.subspaceBounds(a.Subspace)
	case OrderPath:
		if len(a.PathPrefix) == 0 {
			return nil, nil
		}
		prefix := escapeZero(encodeIndexPath(a.PathPrefix))
		return kv.Key{kv.Bytes(prefix)}, kv.Key{kv.Bytes(upperBound(prefix))}
	default:
		var start, end kv.Key
		if a.Time.Start > 0 {
			start = kv.Key{kv.Bytes(escapeZero(timestampBytes(a.Time.Start)))}
		}
		if !a.Time.Open {
			end = kv.Key{kv.Bytes(escapeZero(timestampBytes(a.Time.End)))}
		}
		return start, end
	}
}

// EntryIterator yields the entries of a query.
type EntryIterator[F any] struct {
	idx   *Index[F]
	order Order
	it    skiplist.Iterator
	aoi   AreaOfInterest
	cur   *Entry
	count uint64
	size  uint64
	err   error
	done  bool
}

func (q *EntryIterator[F]) Next() bool {
	if q.err != nil || q.done {
		return false
	}
	for q.it.Next() {
		e, err := q.idx.decodeRow(q.order, q.it.Key(), q.it.Value())
		if err != nil {
			q.err = err
			return false
		}
		if !q.idx.included(q.aoi.Area, e) {
			continue
		}
		if (q.aoi.MaxCount > 0 && q.count+1 > q.aoi.MaxCount) ||
			(q.aoi.MaxSize > 0 && q.size+e.PayloadLength > q.aoi.MaxSize) {
			q.done = true
			return false
		}
		q.count++
		q.size += e.PayloadLength
		q.cur = e
		return true
	}
	q.err = q.it.Error()
	return false
}

func (q *EntryIterator[F]) Entry() *Entry { return q.cur }
func (q *EntryIterator[F]) Error() error  { return q.err }
func (q *EntryIterator[F]) Release()      { q.it.Release() }

var errInternal = errors.New("store: internal invariant violation")

// Entries returns every entry in subspace-path-time order; used by tests
// and recovery audits.
func (idx *Index[F]) Entries() ([]*Entry, error) {
	var out []*Entry
	it := idx.lists[OrderSubspace].Entries(nil, nil, kv.ListOptions{})
	defer it.Release()
	for it.Next() {
		e, err := idx.decodeRow(OrderSubspace, it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, it.Error()
}

// Reconcile restores the three-way mirror from the subspace-ordered list:
// rows in the other lists without a backing entry are dropped, and missing
// rows are rewritten. Crash recovery runs it; on a consistent index it is
// a no-op.
func (idx *Index[F]) Reconcile() error {
	entries, err := idx.Entries()
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		enc, err := kv.EncodeKey(idx.indexKey(OrderSubspace, e))
		if err != nil {
			return err
		}
		present[string(enc)] = struct{}{}
	}

	for order := OrderPath; order <= OrderTime; order++ {
		var orphans []kv.Key
		it := idx.lists[order].Entries(nil, nil, kv.ListOptions{})
		for it.Next() {
			e, err := idx.decodeRow(order, it.Key(), it.Value())
			if err != nil {
				it.Release()
				return err
			}
			enc, err := kv.EncodeKey(idx.indexKey(OrderSubspace, e))
			if err != nil {
				it.Release()
				return err
			}
			if _, ok := present[string(enc)]; !ok {
				orphans = append(orphans, it.Key())
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
		for _, key := range orphans {
			if _, err := idx.lists[order].Remove(key); err != nil {
				return err
			}
		}
	}

	// Equal rows are per-list no-ops; only rows a crashed run never wrote
	// get added.
	for _, e := range entries {
		if err := idx.Insert(e); err != nil {
			return err
		}
	}
	return nil
}

// Len counts entries via the subspace-ordered list's full-range summary.
func (idx *Index[F]) Len() (uint64, error) {
	sum, err := idx.lists[OrderSubspace].Summarise(nil, nil)
	if err != nil {
		return 0, err
	}
	return sum.Size, nil
}

