package skiplist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"

	"github.com/willowmere/willow/kv"
)

// LayerLimit is the highest layer a node can occupy. Insertion heights are
// geometrically distributed with P(height >= h) = 2^-h, so the limit is
// effectively unreachable but bounds all layer recursion.
const LayerLimit = 64

var errCorruptNode = errors.New("skiplist: corrupt node value")

// SkipList is a summarisable ordered store persisted on a kv backend.
// Every node lives under the physical key (layer, logical key...); a node's
// summary covers all layer-zero entries from its own key up to the next key
// present on the same layer. Mutations rewrite the affected nodes and their
// left neighbours through a single atomic batch.
//
// A skip list assumes a single writer; readers may run concurrently on a
// quiescent list.
type SkipList[F any] struct {
	db      kv.Store
	monoid  Monoid[F]
	valueEq func(a, b []byte) bool
	rng     *rand.Rand
	level   int // highest occupied layer
}

// Options configures a skip list.
type Options struct {
	// ValueEq decides whether an insert with an equal value is a no-op.
	// Defaults to bytes.Equal.
	ValueEq func(a, b []byte) bool
	// Seed fixes the insertion-height coin; zero draws a fresh seed.
	Seed int64
}

// Open initialises a skip list over db, recovering the current top layer
// from the stored keys.
func Open[F any](db kv.Store, monoid Monoid[F], opts Options) (*SkipList[F], error) {
	eq := opts.ValueEq
	if eq == nil {
		eq = bytes.Equal
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	s := &SkipList[F]{
		db:      db,
		monoid:  monoid,
		valueEq: eq,
		rng:     rand.New(rand.NewSource(seed)),
	}
	// Keys sort by layer first, so the last key in the store sits on the
	// highest occupied layer.
	it := db.List(kv.Selector{}, kv.ListOptions{Reverse: true, Limit: 1})
	defer it.Release()
	if it.Next() {
		k := it.Key()
		if len(k) == 0 || k[0].Kind() != kv.KindInt {
			return nil, errCorruptNode
		}
		s.level = int(k[0].IntValue().Int64())
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

// node is the decoded physical value of a skip list entry.
type node[F any] struct {
	maxLayer int
	sum      Summary[F]
	value    []byte
	hasValue bool
}

func (s *SkipList[F]) encodeNode(n *node[F]) []byte {
	fp := s.monoid.EncodeFingerprint(n.sum.Fingerprint)
	out := make([]byte, 0, 14+len(fp)+len(n.value))
	out = append(out, byte(n.maxLayer))
	out = binary.BigEndian.AppendUint64(out, n.sum.Size)
	out = binary.BigEndian.AppendUint32(out, uint32(len(fp)))
	out = append(out, fp...)
	if n.hasValue {
		out = append(out, 1)
		out = append(out, n.value...)
	} else {
		out = append(out, 0)
	}
	return out
}

func (s *SkipList[F]) decodeNode(b []byte) (*node[F], error) {
	if len(b) < 14 {
		return nil, errCorruptNode
	}
	n := &node[F]{maxLayer: int(b[0])}
	n.sum.Size = binary.BigEndian.Uint64(b[1:9])
	fpLen := int(binary.BigEndian.Uint32(b[9:13]))
	if len(b) < 13+fpLen+1 {
		return nil, errCorruptNode
	}
	fp, err := s.monoid.DecodeFingerprint(b[13 : 13+fpLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptNode, err)
	}
	n.sum.Fingerprint = fp
	rest := b[13+fpLen:]
	if rest[0] == 1 {
		n.hasValue = true
		n.value = append([]byte(nil), rest[1:]...)
	}
	return n, nil
}

func physKey(layer int, logical kv.Key) kv.Key {
	return kv.Key{kv.Int(int64(layer))}.Append(logical...)
}

func (s *SkipList[F]) readNode(layer int, logical kv.Key) (*node[F], error) {
	raw, err := s.db.Get(physKey(layer, logical))
	if err != nil {
		return nil, err
	}
	return s.decodeNode(raw)
}

func (s *SkipList[F]) randomHeight() int {
	h := 0
	for h < LayerLimit && s.rng.Intn(2) == 0 {
		h++
	}
	return h
}

// Get returns the logical value stored at key.
func (s *SkipList[F]) Get(key kv.Key) ([]byte, bool, error) {
	n, err := s.readNode(0, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n.value, true, nil
}

// Insert upserts a logical entry. Re-inserting an entry with an equal value
// is a no-op; a changed value keeps the key's original insertion height.
// All node and neighbour summary updates commit in one atomic batch.
func (s *SkipList[F]) Insert(key kv.Key, value []byte) error {
	existing, err := s.readNode(0, key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if existing != nil && s.valueEq(existing.value, value) {
		return nil
	}
	height := 0
	if existing != nil {
		height = existing.maxLayer
	} else {
		height = s.randomHeight()
	}

	op, err := s.newPendingOp(key)
	if err != nil {
		return err
	}
	op.put(0, key, &node[F]{
		maxLayer: height,
		sum:      Summary[F]{Fingerprint: s.monoid.Lift(key, value), Size: 1},
		value:    value,
		hasValue: true,
	})

	top := s.level
	if height > top {
		top = height
	}
	for layer := 1; layer <= top; layer++ {
		if layer <= height {
			next, err := s.nextOnLayer(layer, key)
			if err != nil {
				return err
			}
			sum, err := op.rangeSum(layer-1, key, next)
			if err != nil {
				return err
			}
			op.put(layer, key, &node[F]{maxLayer: height, sum: sum})
		}
		leftKey, leftNode, err := s.leftNeighbor(layer, key)
		if err != nil {
			return err
		}
		if leftKey == nil {
			if layer > height {
				// No node on this layer covers the key, so none on any
				// higher layer does either.
				break
			}
			continue
		}
		var spanEnd kv.Key
		if layer <= height {
			spanEnd = key
		} else {
			spanEnd, err = s.nextOnLayer(layer, leftKey)
			if err != nil {
				return err
			}
		}
		sum, err := op.rangeSum(layer-1, leftKey, spanEnd)
		if err != nil {
			return err
		}
		leftNode.sum = sum
		op.put(layer, leftKey, leftNode)
	}
	if err := op.commit(); err != nil {
		return err
	}
	if height > s.level {
		s.level = height
	}
	return nil
}

// Remove deletes a logical entry and restores the summaries of every
// neighbour whose span absorbed it. Reports whether the key existed.
func (s *SkipList[F]) Remove(key kv.Key) (bool, error) {
	n0, err := s.readNode(0, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	height := n0.maxLayer

	op, err := s.newPendingOp(key)
	if err != nil {
		return false, err
	}
	for layer := 0; layer <= height; layer++ {
		op.put(layer, key, nil)
	}
	for layer := 1; layer <= s.level; layer++ {
		leftKey, leftNode, err := s.leftNeighbor(layer, key)
		if err != nil {
			return false, err
		}
		if leftKey == nil {
			if layer > height {
				break
			}
			continue
		}
		var spanEnd kv.Key
		if layer <= height {
			// The neighbour absorbs the removed node's span.
			spanEnd, err = s.nextOnLayer(layer, key)
		} else {
			spanEnd, err = s.nextOnLayer(layer, leftKey)
		}
		if err != nil {
			return false, err
		}
		sum, err := op.rangeSum(layer-1, leftKey, spanEnd)
		if err != nil {
			return false, err
		}
		leftNode.sum = sum
		op.put(layer, leftKey, leftNode)
	}
	if err := op.commit(); err != nil {
		return false, err
	}
	if height == s.level {
		for s.level > 0 {
			empty, err := s.layerEmpty(s.level)
			if err != nil {
				return false, err
			}
			if !empty {
				break
			}
			s.level--
		}
	}
	return true, nil
}

func (s *SkipList[F]) layerEmpty(layer int) (bool, error) {
	it := s.db.List(kv.Selector{Prefix: kv.Key{kv.Int(int64(layer))}}, kv.ListOptions{Limit: 1})
	defer it.Release()
	if it.Next() {
		return false, nil
	}
	return true, it.Error()
}

// leftNeighbor returns the closest node strictly below key on the given
// layer, or nil keys when none exists.
func (s *SkipList[F]) leftNeighbor(layer int, key kv.Key) (kv.Key, *node[F], error) {
	it := s.db.List(kv.Selector{
		Prefix: kv.Key{kv.Int(int64(layer))},
		End:    physKey(layer, key),
	}, kv.ListOptions{Reverse: true, Limit: 1})
	defer it.Release()
	if !it.Next() {
		return nil, nil, it.Error()
	}
	n, err := s.decodeNode(it.Value())
	if err != nil {
		return nil, nil, err
	}
	return it.Key()[1:], n, nil
}

// nextOnLayer returns the closest node key strictly above key on the given
// layer, or nil when key tops the layer.
func (s *SkipList[F]) nextOnLayer(layer int, key kv.Key) (kv.Key, error) {
	it := s.db.List(kv.Selector{
		Prefix: kv.Key{kv.Int(int64(layer))},
		Start:  physKey(layer, key),
	}, kv.ListOptions{Limit: 2})
	defer it.Release()
	for it.Next() {
		logical := it.Key()[1:]
		if kv.Compare(logical, key) > 0 {
			return logical, nil
		}
	}
	return nil, it.Error()
}

// --- Pending operation overlay ---

// pendingEntry is a buffered node write (or delete, when node is nil).
type pendingEntry[F any] struct {
	key  kv.Key
	node *node[F]
}

// pendingOp accumulates the node rewrites of one insert or remove. Range
// sums during the operation read through the overlay so each layer sees the
// post-state of the layer below before anything is committed. Exactly one
// logical key is added or dropped per operation, which keeps the merge
// logic to a single injection point.
type pendingOp[F any] struct {
	s      *SkipList[F]
	key    kv.Key
	keyEnc string
	layers map[int]map[string]pendingEntry[F]
}

func (s *SkipList[F]) newPendingOp(key kv.Key) (*pendingOp[F], error) {
	enc, err := kv.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	return &pendingOp[F]{
		s:      s,
		key:    key,
		keyEnc: string(enc),
		layers: make(map[int]map[string]pendingEntry[F]),
	}, nil
}

func (op *pendingOp[F]) put(layer int, key kv.Key, n *node[F]) {
	m := op.layers[layer]
	if m == nil {
		m = make(map[string]pendingEntry[F])
		op.layers[layer] = m
	}
	enc, _ := kv.EncodeKey(key)
	m[string(enc)] = pendingEntry[F]{key: key, node: n}
}

// rangeSum combines the summaries of the layer's nodes in [from, to),
// reading through the pending overlay. A nil `to` is unbounded.
func (op *pendingOp[F]) rangeSum(layer int, from, to kv.Key) (Summary[F], error) {
	s := op.s
	sum := neutralSummary[F](s.monoid)

	sel := kv.Selector{
		Prefix: kv.Key{kv.Int(int64(layer))},
		Start:  physKey(layer, from),
	}
	if to != nil {
		sel.End = physKey(layer, to)
	}

	m := op.layers[layer]
	// The operation's own key is the only one that can be absent from the
	// stored layer; decide up front whether it must be injected.
	var inject *node[F]
	if m != nil {
		if pe, ok := m[op.keyEnc]; ok && pe.node != nil {
			if op.inRange(from, to) {
				inject = pe.node
			}
		}
	}

	it := s.db.List(sel, kv.ListOptions{})
	defer it.Release()
	for it.Next() {
		logical := it.Key()[1:]
		enc, err := kv.EncodeKey(logical)
		if err != nil {
			return sum, err
		}
		e := string(enc)
		if inject != nil && e > op.keyEnc {
			sum = combineSummary(s.monoid, sum, inject.sum)
			inject = nil
		}
		if m != nil {
			if pe, ok := m[e]; ok {
				if e == op.keyEnc {
					inject = nil
				}
				if pe.node == nil {
					continue // deleted by this operation
				}
				sum = combineSummary(s.monoid, sum, pe.node.sum)
				continue
			}
		}
		n, err := s.decodeNode(it.Value())
		if err != nil {
			return sum, err
		}
		sum = combineSummary(s.monoid, sum, n.sum)
	}
	if err := it.Error(); err != nil {
		return sum, err
	}
	if inject != nil {
		sum = combineSummary(s.monoid, sum, inject.sum)
	}
	return sum, nil
}

// inRange reports whether the operation's key falls in [from, to).
func (op *pendingOp[F]) inRange(from, to kv.Key) bool {
	if from != nil && kv.Compare(op.key, from) < 0 {
		return false
	}
	if to != nil && kv.Compare(op.key, to) >= 0 {
		return false
	}
	return true
}

func (op *pendingOp[F]) commit() error {
	batch := op.s.db.NewBatch()
	for layer, m := range op.layers {
		for _, pe := range m {
			if pe.node == nil {
				batch.Delete(physKey(layer, pe.key))
			} else {
				batch.Set(physKey(layer, pe.key), op.s.encodeNode(pe.node))
			}
		}
	}
	return batch.Write()
}

// --- Range summarisation ---

// Summarise aggregates the logical entries in [start, end). Nil bounds are
// unbounded. When start >= end the range wraps around: the result combines
// (-inf, end) with [start, +inf); for start == end that covers the whole
// store. The descent takes whole-node summaries wherever a node's span fits
// inside the range and drops a layer at the edges, so the expected cost is
// logarithmic in the number of skipped entries.
func (s *SkipList[F]) Summarise(start, end kv.Key) (Summary[F], error) {
	if start != nil && end != nil && kv.Compare(start, end) >= 0 {
		head, err := s.sumLayer(s.level, nil, end)
		if err != nil {
			return head, err
		}
		tail, err := s.sumLayer(s.level, start, nil)
		if err != nil {
			return tail, err
		}
		return combineSummary(s.monoid, head, tail), nil
	}
	return s.sumLayer(s.level, start, end)
}

func (s *SkipList[F]) sumLayer(layer int, from, end kv.Key) (Summary[F], error) {
	sum := neutralSummary[F](s.monoid)
	it := s.db.List(kv.Selector{
		Prefix: kv.Key{kv.Int(int64(layer))},
		Start:  fromPhys(layer, from),
	}, kv.ListOptions{})
	defer it.Release()

	curKey, curNode, has, err := s.step(it)
	if err != nil {
		return sum, err
	}
	if layer > 0 {
		// Entries below the first node of this layer belong to no span
		// here; sum the gap a layer down.
		bound := end
		if has && (bound == nil || kv.Compare(curKey, bound) < 0) {
			bound = curKey
		}
		if from == nil || bound == nil || kv.Compare(from, bound) < 0 {
			gap, err := s.sumLayer(layer-1, from, bound)
			if err != nil {
				return sum, err
			}
			sum = combineSummary(s.monoid, sum, gap)
		}
	}
	for has && (end == nil || kv.Compare(curKey, end) < 0) {
		nextKey, nextNode, nextHas, err := s.step(it)
		if err != nil {
			return sum, err
		}
		fullSpan := false
		if nextHas {
			fullSpan = end == nil || kv.Compare(nextKey, end) <= 0
		} else {
			fullSpan = end == nil
		}
		if fullSpan || layer == 0 {
			// A layer-zero span holds exactly its own entry, so a partial
			// span still contributes whole.
			sum = combineSummary(s.monoid, sum, curNode.sum)
			curKey, curNode, has = nextKey, nextNode, nextHas
			continue
		}
		tail, err := s.sumLayer(layer-1, curKey, end)
		if err != nil {
			return sum, err
		}
		return combineSummary(s.monoid, sum, tail), nil
	}
	return sum, nil
}

// fromPhys builds the layer-scan start key; a nil logical start scans from
// the top of the layer.
func fromPhys(layer int, logical kv.Key) kv.Key {
	if logical == nil {
		return nil
	}
	return physKey(layer, logical)
}

func (s *SkipList[F]) step(it kv.Iterator) (kv.Key, *node[F], bool, error) {
	if !it.Next() {
		return nil, nil, false, it.Error()
	}
	n, err := s.decodeNode(it.Value())
	if err != nil {
		return nil, nil, false, err
	}
	return it.Key()[1:], n, true, nil
}

// --- Entry iteration ---

// Entries iterates the logical entries in [start, end) in key order, or in
// reverse when opts.Reverse is set.
func (s *SkipList[F]) Entries(start, end kv.Key, opts kv.ListOptions) Iterator {
	sel := kv.Selector{Prefix: kv.Key{kv.Int(0)}}
	if start != nil {
		sel.Start = physKey(0, start)
	}
	if end != nil {
		sel.End = physKey(0, end)
	}
	return &entryIterator[F]{s: s, it: s.db.List(sel, opts)}
}

type entryIterator[F any] struct {
	s     *SkipList[F]
	it    kv.Iterator
	key   kv.Key
	value []byte
	err   error
}

func (e *entryIterator[F]) Next() bool {
	if e.err != nil {
		return false
	}
	if !e.it.Next() {
		e.err = e.it.Error()
		return false
	}
	n, err := e.s.decodeNode(e.it.Value())
	if err != nil {
		e.err = err
		return false
	}
	e.key = e.it.Key()[1:]
	e.value = n.value
	return true
}

func (e *entryIterator[F]) Key() kv.Key   { return e.key }
func (e *entryIterator[F]) Value() []byte { return e.value }
func (e *entryIterator[F]) Error() error  { return e.err }
func (e *entryIterator[F]) Release()      { e.it.Release() }

var _ Store[int] = (*SkipList[int])(nil)
