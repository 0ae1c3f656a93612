package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/willowmere/willow/kv"
	"github.com/willowmere/willow/payload"
	"github.com/willowmere/willow/prefixiter"
)

// IngestKind classifies the outcome of an ingestion.
type IngestKind int

const (
	IngestSuccess IngestKind = iota
	IngestNoOp
	IngestFailure
)

// IngestReason details a no-op or failure outcome.
type IngestReason int

const (
	ReasonNone IngestReason = iota
	// ReasonInvalidEntry covers namespace mismatch, path bound violations,
	// and failed authorisation.
	ReasonInvalidEntry
	// ReasonObsolete means a newer (or identical) entry already occupies
	// the same subspace and path.
	ReasonObsolete
	// ReasonNewerPrefix means a newer entry at a strict path prefix makes
	// this ingestion moot.
	ReasonNewerPrefix
	// ReasonNoEntry means a payload was offered for an entry the store
	// does not hold.
	ReasonNoEntry
	// ReasonDataMismatch means a payload stream digested to something
	// other than the entry's payload digest.
	ReasonDataMismatch
)

// IngestResult is the structured outcome of an ingestion operation.
// Outcomes that are not storage faults never leave the store in a partial
// state.
type IngestResult struct {
	Kind    IngestKind
	Reason  IngestReason
	Entry   *Entry
	Removed []*Entry
	Detail  string
}

func noOp(reason IngestReason, detail string) *IngestResult {
	return &IngestResult{Kind: IngestNoOp, Reason: reason, Detail: detail}
}

func failure(reason IngestReason, detail string) *IngestResult {
	return &IngestResult{Kind: IngestFailure, Reason: reason, Detail: detail}
}

// Options configures a Store.
type Options[F any] struct {
	// Namespace fixes the store's namespace identifier.
	Namespace []byte
	// KV is the backing ordered store, owned exclusively by this Store.
	KV kv.Store
	// Payloads is the payload blob driver.
	Payloads payload.Driver
	Schemes  Schemes[F]
	// Prefixes overrides the prefix iterator; defaults to the kv-backed
	// implementation under the "prefix" area, which persists alongside the
	// entries.
	Prefixes prefixiter.Set
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Seed fixes the skip lists' insertion-height coins; zero draws fresh
	// seeds.
	Seed int64
}

// Store is the ingestion engine: it admits, supersedes, and removes
// entries while maintaining the data model's invariants, drives payload
// reference counting, and survives crashes through a write-ahead flag.
type Store[F any] struct {
	ns       []byte
	schemes  Schemes[F]
	db       kv.Store
	index    *Index[F]
	prefixes prefixiter.Set
	waf      kv.Store
	refs     *RefCounter
	payloads payload.Driver
	ing      *semaphore.Weighted
	log      *zap.Logger
	bus      *eventBus
}

var (
	wafInsertKey     = kv.Key{kv.String("insert")}
	wafInsertAuthKey = kv.Key{kv.String("insert"), kv.String("authTokenHash")}
	wafRemoveKey     = kv.Key{kv.String("remove")}
)

// New opens a store over the given backend and runs crash recovery before
// returning: a write-ahead flag left by an interrupted mutation is
// completed (or found already complete) and cleared.
func New[F any](opts Options[F]) (*Store[F], error) {
	if opts.KV == nil || opts.Payloads == nil {
		return nil, errors.New("store: kv backend and payload driver are required")
	}
	if opts.Namespace == nil {
		return nil, errors.New("store: namespace is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	index, err := NewIndex(opts.KV, opts.Namespace, opts.Schemes, opts.Seed)
	if err != nil {
		return nil, err
	}
	prefixes := opts.Prefixes
	if prefixes == nil {
		prefixes = prefixiter.NewScan(kv.NewPrefixed(opts.KV, kv.Key{kv.String("prefix")}))
	}
	s := &Store[F]{
		ns:       opts.Namespace,
		schemes:  opts.Schemes,
		db:       opts.KV,
		index:    index,
		prefixes: prefixes,
		waf:      kv.NewPrefixed(opts.KV, kv.Key{kv.String("waf")}),
		refs:     NewRefCounter(kv.NewPrefixed(opts.KV, kv.Key{kv.String("payloadRefCount")})),
		payloads: opts.Payloads,
		ing:      semaphore.NewWeighted(1),
		log:      logger,
		bus:      newEventBus(),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Namespace returns the store's namespace identifier.
func (s *Store[F]) Namespace() []byte { return s.ns }

// Subscribe returns a buffered channel of store events and a cancel
// function. Emission never blocks ingestion; a subscriber that falls
// behind misses events.
func (s *Store[F]) Subscribe(buffer int) (<-chan Event, func()) {
	return s.bus.subscribe(buffer)
}

// DroppedEvents reports how many events were lost to slow subscribers.
func (s *Store[F]) DroppedEvents() uint64 { return s.bus.droppedCount() }

// lock serialises mutating operations; it fails only when ctx is done.
func (s *Store[F]) lock(ctx context.Context) error {
	return s.ing.Acquire(ctx, 1)
}

func (s *Store[F]) unlock() { s.ing.Release(1) }

// --- Entry ingestion ---

// IngestEntry admits an authorised entry. Entries that lose against the
// data model's ordering rules come back as no-ops; invalid entries as
// failures. On success the result carries the entries the ingestion
// displaced.
func (s *Store[F]) IngestEntry(ctx context.Context, e *Entry, token []byte) (*IngestResult, error) {
	if !s.schemes.Namespace.Equal(e.Namespace, s.ns) {
		return failure(ReasonInvalidEntry, "entry namespace differs from store namespace"), nil
	}
	if err := s.schemes.Path.Validate(e.Path); err != nil {
		return failure(ReasonInvalidEntry, err.Error()), nil
	}
	if !s.schemes.Authorisation.IsAuthorisedWrite(e, token) {
		return failure(ReasonInvalidEntry, "token does not authorise this write"), nil
	}
	authDigest, err := s.schemes.Payload.FromBytes(bytes.NewReader(token))
	if err != nil {
		return nil, fmt.Errorf("store: digesting auth token: %w", err)
	}
	entry := *e
	entry.AuthTokenDigest = authDigest

	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()
	return s.ingestLocked(&entry, false)
}

// ingestLocked runs the admission algorithm under the store lock. With
// replay set, the write-ahead flag is already present (crash recovery) and
// authorisation has been checked in the original run.
func (s *Store[F]) ingestLocked(e *Entry, replay bool) (*IngestResult, error) {
	clearOnNoOp := func(res *IngestResult) (*IngestResult, error) {
		if replay {
			if err := s.clearInsertFlag(); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	// An occupant at the same subspace and path wins unless the candidate
	// is strictly newer.
	existing, found, err := s.index.Get(e.Subspace, e.Path)
	if err != nil {
		return nil, err
	}
	if found && !e.NewerThan(existing, s.schemes.Payload) {
		if replay && existing.Equal(e) {
			// The interrupted run already committed this entry, possibly
			// not in every index list; re-applying repairs the mirror.
			if _, err := s.applyIngest(e, nil, nil); err != nil {
				return nil, err
			}
		}
		return clearOnNoOp(noOp(ReasonObsolete, "an entry at this path is as new or newer"))
	}

	composed := s.composedPath(e.Subspace, e.Path)

	// A newer entry at a strict prefix of the path blocks the ingestion.
	prefixIt := s.prefixes.PrefixesOf(composed)
	for prefixIt.Next() {
		if len(prefixIt.Path()) == len(composed) {
			continue
		}
		if prefixTimestamp(prefixIt.Value()) > e.Timestamp {
			prefixIt.Release()
			return clearOnNoOp(noOp(ReasonNewerPrefix, "a newer entry at a path prefix exists"))
		}
	}
	prefixIt.Release()
	if err := prefixIt.Error(); err != nil {
		return nil, err
	}

	// Entries at paths the candidate is a prefix of are pruned when older.
	var prune []*Entry
	prunedIt := s.prefixes.PrefixedBy(composed)
	for prunedIt.Next() {
		if len(prunedIt.Path()) == len(composed) {
			continue
		}
		if prefixTimestamp(prunedIt.Value()) >= e.Timestamp {
			continue
		}
		victim, ok, err := s.index.Get(e.Subspace, s.uncomposePath(prunedIt.Path()))
		if err != nil {
			prunedIt.Release()
			return nil, err
		}
		if ok {
			prune = append(prune, victim)
		}
	}
	prunedIt.Release()
	if err := prunedIt.Error(); err != nil {
		return nil, err
	}

	if !replay {
		if err := s.writeInsertFlag(e); err != nil {
			return nil, err
		}
	}

	var old *Entry
	if found {
		old = existing
	}
	removed, err := s.applyIngest(e, old, prune)
	if err != nil {
		// The flag stays; the next startup completes the mutation.
		return nil, err
	}
	if err := s.clearInsertFlag(); err != nil {
		return nil, err
	}

	s.log.Debug("entry ingested",
		zap.String("subspace", hexutil.Encode(e.Subspace)),
		zap.Uint64("timestamp", e.Timestamp),
		zap.Int("removed", len(removed)),
		zap.Bool("replay", replay))
	s.bus.emit(EntryIngestEvent{Entry: e, Removed: removed})
	return &IngestResult{Kind: IngestSuccess, Entry: e, Removed: removed}, nil
}

// applyIngest performs the mutation batch: drop the superseded occupant
// and the pruned entries, then insert the candidate. Every step is guarded
// by the current state so a replay after a partial crash converges instead
// of double-counting payload references.
func (s *Store[F]) applyIngest(e, old *Entry, prune []*Entry) ([]*Entry, error) {
	var removed []*Entry
	if old != nil {
		ok, err := s.dropEntry(old)
		if err != nil {
			return nil, err
		}
		if ok {
			removed = append(removed, old)
		}
	}
	for _, victim := range prune {
		ok, err := s.dropEntry(victim)
		if err != nil {
			return nil, err
		}
		if ok {
			removed = append(removed, victim)
		}
	}

	cur, found, err := s.index.Get(e.Subspace, e.Path)
	if err != nil {
		return nil, err
	}
	switch {
	case found && cur.Equal(e):
		// Already applied by the run this replay resumes. Re-insert anyway:
		// equal rows are no-ops per list, and any list the interrupted run
		// did not reach gets its row now. The payload reference was already
		// counted.
		if err := s.index.Insert(e); err != nil {
			return nil, err
		}
	case found:
		return nil, fmt.Errorf("%w: foreign entry at target path during apply", errInternal)
	default:
		if err := s.index.Insert(e); err != nil {
			return nil, err
		}
		if _, err := s.refs.Increment(e.PayloadDigest); err != nil {
			return nil, err
		}
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], e.Timestamp)
	if err := s.prefixes.Insert(s.composedPath(e.Subspace, e.Path), ts[:]); err != nil {
		return nil, err
	}
	return removed, nil
}

// dropEntry removes an entry's index rows, prefix row, and payload
// reference. It reports whether the entry was actually present, so the
// caller can attribute reference-count changes correctly.
func (s *Store[F]) dropEntry(e *Entry) (bool, error) {
	ok, err := s.index.Remove(e)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, err := s.prefixes.Remove(s.composedPath(e.Subspace, e.Path)); err != nil {
		return true, err
	}
	n, err := s.refs.Decrement(e.PayloadDigest)
	if err != nil {
		return true, err
	}
	if n == 0 {
		if err := s.payloads.Erase(e.PayloadDigest); err != nil && !errors.Is(err, payload.ErrNotFound) {
			s.log.Warn("erasing unreferenced payload",
				zap.String("digest", hexutil.Encode(e.PayloadDigest)),
				zap.Error(err))
		}
	}
	return true, nil
}

// Remove deletes the entry at (subspace, path), guarded by the removal
// write-ahead flag. Reports whether an entry was removed.
func (s *Store[F]) Remove(ctx context.Context, subspace []byte, path [][]byte) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.unlock()

	e, found, err := s.index.Get(subspace, path)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := s.waf.Set(wafRemoveKey, EncodeEntry(s.schemes, e)); err != nil {
		return false, err
	}
	if _, err := s.dropEntry(e); err != nil {
		return false, err
	}
	if _, err := s.waf.Delete(wafRemoveKey); err != nil {
		return false, err
	}
	s.bus.emit(EntryRemoveEvent{Entry: e})
	return true, nil
}

// --- Payload ingestion ---

// IngestPayload streams a payload for the entry at (subspace, path) into
// the payload driver. The stream may be partial; the payload-set event
// fires once the full payload is held.
func (s *Store[F]) IngestPayload(ctx context.Context, subspace []byte, path [][]byte, r io.Reader) (*IngestResult, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	e, found, err := s.index.Get(subspace, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return failure(ReasonNoEntry, "no entry at this subspace and path"), nil
	}
	held, err := s.payloads.Length(e.PayloadDigest)
	if err != nil && !errors.Is(err, payload.ErrNotFound) {
		return nil, err
	}
	if err == nil && held == e.PayloadLength {
		return noOp(ReasonNone, "payload already fully held"), nil
	}

	digest, length, err := s.payloads.Receive(payload.ReceiveOptions{
		Reader:      r,
		Offset:      int64(held),
		KnownLength: e.PayloadLength,
		KnownDigest: e.PayloadDigest,
	})
	if err != nil {
		return nil, err
	}
	// A partial stream reports the expected digest; anything else must
	// digest to the entry's payload digest at exactly its length.
	if s.schemes.Payload.Compare(digest, e.PayloadDigest) != 0 || length > e.PayloadLength {
		if err := s.payloads.Erase(digest); err != nil && !errors.Is(err, payload.ErrNotFound) {
			s.log.Warn("erasing mismatched payload", zap.Error(err))
		}
		return failure(ReasonDataMismatch, "stream digest does not match the entry"), nil
	}
	s.bus.emit(PayloadIngestEvent{Digest: digest})
	if length == e.PayloadLength {
		s.bus.emit(EntryPayloadSetEvent{Entry: e})
	}
	return &IngestResult{Kind: IngestSuccess, Entry: e}, nil
}

// GetPayload returns a reader over the payload of the entry's digest.
func (s *Store[F]) GetPayload(digest []byte) (io.ReadCloser, error) {
	return s.payloads.Get(digest)
}

// --- Convenience write ---

// EntryInput is the caller-facing shape of Set.
type EntryInput struct {
	Subspace []byte
	Path     [][]byte
	// Timestamp in microseconds; zero means now.
	Timestamp uint64
	Payload   []byte
}

// Set builds an entry from the input, authorises it with the injected
// scheme, ingests the entry, and on success ingests the payload bytes.
func (s *Store[F]) Set(ctx context.Context, in EntryInput, authOpts any) (*IngestResult, error) {
	digest, err := s.schemes.Payload.FromBytes(bytes.NewReader(in.Payload))
	if err != nil {
		return nil, fmt.Errorf("store: digesting payload: %w", err)
	}
	ts := in.Timestamp
	if ts == 0 {
		ts = uint64(time.Now().UnixMicro())
	}
	e := &Entry{
		Namespace:     s.ns,
		Subspace:      in.Subspace,
		Path:          in.Path,
		Timestamp:     ts,
		PayloadLength: uint64(len(in.Payload)),
		PayloadDigest: digest,
	}
	token, err := s.schemes.Authorisation.Authorise(e, authOpts)
	if err != nil {
		return nil, fmt.Errorf("store: authorising entry: %w", err)
	}
	res, err := s.IngestEntry(ctx, e, token)
	if err != nil || res.Kind != IngestSuccess {
		return res, err
	}
	payloadRes, err := s.IngestPayload(ctx, in.Subspace, in.Path, bytes.NewReader(in.Payload))
	if err != nil {
		return nil, err
	}
	if payloadRes.Kind == IngestFailure {
		return payloadRes, nil
	}
	return res, nil
}

// --- Queries ---

// GetEntry returns the entry at (subspace, path), if any.
func (s *Store[F]) GetEntry(subspace []byte, path [][]byte) (*Entry, bool, error) {
	return s.index.Get(subspace, path)
}

// Query iterates the entries in the area of interest in the given
// dimension order. Queries observe some committed state and may run
// concurrently with ingestions.
func (s *Store[F]) Query(aoi AreaOfInterest, order Order, reverse bool) *EntryIterator[F] {
	return s.index.Query(aoi, order, reverse)
}

// Summarise fingerprints and counts the entries in the area of interest.
func (s *Store[F]) Summarise(aoi AreaOfInterest) (F, uint64, error) {
	return s.index.Summarise(aoi)
}

// --- Write-ahead flag and recovery ---

func (s *Store[F]) writeInsertFlag(e *Entry) error {
	batch := s.waf.NewBatch()
	batch.Set(wafInsertKey, EncodeEntry(s.schemes, e))
	batch.Set(wafInsertAuthKey, s.schemes.Payload.Encode(e.AuthTokenDigest))
	return batch.Write()
}

func (s *Store[F]) clearInsertFlag() error {
	batch := s.waf.NewBatch()
	batch.Delete(wafInsertKey)
	batch.Delete(wafInsertAuthKey)
	return batch.Write()
}

// recover completes or clears any write-ahead flag left by a crash. It is
// idempotent: re-running it observes the repaired state and does nothing.
// When a flag is found, the derived state (index mirror, prefix rows,
// payload reference counts) is first rebuilt from the entry table, since
// the interrupted run may have dropped rows without the bookkeeping that
// followed them; the flagged operation is replayed after that.
func (s *Store[F]) recover() error {
	removeRaw, err := s.waf.Get(wafRemoveKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	insertRaw, err := s.waf.Get(wafInsertKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if removeRaw == nil && insertRaw == nil {
		return nil
	}

	// A flag means the previous run died mid-mutation: rebuild the derived
	// state from the entry table before replaying, so the replay decides
	// against consistent prefix rows and reference counts.
	if err := s.rebuildDerivedState(); err != nil {
		return err
	}

	if removeRaw != nil {
		e, err := DecodeEntry(s.schemes, removeRaw)
		if err != nil {
			return err
		}
		s.log.Info("completing interrupted removal",
			zap.String("subspace", hexutil.Encode(e.Subspace)))
		if _, err := s.dropEntry(e); err != nil {
			return err
		}
		if _, err := s.waf.Delete(wafRemoveKey); err != nil {
			return err
		}
	}

	if insertRaw == nil {
		return nil
	}
	e, err := DecodeEntry(s.schemes, insertRaw)
	if err != nil {
		return err
	}
	authRaw, err := s.waf.Get(wafInsertAuthKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			// Both rows are written in one batch; a lone entry row means
			// the flag itself never committed cleanly. Nothing to replay.
			s.log.Warn("dropping torn write-ahead flag")
			return s.clearInsertFlag()
		}
		return err
	}
	digest, rest, err := s.schemes.Payload.Decode(authRaw)
	if err != nil || len(rest) != 0 {
		return fmt.Errorf("%w: auth token digest in write-ahead flag", errCorruptEntry)
	}
	e.AuthTokenDigest = digest
	s.log.Info("replaying interrupted ingestion",
		zap.String("subspace", hexutil.Encode(e.Subspace)),
		zap.Uint64("timestamp", e.Timestamp))
	_, err = s.ingestLocked(e, true)
	return err
}

// rebuildDerivedState restores everything derivable from the entry table:
// the three-list mirror, the prefix rows, and the payload reference
// counts. An interrupted mutation can drop index rows without the
// bookkeeping that follows them; replay alone cannot attribute those
// changes, a rebuild can.
func (s *Store[F]) rebuildDerivedState() error {
	if err := s.index.Reconcile(); err != nil {
		return err
	}
	entries, err := s.index.Entries()
	if err != nil {
		return err
	}

	type prefixRow struct {
		path [][]byte
		ts   uint64
	}
	want := make(map[string]prefixRow, len(entries))
	counts := make(map[string]uint64, len(entries))
	for _, e := range entries {
		composed := s.composedPath(e.Subspace, e.Path)
		want[composedKey(composed)] = prefixRow{path: composed, ts: e.Timestamp}
		counts[string(e.PayloadDigest)]++
	}

	// Drop prefix rows with no backing entry; stale rows would veto or
	// prune future ingestions incorrectly.
	var stale [][][]byte
	it := s.prefixes.PrefixedBy(nil)
	for it.Next() {
		key := composedKey(it.Path())
		row, ok := want[key]
		if ok && row.ts == prefixTimestamp(it.Value()) {
			delete(want, key)
			continue
		}
		if !ok {
			stale = append(stale, it.Path())
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, path := range stale {
		if _, err := s.prefixes.Remove(path); err != nil {
			return err
		}
	}
	for _, row := range want {
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], row.ts)
		if err := s.prefixes.Insert(row.path, ts[:]); err != nil {
			return err
		}
	}

	return s.refs.Reset(counts)
}

// composedKey renders a composed path as a map key.
func composedKey(path [][]byte) string {
	return string(appendPath(nil, path))
}

// --- Path composition ---

// composedPath maps (subspace, path) into the prefix iterator's key space:
// the encoded subspace leads as an extra component, so prefix queries stay
// scoped to one subspace.
func (s *Store[F]) composedPath(subspace []byte, path [][]byte) [][]byte {
	out := make([][]byte, 0, len(path)+1)
	out = append(out, s.schemes.Subspace.Encode(subspace))
	return append(out, path...)
}

// uncomposePath strips the leading subspace component again.
func (s *Store[F]) uncomposePath(composed [][]byte) [][]byte {
	return composed[1:]
}

// prefixTimestamp reads the timestamp stored as a prefix row's value.
func prefixTimestamp(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}
