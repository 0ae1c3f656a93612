package store

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/willowmere/willow/kv"
	"github.com/willowmere/willow/payload"
)

var testNamespace = []byte("family")

func sha3Digest(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

func newTestStore(t *testing.T, db kv.Store) *Store[*uint256.Int] {
	t.Helper()
	s, err := New(Options[*uint256.Int]{
		Namespace: testNamespace,
		KV:        db,
		Payloads:  payload.NewMemory(sha3Digest),
		Schemes:   testSchemes(),
		Seed:      1312,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return s
}

// makeEntry builds an authorised entry over the given payload bytes.
func makeEntry(subspace string, path [][]byte, ts uint64, data []byte) (*Entry, []byte) {
	e := &Entry{
		Namespace:     testNamespace,
		Subspace:      []byte(subspace),
		Path:          path,
		Timestamp:     ts,
		PayloadLength: uint64(len(data)),
		PayloadDigest: sha3Digest(data),
	}
	return e, tokenFor(e, testSecret)
}

func mustIngest(t *testing.T, s *Store[*uint256.Int], e *Entry, token []byte) *IngestResult {
	t.Helper()
	res, err := s.IngestEntry(context.Background(), e, token)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func allEntries(t *testing.T, s *Store[*uint256.Int]) []*Entry {
	t.Helper()
	entries, err := s.index.Entries()
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func bs(parts ...byte) []byte { return parts }

func TestIngest_PrefixPruningBlocksOlderExtension(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	a, tokA := makeEntry("alfie", [][]byte{bs(0x00)}, 1, []byte("A"))
	if res := mustIngest(t, s, a, tokA); res.Kind != IngestSuccess {
		t.Fatalf("first ingest: %+v", res)
	}

	b, tokB := makeEntry("alfie", [][]byte{bs(0x00), bs(0x01)}, 0, []byte("B"))
	res := mustIngest(t, s, b, tokB)
	if res.Kind != IngestNoOp || res.Reason != ReasonNewerPrefix {
		t.Fatalf("expected newer-prefix no-op, got %+v", res)
	}

	entries := allEntries(t, s)
	if len(entries) != 1 || len(entries[0].Path) != 1 || !bytes.Equal(entries[0].Path[0], bs(0x00)) {
		t.Fatalf("store should hold exactly the prefix entry, got %d entries", len(entries))
	}
}

func TestIngest_NewerPrefixPrunesExtensions(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	ctx := context.Background()

	a, tokA := makeEntry("alfie", [][]byte{bs(0x00), bs(0x01)}, 0, []byte("A"))
	b, tokB := makeEntry("alfie", [][]byte{bs(0x00), bs(0x02)}, 0, []byte("B"))
	c, tokC := makeEntry("alfie", [][]byte{bs(0x00)}, 1, []byte("C"))

	for _, in := range []struct {
		e   *Entry
		tok []byte
	}{{a, tokA}, {b, tokB}, {c, tokC}} {
		res, err := s.IngestEntry(ctx, in.e, in.tok)
		if err != nil || res.Kind != IngestSuccess {
			t.Fatalf("ingest %v: %+v %v", in.e.Path, res, err)
		}
	}

	entries := allEntries(t, s)
	if len(entries) != 1 {
		t.Fatalf("pruning should leave one entry, got %d", len(entries))
	}
	got := entries[0]
	if len(got.Path) != 1 || !bytes.Equal(got.Path[0], bs(0x00)) || got.Timestamp != 1 {
		t.Fatalf("wrong survivor: path %v ts %d", got.Path, got.Timestamp)
	}
	if !bytes.Equal(got.PayloadDigest, sha3Digest([]byte("C"))) {
		t.Fatal("survivor should carry value C's digest")
	}
}

func TestIngest_SamePathNewerWins(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	path := [][]byte{bs(0x58)}

	first, tok1 := makeEntry("alfie", path, 1, []byte("one"))
	mustIngest(t, s, first, tok1)
	second, tok2 := makeEntry("alfie", path, 2, []byte("two"))
	res := mustIngest(t, s, second, tok2)
	if res.Kind != IngestSuccess {
		t.Fatalf("newer entry should win: %+v", res)
	}
	if len(res.Removed) != 1 || res.Removed[0].Timestamp != 1 {
		t.Fatalf("result should report the superseded entry, got %v", res.Removed)
	}

	entries := allEntries(t, s)
	if len(entries) != 1 || entries[0].Timestamp != 2 {
		t.Fatalf("expected single entry at ts 2, got %d entries", len(entries))
	}

	// The older entry coming back is obsolete.
	res = mustIngest(t, s, first, tok1)
	if res.Kind != IngestNoOp || res.Reason != ReasonObsolete {
		t.Fatalf("old entry should be obsolete, got %+v", res)
	}
}

func TestIngest_SameTimestampDigestTieBreak(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	path := [][]byte{bs(0x01)}

	a, tokA := makeEntry("alfie", path, 5, []byte("aaa"))
	b, tokB := makeEntry("alfie", path, 5, []byte("bbb"))
	lo, hi := a, b
	loTok, hiTok := tokA, tokB
	if (testPayloadScheme{}).Compare(a.PayloadDigest, b.PayloadDigest) > 0 {
		lo, hi = b, a
		loTok, hiTok = tokB, tokA
	}

	mustIngest(t, s, hi, hiTok)
	res := mustIngest(t, s, lo, loTok)
	if res.Kind != IngestNoOp || res.Reason != ReasonObsolete {
		t.Fatalf("lower digest at equal timestamp should lose, got %+v", res)
	}
}

func TestIngest_CrossNamespaceRejected(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	e := &Entry{
		Namespace:     []byte("other"),
		Subspace:      []byte("alfie"),
		Path:          [][]byte{bs(0x01)},
		Timestamp:     1,
		PayloadLength: 1,
		PayloadDigest: sha3Digest([]byte("x")),
	}
	res := mustIngest(t, s, e, tokenFor(e, testSecret))
	if res.Kind != IngestFailure || res.Reason != ReasonInvalidEntry {
		t.Fatalf("cross-namespace entry must be rejected, got %+v", res)
	}
	if entries := allEntries(t, s); len(entries) != 0 {
		t.Fatal("rejected entry must not be stored")
	}
}

func TestIngest_BadTokenAndPathBounds(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	e, _ := makeEntry("alfie", [][]byte{bs(0x01)}, 1, []byte("x"))
	res := mustIngest(t, s, e, []byte("not a token"))
	if res.Kind != IngestFailure || res.Reason != ReasonInvalidEntry {
		t.Fatalf("bad token should fail, got %+v", res)
	}

	long := make([][]byte, 9) // exceeds MaxComponentCount of 8
	for i := range long {
		long[i] = bs(byte(i))
	}
	bad, tok := makeEntry("alfie", long, 1, []byte("x"))
	res = mustIngest(t, s, bad, tok)
	if res.Kind != IngestFailure || res.Reason != ReasonInvalidEntry {
		t.Fatalf("oversized path should fail, got %+v", res)
	}
}

func TestIngest_SubspacesAreIndependent(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())

	a, tokA := makeEntry("alfie", [][]byte{bs(0x00)}, 10, []byte("A"))
	mustIngest(t, s, a, tokA)
	// Same path shape in another subspace: no pruning across subspaces.
	b, tokB := makeEntry("betty", [][]byte{bs(0x00), bs(0x01)}, 1, []byte("B"))
	res := mustIngest(t, s, b, tokB)
	if res.Kind != IngestSuccess {
		t.Fatalf("other subspace should be unaffected, got %+v", res)
	}
	if entries := allEntries(t, s); len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

// checkInvariants asserts that the three index orderings agree, that the
// prefix-free property holds per subspace, and that payload reference
// counts match the entry table.
func checkInvariants(t *testing.T, s *Store[*uint256.Int]) {
	t.Helper()
	entries := allEntries(t, s)

	for _, order := range []Order{OrderPath, OrderTime} {
		it := s.Query(AreaOfInterest{Area: Area{Time: TimeRange{Open: true}}}, order, false)
		seen := 0
		for it.Next() {
			seen++
			e := it.Entry()
			found := false
			for _, want := range entries {
				if want.Equal(e) {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("order %d yields entry missing from spt: %v", order, e.Path)
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			t.Fatal(err)
		}
		if seen != len(entries) {
			t.Fatalf("order %d sees %d entries, spt has %d", order, seen, len(entries))
		}
	}

	for i, a := range entries {
		for j, b := range entries {
			if i == j || !bytes.Equal(a.Subspace, b.Subspace) {
				continue
			}
			if len(a.Path) < len(b.Path) && prefixMatches(a.Path, b.Path) {
				t.Fatalf("prefix-free violation: %v is a prefix of %v", a.Path, b.Path)
			}
		}
	}

	counts := map[string]uint64{}
	for _, e := range entries {
		counts[string(e.PayloadDigest)]++
	}
	for digest, want := range counts {
		got, err := s.refs.Count([]byte(digest))
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("refcount for %x: got %d, want %d", digest[:4], got, want)
		}
	}
}

func prefixMatches(p, q [][]byte) bool {
	for i := range p {
		if !bytes.Equal(p[i], q[i]) {
			return false
		}
	}
	return true
}

func TestIngest_RandomisedInvariants(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	rng := rand.New(rand.NewSource(404))
	subspaces := []string{"alfie", "betty", "gemma"}
	comps := [][]byte{bs(0x00), bs(0x01), bs(0x02)}

	for step := 0; step < 200; step++ {
		n := 1 + rng.Intn(3)
		path := make([][]byte, n)
		for i := range path {
			path[i] = comps[rng.Intn(len(comps))]
		}
		data := []byte(fmt.Sprintf("payload-%d", rng.Intn(12)))
		e, tok := makeEntry(subspaces[rng.Intn(len(subspaces))], path, uint64(rng.Intn(40)), data)
		if _, err := s.IngestEntry(context.Background(), e, tok); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if step%40 == 0 {
			checkInvariants(t, s)
		}
	}
	checkInvariants(t, s)
}

func TestSummarise_MatchesExplicitComputation(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	rng := rand.New(rand.NewSource(99))
	subspaces := []string{"alfie", "betty", "gemma", "dara"}
	comps := [][]byte{bs(0x00), bs(0x01), bs(0x02), bs(0x03)}
	fps := testFingerprintScheme{}

	for i := 0; i < 100; i++ {
		n := 1 + rng.Intn(3)
		path := make([][]byte, n)
		for j := range path {
			path[j] = comps[rng.Intn(len(comps))]
		}
		data := []byte(fmt.Sprintf("payload-%d", i))
		e, tok := makeEntry(subspaces[rng.Intn(len(subspaces))], path, uint64(rng.Intn(1000)), data)
		if _, err := s.IngestEntry(context.Background(), e, tok); err != nil {
			t.Fatal(err)
		}
	}
	entries := allEntries(t, s)
	if len(entries) == 0 {
		t.Fatal("no entries survived")
	}

	for trial := 0; trial < 100; trial++ {
		aoi := AreaOfInterest{
			Area: Area{
				Time: TimeRange{Start: uint64(rng.Intn(800)), End: uint64(rng.Intn(1200)), Open: rng.Intn(3) == 0},
			},
		}
		if rng.Intn(2) == 0 {
			aoi.Area.Subspace = []byte(subspaces[rng.Intn(len(subspaces))])
		}
		if rng.Intn(3) == 0 {
			aoi.Area.PathPrefix = [][]byte{comps[rng.Intn(len(comps))]}
		}
		if rng.Intn(4) == 0 {
			aoi.MaxCount = uint64(1 + rng.Intn(10))
		}
		if rng.Intn(4) == 0 {
			aoi.MaxSize = uint64(1 + rng.Intn(200))
		}

		gotFP, gotCount, err := s.Summarise(aoi)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}

		// Explicit computation over the spt-ordered entry list with the
		// same cap semantics: stop before the first entry that would
		// exceed either cap.
		wantFP := fps.Neutral()
		var wantCount, size uint64
		for _, e := range entries {
			if !s.index.included(aoi.Area, e) {
				continue
			}
			if (aoi.MaxCount > 0 && wantCount+1 > aoi.MaxCount) ||
				(aoi.MaxSize > 0 && size+e.PayloadLength > aoi.MaxSize) {
				break
			}
			wantFP = fps.Combine(wantFP, fps.Lift(e))
			wantCount++
			size += e.PayloadLength
		}
		if gotCount != wantCount || !gotFP.Eq(wantFP) {
			t.Fatalf("trial %d (%+v): got (%s, %d), want (%s, %d)",
				trial, aoi, gotFP.Hex(), gotCount, wantFP.Hex(), wantCount)
		}
	}
}

func TestQuery_OrdersAndCaps(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	ctx := context.Background()

	type row struct {
		sub  string
		path [][]byte
		ts   uint64
	}
	rows := []row{
		{"alfie", [][]byte{bs(0x01)}, 30},
		{"alfie", [][]byte{bs(0x02)}, 10},
		{"betty", [][]byte{bs(0x01), bs(0x01)}, 20},
		{"betty", [][]byte{bs(0x03)}, 40},
	}
	for i, r := range rows {
		e, tok := makeEntry(r.sub, r.path, r.ts, []byte{byte(i)})
		res, err := s.IngestEntry(ctx, e, tok)
		if err != nil || res.Kind != IngestSuccess {
			t.Fatalf("row %d: %+v %v", i, res, err)
		}
	}
	everything := AreaOfInterest{Area: Area{Time: TimeRange{Open: true}}}

	it := s.Query(everything, OrderTime, false)
	var times []uint64
	for it.Next() {
		times = append(times, it.Entry().Timestamp)
	}
	it.Release()
	for i := 1; i < len(times); i++ {
		if times[i-1] > times[i] {
			t.Fatalf("time order violated: %v", times)
		}
	}
	if len(times) != len(rows) {
		t.Fatalf("expected %d entries, got %d", len(rows), len(times))
	}

	it = s.Query(everything, OrderTime, true)
	times = times[:0]
	for it.Next() {
		times = append(times, it.Entry().Timestamp)
	}
	it.Release()
	if len(times) != len(rows) || times[0] != 40 {
		t.Fatalf("reverse time order wrong: %v", times)
	}

	capped := everything
	capped.MaxCount = 2
	it = s.Query(capped, OrderSubspace, false)
	seen := 0
	for it.Next() {
		seen++
	}
	it.Release()
	if seen != 2 {
		t.Fatalf("count cap ignored: %d", seen)
	}

	// Restrict by subspace and time window.
	it = s.Query(AreaOfInterest{
		Area: Area{Subspace: []byte("betty"), Time: TimeRange{Start: 0, End: 25}},
	}, OrderSubspace, false)
	var got []*Entry
	for it.Next() {
		got = append(got, it.Entry())
	}
	it.Release()
	if len(got) != 1 || got[0].Timestamp != 20 {
		t.Fatalf("filtered query wrong: %d entries", len(got))
	}
}

func TestPayload_IngestLifecycle(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	ctx := context.Background()
	data := []byte("the payload bytes")

	res, err := s.IngestPayload(ctx, []byte("alfie"), [][]byte{bs(0x01)}, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != IngestFailure || res.Reason != ReasonNoEntry {
		t.Fatalf("payload without entry should fail, got %+v", res)
	}

	e, tok := makeEntry("alfie", [][]byte{bs(0x01)}, 1, data)
	mustIngest(t, s, e, tok)

	// Same length as the real payload, so the stream completes and the
	// digest check fires.
	res, err = s.IngestPayload(ctx, []byte("alfie"), [][]byte{bs(0x01)}, bytes.NewReader([]byte("eht payload bytes")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != IngestFailure || res.Reason != ReasonDataMismatch {
		t.Fatalf("mismatched payload should fail, got %+v", res)
	}

	events, cancel := s.Subscribe(8)
	defer cancel()
	res, err = s.IngestPayload(ctx, []byte("alfie"), [][]byte{bs(0x01)}, bytes.NewReader(data))
	if err != nil || res.Kind != IngestSuccess {
		t.Fatalf("payload ingest: %+v %v", res, err)
	}
	if ev, ok := (<-events).(PayloadIngestEvent); !ok || !bytes.Equal(ev.Digest, e.PayloadDigest) {
		t.Fatalf("expected payload ingest event, got %T", ev)
	}
	if _, ok := (<-events).(EntryPayloadSetEvent); !ok {
		t.Fatal("expected payload set event")
	}

	res, err = s.IngestPayload(ctx, []byte("alfie"), [][]byte{bs(0x01)}, bytes.NewReader(data))
	if err != nil || res.Kind != IngestNoOp {
		t.Fatalf("held payload should be a no-op, got %+v %v", res, err)
	}

	rc, err := s.GetPayload(e.PayloadDigest)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatal("payload bytes corrupted")
	}
}

func TestSet_BuildsAuthorisesAndStoresPayload(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	events, cancel := s.Subscribe(8)
	defer cancel()

	res, err := s.Set(context.Background(), EntryInput{
		Subspace:  []byte("alfie"),
		Path:      [][]byte{[]byte("blog"), []byte("hello")},
		Timestamp: 77,
		Payload:   []byte("hi there"),
	}, nil)
	if err != nil || res.Kind != IngestSuccess {
		t.Fatalf("set: %+v %v", res, err)
	}
	e, found, err := s.GetEntry([]byte("alfie"), [][]byte{[]byte("blog"), []byte("hello")})
	if err != nil || !found {
		t.Fatalf("entry not stored: %v", err)
	}
	if e.Timestamp != 77 || e.PayloadLength != 8 {
		t.Fatalf("entry fields wrong: %+v", e)
	}
	held, err := s.payloads.Length(e.PayloadDigest)
	if err != nil || held != 8 {
		t.Fatalf("payload not held: %d %v", held, err)
	}
	if _, ok := (<-events).(EntryIngestEvent); !ok {
		t.Fatal("expected entry ingest event first")
	}
}

func TestRemove_DropsEntryAndReferences(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	ctx := context.Background()
	data := []byte("blob")

	e, tok := makeEntry("alfie", [][]byte{bs(0x01)}, 1, data)
	mustIngest(t, s, e, tok)
	if _, err := s.IngestPayload(ctx, e.Subspace, e.Path, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}

	events, cancel := s.Subscribe(4)
	defer cancel()
	removed, err := s.Remove(ctx, []byte("alfie"), [][]byte{bs(0x01)})
	if err != nil || !removed {
		t.Fatalf("remove: %t %v", removed, err)
	}
	if _, ok := (<-events).(EntryRemoveEvent); !ok {
		t.Fatal("expected remove event")
	}
	if entries := allEntries(t, s); len(entries) != 0 {
		t.Fatal("entry survived removal")
	}
	if n, _ := s.refs.Count(e.PayloadDigest); n != 0 {
		t.Fatalf("refcount should be 0, got %d", n)
	}
	// The unreferenced payload is erased.
	if _, err := s.payloads.Length(e.PayloadDigest); err == nil {
		t.Fatal("payload should have been erased")
	}

	removed, err = s.Remove(ctx, []byte("alfie"), [][]byte{bs(0x01)})
	if err != nil || removed {
		t.Fatalf("second remove: %t %v", removed, err)
	}
}

func TestEvents_IngestCarriesPruned(t *testing.T) {
	s := newTestStore(t, kv.NewMemory())
	ctx := context.Background()

	a, tokA := makeEntry("alfie", [][]byte{bs(0x00), bs(0x01)}, 0, []byte("A"))
	mustIngest(t, s, a, tokA)

	events, cancel := s.Subscribe(4)
	defer cancel()
	c, tokC := makeEntry("alfie", [][]byte{bs(0x00)}, 1, []byte("C"))
	res, err := s.IngestEntry(ctx, c, tokC)
	if err != nil || res.Kind != IngestSuccess {
		t.Fatalf("%+v %v", res, err)
	}
	ev, ok := (<-events).(EntryIngestEvent)
	if !ok {
		t.Fatal("expected ingest event")
	}
	if len(ev.Removed) != 1 || !ev.Removed[0].Equal(a) {
		t.Fatalf("event should carry the pruned entry, got %d removed", len(ev.Removed))
	}
}
