package kv

import (
	"bytes"
	"errors"
	"testing"
)

// withStores runs a conformance test against every backend.
func withStores(t *testing.T, fn func(t *testing.T, db Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		db := NewMemory()
		defer db.Close()
		fn(t, db)
	})
	t.Run("pebble", func(t *testing.T) {
		db, err := OpenPebble("test", PebbleOptions{InMemory: true})
		if err != nil {
			t.Fatalf("opening pebble: %v", err)
		}
		defer db.Close()
		fn(t, db)
	})
}

func mustSet(t *testing.T, db Store, key Key, value string) {
	t.Helper()
	if err := db.Set(key, []byte(value)); err != nil {
		t.Fatalf("set %v: %v", key, err)
	}
}

func collect(t *testing.T, it Iterator) ([]Key, [][]byte) {
	t.Helper()
	defer it.Release()
	var keys []Key
	var vals [][]byte
	for it.Next() {
		keys = append(keys, it.Key())
		vals = append(vals, it.Value())
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterating: %v", err)
	}
	return keys, vals
}

func TestStore_GetSetDelete(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		key := Key{String("a"), Int(1)}
		if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		mustSet(t, db, key, "one")
		got, err := db.Get(key)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte("one")) {
			t.Fatalf("got %q", got)
		}
		mustSet(t, db, key, "two")
		got, _ = db.Get(key)
		if !bytes.Equal(got, []byte("two")) {
			t.Fatal("overwrite did not take")
		}
		existed, err := db.Delete(key)
		if err != nil || !existed {
			t.Fatalf("delete: existed=%t err=%v", existed, err)
		}
		existed, err = db.Delete(key)
		if err != nil || existed {
			t.Fatalf("second delete: existed=%t err=%v", existed, err)
		}
	})
}

func TestStore_ListRange(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		for i := int64(0); i < 10; i++ {
			mustSet(t, db, Key{String("n"), Int(i)}, "v")
		}
		keys, _ := collect(t, db.List(Selector{
			Start: Key{String("n"), Int(3)},
			End:   Key{String("n"), Int(7)},
		}, ListOptions{}))
		if len(keys) != 4 {
			t.Fatalf("expected 4 keys, got %d", len(keys))
		}
		if keys[0][1].IntValue().Int64() != 3 || keys[3][1].IntValue().Int64() != 6 {
			t.Fatalf("wrong range bounds: %v .. %v", keys[0], keys[3])
		}
	})
}

func TestStore_ListReverseLimit(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		for i := int64(0); i < 10; i++ {
			mustSet(t, db, Key{Int(i)}, "v")
		}
		keys, _ := collect(t, db.List(Selector{}, ListOptions{Reverse: true, Limit: 3}))
		if len(keys) != 3 {
			t.Fatalf("expected 3 keys, got %d", len(keys))
		}
		for i, want := range []int64{9, 8, 7} {
			if keys[i][0].IntValue().Int64() != want {
				t.Fatalf("reverse order wrong at %d: %v", i, keys[i])
			}
		}
	})
}

func TestStore_ListPrefix(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		mustSet(t, db, Key{String("a"), Int(1)}, "a1")
		mustSet(t, db, Key{String("a"), Int(2)}, "a2")
		mustSet(t, db, Key{String("b"), Int(1)}, "b1")

		keys, _ := collect(t, db.List(Selector{Prefix: Key{String("a")}}, ListOptions{}))
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys under prefix, got %d", len(keys))
		}

		// Start below the prefix range: treated as unbounded below.
		keys, _ = collect(t, db.List(Selector{
			Prefix: Key{String("b")},
			Start:  Key{String("a")},
		}, ListOptions{}))
		if len(keys) != 1 {
			t.Fatalf("expected 1 key, got %d", len(keys))
		}

		// Start above the prefix range: empty result.
		keys, _ = collect(t, db.List(Selector{
			Prefix: Key{String("a")},
			Start:  Key{String("c")},
		}, ListOptions{}))
		if len(keys) != 0 {
			t.Fatalf("expected empty result, got %d keys", len(keys))
		}

		// End above the prefix range: treated as unbounded above.
		keys, _ = collect(t, db.List(Selector{
			Prefix: Key{String("a")},
			End:    Key{String("z")},
		}, ListOptions{}))
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys, got %d", len(keys))
		}
	})
}

func TestStore_BatchAtomicMix(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		mustSet(t, db, Key{String("old")}, "x")
		b := db.NewBatch()
		b.Delete(Key{String("old")})
		b.Set(Key{String("new1")}, []byte("1"))
		b.Set(Key{String("new2")}, []byte("2"))
		if b.Len() != 3 {
			t.Fatalf("batch len %d", b.Len())
		}
		if err := b.Write(); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Get(Key{String("old")}); !errors.Is(err, ErrNotFound) {
			t.Fatal("old key should be deleted")
		}
		if _, err := db.Get(Key{String("new1")}); err != nil {
			t.Fatal("new1 missing after batch")
		}
		if _, err := db.Get(Key{String("new2")}); err != nil {
			t.Fatal("new2 missing after batch")
		}
	})
}

func TestStore_Clear(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		mustSet(t, db, Key{String("a"), Int(1)}, "1")
		mustSet(t, db, Key{String("a"), Int(2)}, "2")
		mustSet(t, db, Key{String("b"), Int(1)}, "3")
		if err := db.Clear(Selector{Prefix: Key{String("a")}}); err != nil {
			t.Fatal(err)
		}
		keys, _ := collect(t, db.List(Selector{}, ListOptions{}))
		if len(keys) != 1 {
			t.Fatalf("expected 1 surviving key, got %d", len(keys))
		}
		if keys[0][0].StringValue() != "b" {
			t.Fatalf("wrong survivor: %v", keys[0])
		}
	})
}

func TestPrefixed_Isolation(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		left := NewPrefixed(db, Key{String("left")})
		right := NewPrefixed(db, Key{String("right")})

		if err := left.Set(Key{Int(1)}, []byte("L")); err != nil {
			t.Fatal(err)
		}
		if err := right.Set(Key{Int(1)}, []byte("R")); err != nil {
			t.Fatal(err)
		}

		got, err := left.Get(Key{Int(1)})
		if err != nil || !bytes.Equal(got, []byte("L")) {
			t.Fatalf("left view: %q %v", got, err)
		}
		keys, vals := collect(t, right.List(Selector{}, ListOptions{}))
		if len(keys) != 1 || !bytes.Equal(vals[0], []byte("R")) {
			t.Fatalf("right view sees %d keys", len(keys))
		}
		// Stripped keys carry no trace of the prefix.
		if len(keys[0]) != 1 || keys[0][0].IntValue().Int64() != 1 {
			t.Fatalf("prefix not stripped: %v", keys[0])
		}

		// Batches through the wrapper land in the right namespace.
		b := left.NewBatch()
		b.Set(Key{Int(2)}, []byte("L2"))
		if err := b.Write(); err != nil {
			t.Fatal(err)
		}
		keys, _ = collect(t, left.List(Selector{}, ListOptions{}))
		if len(keys) != 2 {
			t.Fatalf("left should hold 2 keys, got %d", len(keys))
		}
		if err := left.Clear(Selector{}); err != nil {
			t.Fatal(err)
		}
		keys, _ = collect(t, right.List(Selector{}, ListOptions{}))
		if len(keys) != 1 {
			t.Fatal("clearing left must not touch right")
		}
	})
}

func TestStore_ListRestartable(t *testing.T) {
	withStores(t, func(t *testing.T, db Store) {
		mustSet(t, db, Key{Int(1)}, "1")
		mustSet(t, db, Key{Int(2)}, "2")
		sel := Selector{}
		first, _ := collect(t, db.List(sel, ListOptions{}))
		second, _ := collect(t, db.List(sel, ListOptions{}))
		if len(first) != len(second) {
			t.Fatal("re-listing should yield the same entries")
		}
	})
}
