package kv

// Prefixed wraps a Store, transparently prepending a fixed tuple prefix to
// every key. Multiple logical stores can share one physical backend without
// key collisions; each sees only its own keys, with the prefix stripped.
type Prefixed struct {
	inner  Store
	prefix Key
}

// NewPrefixed creates a prefix-isolated view of the given store.
func NewPrefixed(inner Store, prefix Key) *Prefixed {
	return &Prefixed{inner: inner, prefix: prefix.Append()}
}

func (p *Prefixed) full(key Key) Key { return p.prefix.Append(key...) }

func (p *Prefixed) Get(key Key) ([]byte, error) {
	return p.inner.Get(p.full(key))
}

func (p *Prefixed) Set(key Key, value []byte) error {
	return p.inner.Set(p.full(key), value)
}

func (p *Prefixed) Delete(key Key) (bool, error) {
	return p.inner.Delete(p.full(key))
}

// List intersects the selector with the prefix and strips the prefix from
// every yielded key.
func (p *Prefixed) List(sel Selector, opts ListOptions) Iterator {
	return &prefixedIterator{
		inner: p.inner.List(p.scope(sel), opts),
		strip: len(p.prefix),
	}
}

func (p *Prefixed) Clear(sel Selector) error {
	return p.inner.Clear(p.scope(sel))
}

func (p *Prefixed) Close() error { return nil }

// scope rewrites a selector into the prefixed key space.
func (p *Prefixed) scope(sel Selector) Selector {
	out := Selector{Prefix: p.prefix}
	if sel.Prefix != nil {
		out.Prefix = p.full(sel.Prefix)
	}
	if sel.Start != nil {
		out.Start = p.full(sel.Start)
	}
	if sel.End != nil {
		out.End = p.full(sel.End)
	}
	return out
}

// NewBatch returns a batch whose operations are rewritten into the
// prefixed key space before being handed to the backing store's batch.
func (p *Prefixed) NewBatch() Batch {
	return &prefixedBatch{inner: p.inner.NewBatch(), p: p}
}

type prefixedBatch struct {
	inner Batch
	p     *Prefixed
}

func (b *prefixedBatch) Set(key Key, value []byte) { b.inner.Set(b.p.full(key), value) }
func (b *prefixedBatch) Delete(key Key)            { b.inner.Delete(b.p.full(key)) }
func (b *prefixedBatch) Len() int                  { return b.inner.Len() }
func (b *prefixedBatch) Write() error              { return b.inner.Write() }
func (b *prefixedBatch) Reset()                    { b.inner.Reset() }

type prefixedIterator struct {
	inner Iterator
	strip int
}

func (it *prefixedIterator) Next() bool { return it.inner.Next() }

func (it *prefixedIterator) Key() Key {
	key := it.inner.Key()
	if key == nil || len(key) < it.strip {
		return key
	}
	return key[it.strip:]
}

func (it *prefixedIterator) Value() []byte { return it.inner.Value() }
func (it *prefixedIterator) Error() error  { return it.inner.Error() }
func (it *prefixedIterator) Release()      { it.inner.Release() }

var _ Store = (*Prefixed)(nil)
