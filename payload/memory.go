package payload

import (
	"bytes"
	"io"
	"sync"
)

// DigestFunc computes the digest of a complete payload.
type DigestFunc func(data []byte) []byte

// Memory is an in-memory Driver. Complete payloads are held by digest;
// partial transfers are tracked by their expected digest until the stream
// completes.
type Memory struct {
	digest DigestFunc

	mu       sync.RWMutex
	blobs    map[string][]byte
	partials map[string][]byte // keyed by expected digest
}

// NewMemory creates an in-memory driver using the given digest function.
func NewMemory(digest DigestFunc) *Memory {
	return &Memory{
		digest:   digest,
		blobs:    make(map[string][]byte),
		partials: make(map[string][]byte),
	}
}

func (m *Memory) Get(digest []byte) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[string(digest)]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func (m *Memory) Set(r io.Reader) ([]byte, uint64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	digest := m.digest(data)
	m.mu.Lock()
	m.blobs[string(digest)] = data
	m.mu.Unlock()
	return digest, uint64(len(data)), nil
}

func (m *Memory) Receive(opts ReceiveOptions) ([]byte, uint64, error) {
	data, err := io.ReadAll(opts.Reader)
	if err != nil {
		return nil, 0, err
	}
	if opts.Offset > 0 {
		m.mu.Lock()
		held := m.partials[string(opts.KnownDigest)]
		if int64(len(held)) != opts.Offset {
			m.mu.Unlock()
			return nil, 0, ErrInvalidOffset
		}
		data = append(append([]byte(nil), held...), data...)
		delete(m.partials, string(opts.KnownDigest))
		m.mu.Unlock()
	}
	if opts.KnownLength > 0 && uint64(len(data)) < opts.KnownLength {
		// Incomplete: stash the bytes under the expected digest so a later
		// receive can continue at this offset.
		m.mu.Lock()
		m.partials[string(opts.KnownDigest)] = data
		m.mu.Unlock()
		return opts.KnownDigest, uint64(len(data)), nil
	}
	digest := m.digest(data)
	m.mu.Lock()
	m.blobs[string(digest)] = data
	m.mu.Unlock()
	return digest, uint64(len(data)), nil
}

func (m *Memory) Length(digest []byte) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if blob, ok := m.blobs[string(digest)]; ok {
		return uint64(len(blob)), nil
	}
	if held, ok := m.partials[string(digest)]; ok {
		return uint64(len(held)), nil
	}
	return 0, ErrNotFound
}

func (m *Memory) Erase(digest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[string(digest)]; ok {
		delete(m.blobs, string(digest))
		return nil
	}
	if _, ok := m.partials[string(digest)]; ok {
		delete(m.partials, string(digest))
		return nil
	}
	return ErrNotFound
}

var _ Driver = (*Memory)(nil)
