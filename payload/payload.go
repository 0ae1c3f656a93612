// Package payload defines the narrow contract between the store and its
// payload blob storage, plus an in-memory driver used by tests and small
// deployments. Payloads are keyed by their digest; the digest function is
// injected so the driver stays agnostic of the payload scheme.
package payload

import (
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no payload is held for a digest.
	ErrNotFound = errors.New("payload: not found")
	// ErrInvalidOffset is returned when a partial receive does not line up
	// with the bytes already held.
	ErrInvalidOffset = errors.New("payload: invalid receive offset")
)

// ReceiveOptions describes an incoming payload stream.
type ReceiveOptions struct {
	Reader io.Reader
	// Offset is the byte position the stream starts at; a non-zero offset
	// continues a previously partial transfer identified by KnownDigest.
	Offset int64
	// KnownLength is the expected total length, when the caller knows it.
	KnownLength uint64
	// KnownDigest is the expected digest, when the caller knows it.
	KnownDigest []byte
}

// Driver stores payload blobs keyed by digest.
type Driver interface {
	// Get returns a reader over the payload for digest, or ErrNotFound.
	Get(digest []byte) (io.ReadCloser, error)
	// Set ingests a complete payload and returns its digest and length.
	Set(r io.Reader) (digest []byte, length uint64, err error)
	// Receive ingests a possibly partial payload stream and returns the
	// digest and length of the bytes held afterwards.
	Receive(opts ReceiveOptions) (digest []byte, length uint64, err error)
	// Length returns the number of bytes held for digest, or ErrNotFound.
	Length(digest []byte) (uint64, error)
	// Erase drops the payload for digest; ErrNotFound if none is held.
	Erase(digest []byte) error
}
