// Package store implements the core storage engine: a three-dimensional
// entry index layered over summarisable skip lists, and the ingestion
// engine that enforces the data model's ordering and prefix-pruning rules.
// All cryptographic and identifier concerns are injected through the
// scheme interfaces below.
package store

import (
	"errors"
	"fmt"
	"io"
)

// NamespaceScheme encodes and compares namespace identifiers. Encodings
// must be self-delimiting so Decode can consume exactly one identifier from
// a longer stream.
type NamespaceScheme interface {
	Encode(id []byte) []byte
	Decode(b []byte) (id, rest []byte, err error)
	Equal(a, b []byte) bool
}

// SubspaceScheme encodes and orders subspace identifiers. Compare must
// agree with lexicographic byte comparison of Encode's output: the index
// sorts entries by encoded subspace, and range queries assume both orders
// coincide.
type SubspaceScheme interface {
	Encode(id []byte) []byte
	Decode(b []byte) (id, rest []byte, err error)
	Compare(a, b []byte) int
	// Minimal returns the least subspace identifier.
	Minimal() []byte
	// Successor returns the next identifier in order, or false when id is
	// maximal.
	Successor(id []byte) ([]byte, bool)
}

// PayloadScheme encodes, orders, and computes payload digests.
type PayloadScheme interface {
	Encode(digest []byte) []byte
	Decode(b []byte) (digest, rest []byte, err error)
	Compare(a, b []byte) int
	// FromBytes digests a complete payload stream.
	FromBytes(r io.Reader) ([]byte, error)
}

// AuthorisationScheme verifies and produces write authorisations. Token
// bytes are opaque to the store; their digest is taken with the payload
// scheme.
type AuthorisationScheme interface {
	IsAuthorisedWrite(e *Entry, token []byte) bool
	Authorise(e *Entry, opts any) ([]byte, error)
}

// FingerprintScheme is the lifting monoid summarising sets of entries.
// Combine is applied in index order and must be associative with Neutral
// as identity.
type FingerprintScheme[F any] interface {
	Lift(e *Entry) F
	Combine(a, b F) F
	Neutral() F
	Encode(f F) []byte
	Decode(b []byte) (F, error)
}

// PathParams bounds the shape of paths admitted by a store.
type PathParams struct {
	MaxComponentCount  int
	MaxComponentLength int
	MaxPathLength      int
}

var errPathShape = errors.New("store: path violates scheme bounds")

// Validate checks a path against the bounds.
func (p PathParams) Validate(path [][]byte) error {
	if len(path) > p.MaxComponentCount {
		return fmt.Errorf("%w: %d components", errPathShape, len(path))
	}
	total := 0
	for _, comp := range path {
		if len(comp) > p.MaxComponentLength {
			return fmt.Errorf("%w: component of %d bytes", errPathShape, len(comp))
		}
		total += len(comp)
	}
	if total > p.MaxPathLength {
		return fmt.Errorf("%w: %d bytes total", errPathShape, total)
	}
	return nil
}

// Schemes bundles every injected scheme of a store.
type Schemes[F any] struct {
	Namespace     NamespaceScheme
	Subspace      SubspaceScheme
	Path          PathParams
	Payload       PayloadScheme
	Authorisation AuthorisationScheme
	Fingerprint   FingerprintScheme[F]
}
