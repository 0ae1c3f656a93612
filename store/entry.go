package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Entry is an authenticated record addressed by (subspace, path, timestamp)
// within a namespace. Identifier and digest fields hold the scheme-specific
// opaque forms.
type Entry struct {
	Namespace       []byte
	Subspace        []byte
	Path            [][]byte
	Timestamp       uint64 // microseconds
	PayloadLength   uint64
	PayloadDigest   []byte
	AuthTokenDigest []byte
}

// Equal reports whether two entries agree on every field except
// AuthTokenDigest, which is not compared.
func (e *Entry) Equal(o *Entry) bool {
	if !bytes.Equal(e.Namespace, o.Namespace) ||
		!bytes.Equal(e.Subspace, o.Subspace) ||
		e.Timestamp != o.Timestamp ||
		e.PayloadLength != o.PayloadLength ||
		!bytes.Equal(e.PayloadDigest, o.PayloadDigest) {
		return false
	}
	if len(e.Path) != len(o.Path) {
		return false
	}
	for i := range e.Path {
		if !bytes.Equal(e.Path[i], o.Path[i]) {
			return false
		}
	}
	return true
}

// NewerThan implements the data model's ordering between two entries at the
// same (namespace, subspace, path): later timestamp wins, then greater
// payload digest, then greater payload length.
func (e *Entry) NewerThan(o *Entry, payload PayloadScheme) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	if c := payload.Compare(e.PayloadDigest, o.PayloadDigest); c != 0 {
		return c > 0
	}
	return e.PayloadLength > o.PayloadLength
}

var errCorruptEntry = errors.New("store: corrupt encoded entry")

// EncodeEntry renders an entry into the on-disk form used by the entry
// table and the write-ahead flag: the scheme encodings of namespace,
// subspace and payload digest, a self-delimited path, and big-endian
// timestamp and length words.
func EncodeEntry[F any](s Schemes[F], e *Entry) []byte {
	var out []byte
	out = append(out, s.Namespace.Encode(e.Namespace)...)
	out = append(out, s.Subspace.Encode(e.Subspace)...)
	out = appendPath(out, e.Path)
	out = binary.BigEndian.AppendUint64(out, e.Timestamp)
	out = binary.BigEndian.AppendUint64(out, e.PayloadLength)
	out = append(out, s.Payload.Encode(e.PayloadDigest)...)
	return out
}

// DecodeEntry parses the encoding produced by EncodeEntry. The entry's
// AuthTokenDigest is not part of this encoding and is left nil.
func DecodeEntry[F any](s Schemes[F], b []byte) (*Entry, error) {
	e := &Entry{}
	var err error
	e.Namespace, b, err = s.Namespace.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: namespace: %v", errCorruptEntry, err)
	}
	e.Subspace, b, err = s.Subspace.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: subspace: %v", errCorruptEntry, err)
	}
	e.Path, b, err = decodePath(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 16 {
		return nil, errCorruptEntry
	}
	e.Timestamp = binary.BigEndian.Uint64(b)
	e.PayloadLength = binary.BigEndian.Uint64(b[8:])
	b = b[16:]
	e.PayloadDigest, b, err = s.Payload.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: payload digest: %v", errCorruptEntry, err)
	}
	if len(b) != 0 {
		return nil, errCorruptEntry
	}
	return e, nil
}

// appendPath writes a path as a varint component count followed by
// varint-length-prefixed components.
func appendPath(out []byte, path [][]byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(path)))
	for _, comp := range path {
		out = binary.AppendUvarint(out, uint64(len(comp)))
		out = append(out, comp...)
	}
	return out
}

func decodePath(b []byte) ([][]byte, []byte, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, errCorruptEntry
	}
	b = b[n:]
	path := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		clen, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b[n:])) < clen {
			return nil, nil, errCorruptEntry
		}
		b = b[n:]
		path = append(path, append([]byte(nil), b[:clen]...))
		b = b[clen:]
	}
	return path, b, nil
}

// ClonePath copies a path and its components.
func ClonePath(path [][]byte) [][]byte {
	out := make([][]byte, len(path))
	for i, comp := range path {
		out[i] = append([]byte(nil), comp...)
	}
	return out
}
