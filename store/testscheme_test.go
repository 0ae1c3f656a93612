package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Test schemes: identifiers are length-prefixed byte strings, digests are
// sha3-256, authorisation tokens are keyed digests over the entry
// encoding, and fingerprints are uint256 sums of entry digests (addition
// wraps mod 2^256, so combination is associative and commutative).

type testIDScheme struct{}

func (testIDScheme) Encode(id []byte) []byte {
	return append([]byte{byte(len(id))}, id...)
}

func (testIDScheme) Decode(b []byte) ([]byte, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.New("testscheme: empty identifier")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return nil, nil, errors.New("testscheme: truncated identifier")
	}
	return append([]byte(nil), b[1:1+n]...), b[1+n:], nil
}

func (testIDScheme) Equal(a, b []byte) bool { return bytes.Equal(a, b) }

// Compare orders identifiers by their encoded form, as the index key
// layout requires: shorter identifiers first, then content.
func (s testIDScheme) Compare(a, b []byte) int {
	return bytes.Compare(s.Encode(a), s.Encode(b))
}

func (testIDScheme) Minimal() []byte { return []byte{} }

// Successor follows Compare's length-first order: the same-length
// identifier one greater, or the all-zero identifier one byte longer when
// id is all 0xFF; a 255-byte all-0xFF identifier is maximal.
func (testIDScheme) Successor(id []byte) ([]byte, bool) {
	next := append([]byte(nil), id...)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xFF {
			next[i]++
			return next, true
		}
		next[i] = 0x00
	}
	if len(id) >= 255 {
		return nil, false
	}
	return make([]byte, len(id)+1), true
}

type testPayloadScheme struct{}

func (testPayloadScheme) Encode(digest []byte) []byte { return append([]byte(nil), digest...) }

func (testPayloadScheme) Decode(b []byte) ([]byte, []byte, error) {
	if len(b) < 32 {
		return nil, nil, errors.New("testscheme: truncated digest")
	}
	return append([]byte(nil), b[:32]...), b[32:], nil
}

func (testPayloadScheme) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (testPayloadScheme) FromBytes(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum := sha3.Sum256(data)
	return sum[:], nil
}

// entryDigestInput renders the fields a token or fingerprint covers.
func entryDigestInput(e *Entry) []byte {
	var out []byte
	out = append(out, byte(len(e.Namespace)))
	out = append(out, e.Namespace...)
	out = append(out, byte(len(e.Subspace)))
	out = append(out, e.Subspace...)
	out = appendPath(out, e.Path)
	out = binary.BigEndian.AppendUint64(out, e.Timestamp)
	out = binary.BigEndian.AppendUint64(out, e.PayloadLength)
	out = append(out, e.PayloadDigest...)
	return out
}

type testAuthScheme struct{}

func tokenFor(e *Entry, secret []byte) []byte {
	h := sha3.New256()
	h.Write(secret)
	h.Write(entryDigestInput(e))
	return h.Sum(nil)
}

// testSecret authorises every write in tests; the scheme only checks that
// the token was produced for this exact entry.
var testSecret = []byte("sigil")

func (testAuthScheme) IsAuthorisedWrite(e *Entry, token []byte) bool {
	return bytes.Equal(token, tokenFor(e, testSecret))
}

func (testAuthScheme) Authorise(e *Entry, opts any) ([]byte, error) {
	secret, _ := opts.([]byte)
	if secret == nil {
		secret = testSecret
	}
	return tokenFor(e, secret), nil
}

type testFingerprintScheme struct{}

func (testFingerprintScheme) Lift(e *Entry) *uint256.Int {
	sum := sha3.Sum256(entryDigestInput(e))
	return new(uint256.Int).SetBytes(sum[:])
}

func (testFingerprintScheme) Combine(a, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(a, b)
}

func (testFingerprintScheme) Neutral() *uint256.Int { return new(uint256.Int) }

func (testFingerprintScheme) Encode(f *uint256.Int) []byte {
	out := f.Bytes32()
	return out[:]
}

func (testFingerprintScheme) Decode(b []byte) (*uint256.Int, error) {
	if len(b) != 32 {
		return nil, errors.New("testscheme: bad fingerprint width")
	}
	return new(uint256.Int).SetBytes(b), nil
}

func testSchemes() Schemes[*uint256.Int] {
	return Schemes[*uint256.Int]{
		Namespace: testIDScheme{},
		Subspace:  testIDScheme{},
		Path: PathParams{
			MaxComponentCount:  8,
			MaxComponentLength: 32,
			MaxPathLength:      128,
		},
		Payload:       testPayloadScheme{},
		Authorisation: testAuthScheme{},
		Fingerprint:   testFingerprintScheme{},
	}
}
