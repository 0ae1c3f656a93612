package kv

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Kind identifies the type of a key part. The declaration order matches the
// codec tag order, so comparing kinds compares type precedence.
type Kind uint8

const (
	KindNil Kind = iota
	KindBytes
	KindString
	KindInt
	KindFloat
	KindBool
)

// Part is one element of a tuple key: nil, a byte string, a text string, an
// arbitrary-precision integer, a double, or a boolean. Parts of different
// kinds order by kind; parts of the same kind order by their natural value
// order.
type Part struct {
	kind Kind
	b    []byte
	s    string
	i    *big.Int
	f    float64
	t    bool
}

// Nil returns the null key part.
func Nil() Part { return Part{kind: KindNil} }

// Bytes returns a byte-string key part. The slice is not copied.
func Bytes(b []byte) Part { return Part{kind: KindBytes, b: b} }

// String returns a text-string key part.
func String(s string) Part { return Part{kind: KindString, s: s} }

// Int returns an integer key part.
func Int(v int64) Part { return Part{kind: KindInt, i: big.NewInt(v)} }

// Uint returns an integer key part from an unsigned value.
func Uint(v uint64) Part { return Part{kind: KindInt, i: new(big.Int).SetUint64(v)} }

// BigInt returns an arbitrary-precision integer key part. The value is not
// copied.
func BigInt(v *big.Int) Part { return Part{kind: KindInt, i: v} }

// Float returns a double-precision float key part.
func Float(v float64) Part { return Part{kind: KindFloat, f: v} }

// Bool returns a boolean key part.
func Bool(v bool) Part { return Part{kind: KindBool, t: v} }

// Kind returns the part's type tag.
func (p Part) Kind() Kind { return p.kind }

// BytesValue returns the byte string held by a KindBytes part.
func (p Part) BytesValue() []byte { return p.b }

// StringValue returns the text held by a KindString part.
func (p Part) StringValue() string { return p.s }

// IntValue returns the integer held by a KindInt part.
func (p Part) IntValue() *big.Int { return p.i }

// FloatValue returns the double held by a KindFloat part.
func (p Part) FloatValue() float64 { return p.f }

// BoolValue returns the boolean held by a KindBool part.
func (p Part) BoolValue() bool { return p.t }

// ComparePart orders two parts: first by kind, then by value.
func ComparePart(a, b Part) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNil:
		return 0
	case KindBytes:
		return bytes.Compare(a.b, b.b)
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindInt:
		return a.i.Cmp(b.i)
	case KindFloat:
		return compareFloat(a.f, b.f)
	case KindBool:
		switch {
		case a.t == b.t:
			return 0
		case !a.t:
			return -1
		default:
			return 1
		}
	}
	return 0
}

// compareFloat orders doubles by sign-adjusted IEEE bits, the order the
// codec's float encoding gives every non-NaN value. NaN with a set sign bit
// sorts below everything and NaN with a clear sign bit above everything;
// the codec instead encodes every NaN as the same positive quiet NaN.
func compareFloat(a, b float64) int {
	ea, eb := floatSortBits(a), floatSortBits(b)
	switch {
	case ea < eb:
		return -1
	case ea > eb:
		return 1
	default:
		return 0
	}
}

func floatSortBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

// Key is a tuple of parts. Keys compare part by part, with a shorter key
// ordering before any longer key it is a prefix of.
type Key []Part

// Compare orders two keys.
func Compare(a, b Key) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := ComparePart(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// HasPrefix reports whether p is a tuple prefix of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if ComparePart(k[i], p[i]) != 0 {
			return false
		}
	}
	return true
}

// Append returns a new key with the given parts appended. The receiver is
// not modified.
func (k Key) Append(parts ...Part) Key {
	out := make(Key, 0, len(k)+len(parts))
	out = append(out, k...)
	return append(out, parts...)
}

// String renders the key for logs and test failures.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range k {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch p.kind {
		case KindNil:
			sb.WriteString("nil")
		case KindBytes:
			fmt.Fprintf(&sb, "0x%x", p.b)
		case KindString:
			fmt.Fprintf(&sb, "%q", p.s)
		case KindInt:
			sb.WriteString(p.i.String())
		case KindFloat:
			fmt.Fprintf(&sb, "%g", p.f)
		case KindBool:
			fmt.Fprintf(&sb, "%t", p.t)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}
