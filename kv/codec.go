package kv

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// Type tags of the tuple codec. Tags partition the encoded space so that
// byte comparison of encoded keys equals the logical tuple order. The
// integer tags follow the length-prefixed scheme below: 0x14 encodes zero,
// 0x15..0x1C encode positive magnitudes of 1..8 bytes, 0x1D positive
// magnitudes with an explicit length byte, and 0x0B..0x13 mirror that for
// negative values with ones-complement magnitudes.
const (
	tagNil       = 0x00
	tagBytes     = 0x01
	tagString    = 0x02
	tagNegBig    = 0x0B
	tagIntZero   = 0x14
	tagPosBig    = 0x1D
	tagFloat     = 0x21
	tagFalse     = 0x26
	tagTrue      = 0x27
	escapedZero  = 0xFF
	maxMagnitude = 255 // magnitudes above 8 bytes carry a one-byte length
)

var (
	// ErrKeyTooLarge is returned when an integer part's magnitude exceeds
	// the codec's 255-byte length prefix.
	ErrKeyTooLarge = errors.New("kv: integer key part too large")
	// ErrCorruptKey is returned when decoding malformed key bytes.
	ErrCorruptKey = errors.New("kv: corrupt encoded key")
)

// EncodeKey encodes a tuple key into a byte sequence whose lexicographic
// order equals the logical key order.
func EncodeKey(k Key) ([]byte, error) {
	var out []byte
	for _, p := range k {
		var err error
		out, err = appendPart(out, p)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeKey decodes a byte sequence produced by EncodeKey.
func DecodeKey(b []byte) (Key, error) {
	var k Key
	for len(b) > 0 {
		p, rest, err := decodePart(b)
		if err != nil {
			return nil, err
		}
		k = append(k, p)
		b = rest
	}
	return k, nil
}

func appendPart(out []byte, p Part) ([]byte, error) {
	switch p.kind {
	case KindNil:
		return append(out, tagNil), nil
	case KindBytes:
		return appendEscaped(append(out, tagBytes), p.b), nil
	case KindString:
		return appendEscaped(append(out, tagString), []byte(p.s)), nil
	case KindInt:
		return appendInt(out, p.i)
	case KindFloat:
		bits := math.Float64bits(p.f)
		if math.IsNaN(p.f) {
			bits = 0x7FF8000000000000 // canonical quiet NaN, deterministic
		}
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		out = append(out, tagFloat)
		for shift := 56; shift >= 0; shift -= 8 {
			out = append(out, byte(bits>>shift))
		}
		return out, nil
	case KindBool:
		if p.t {
			return append(out, tagTrue), nil
		}
		return append(out, tagFalse), nil
	}
	return nil, fmt.Errorf("kv: unknown key part kind %d", p.kind)
}

// appendEscaped writes raw bytes with every 0x00 escaped as 0x00 0xFF,
// terminated by a bare 0x00. The escape byte sorts above every continuation
// tag, so a key that extends another sorts after it.
func appendEscaped(out, b []byte) []byte {
	for _, c := range b {
		out = append(out, c)
		if c == 0x00 {
			out = append(out, escapedZero)
		}
	}
	return append(out, 0x00)
}

func appendInt(out []byte, v *big.Int) ([]byte, error) {
	sign := v.Sign()
	if sign == 0 {
		return append(out, tagIntZero), nil
	}
	mag := v.Bytes() // big-endian absolute magnitude, no leading zeros
	n := len(mag)
	if n > maxMagnitude {
		return nil, ErrKeyTooLarge
	}
	if sign > 0 {
		if n <= 8 {
			out = append(out, byte(tagIntZero+n))
		} else {
			out = append(out, tagPosBig, byte(n))
		}
		return append(out, mag...), nil
	}
	// Negative: ones-complement magnitude so larger magnitudes sort first,
	// and a complemented length byte for the arbitrary-width case.
	if n <= 8 {
		out = append(out, byte(tagIntZero-n))
	} else {
		out = append(out, tagNegBig, byte(maxMagnitude-n))
	}
	for _, c := range mag {
		out = append(out, ^c)
	}
	return out, nil
}

func decodePart(b []byte) (Part, []byte, error) {
	if len(b) == 0 {
		return Part{}, nil, ErrCorruptKey
	}
	tag := b[0]
	b = b[1:]
	switch {
	case tag == tagNil:
		return Nil(), b, nil
	case tag == tagBytes:
		raw, rest, err := decodeEscaped(b)
		if err != nil {
			return Part{}, nil, err
		}
		return Bytes(raw), rest, nil
	case tag == tagString:
		raw, rest, err := decodeEscaped(b)
		if err != nil {
			return Part{}, nil, err
		}
		return String(string(raw)), rest, nil
	case tag == tagIntZero:
		return Int(0), b, nil
	case tag > tagIntZero && tag <= tagIntZero+8:
		return decodeIntMag(b, int(tag-tagIntZero), false)
	case tag == tagPosBig:
		if len(b) < 1 {
			return Part{}, nil, ErrCorruptKey
		}
		return decodeIntMag(b[1:], int(b[0]), false)
	case tag >= tagIntZero-8 && tag < tagIntZero:
		return decodeIntMag(b, int(tagIntZero-tag), true)
	case tag == tagNegBig:
		if len(b) < 1 {
			return Part{}, nil, ErrCorruptKey
		}
		return decodeIntMag(b[1:], maxMagnitude-int(b[0]), true)
	case tag == tagFloat:
		if len(b) < 8 {
			return Part{}, nil, ErrCorruptKey
		}
		var bits uint64
		for i := 0; i < 8; i++ {
			bits = bits<<8 | uint64(b[i])
		}
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return Float(math.Float64frombits(bits)), b[8:], nil
	case tag == tagFalse:
		return Bool(false), b, nil
	case tag == tagTrue:
		return Bool(true), b, nil
	}
	return Part{}, nil, fmt.Errorf("%w: tag 0x%02x", ErrCorruptKey, tag)
}

func decodeEscaped(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != 0x00 {
			out = append(out, c)
			continue
		}
		if i+1 < len(b) && b[i+1] == escapedZero {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, ErrCorruptKey
}

func decodeIntMag(b []byte, n int, neg bool) (Part, []byte, error) {
	if n <= 0 || len(b) < n {
		return Part{}, nil, ErrCorruptKey
	}
	mag := make([]byte, n)
	if neg {
		for i := 0; i < n; i++ {
			mag[i] = ^b[i]
		}
	} else {
		copy(mag, b[:n])
	}
	v := new(big.Int).SetBytes(mag)
	if neg {
		v.Neg(v)
	}
	return BigInt(v), b[n:], nil
}
