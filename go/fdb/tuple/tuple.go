// Package tuple implements an order-preserving encoding of typed tuples,
// modeled on the FoundationDB tuple layer but with its own type tags: the
// packed byte string of a tuple compares, under plain memcmp, in the same
// order as the tuple itself compares lexicographically, element by element.
// Across types, nil < false < true < nested < integers < floats < strings
// < bytes.
package tuple

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Tuple is an ordered sequence of typed elements. Supported element types
// are nil, bool, all built-in integer types, float32/float64, string,
// []byte, and Tuple (nested).
type Tuple []interface{}

const (
	typeNil    byte = 0x00
	typeFalse  byte = 0x01
	typeTrue   byte = 0x02
	typeNested byte = 0x03
	typeIntZero byte = 0x14 // integers occupy 0x0c..0x1c, centered on zero
	typeFloat  byte = 0x20
	typeString byte = 0x30
	typeBytes  byte = 0x31
)

// Pack encodes the Tuple into its order-preserving byte representation.
func Pack(t Tuple) []byte {
	var buf bytes.Buffer
	for _, elem := range t {
		packInto(&buf, elem)
	}
	return buf.Bytes()
}

func packInto(buf *bytes.Buffer, elem interface{}) {
	switch v := elem.(type) {
	case nil:
		buf.WriteByte(typeNil)
	case bool:
		if v {
			buf.WriteByte(typeTrue)
		} else {
			buf.WriteByte(typeFalse)
		}
	case []byte:
		buf.WriteByte(typeBytes)
		escapeBytes(buf, v)
	case string:
		buf.WriteByte(typeString)
		escapeBytes(buf, []byte(v))
	case Tuple:
		buf.WriteByte(typeNested)
		for _, nested := range v {
			if nested == nil {
				// A nil element's own tag is 0x00, the same byte used to
				// terminate this nested tuple. Escape it exactly as
				// escapeBytes escapes a literal 0x00 inside a string, so
				// the terminator scan in unpackOne can tell them apart.
				buf.WriteByte(typeNil)
				buf.WriteByte(0xff)
			} else {
				packInto(buf, nested)
			}
		}
		buf.WriteByte(0x00)
	case float32:
		packFloat(buf, float64(v), 4)
	case float64:
		packFloat(buf, v, 8)
	case int, int8, int16, int32, int64:
		packInt(buf, toInt64(v))
	case uint, uint8, uint16, uint32, uint64:
		packInt(buf, toInt64FromUint(v))
	default:
		panic(fmt.Sprintf("tuple: unsupported element type %T", elem))
	}
}

// escapeBytes writes a 0x00-escaped byte string terminated by 0x00: every
// literal 0x00 byte in the payload is written as 0x00 0xff, and the whole
// string is closed with a single 0x00. This keeps shorter strings ordered
// before longer strings that share a prefix, since the terminator sorts
// before any continuation byte.
func escapeBytes(buf *bytes.Buffer, b []byte) {
	for _, c := range b {
		if c == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xff)
		} else {
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(0x00)
}

func unescapeBytes(b []byte) (out []byte, rest []byte, err error) {
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		// 0x00 either terminates the string, or escapes a literal 0x00
		// when followed by 0xff.
		if i+1 < len(b) && b[i+1] == 0xff {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("tuple: unterminated byte string")
}

// packInt encodes a signed integer using a variable-length, sign-flipped
// big-endian representation: the type byte itself carries the magnitude's
// byte length relative to typeIntZero (0x14), so that larger-magnitude
// positive integers sort after smaller ones, and negative integers (whose
// bytes are bit-inverted) sort before positive ones while preserving their
// own relative order.
func packInt(buf *bytes.Buffer, v int64) {
	if v == 0 {
		buf.WriteByte(typeIntZero)
		return
	}
	var neg = v < 0
	var mag uint64
	if neg {
		mag = uint64(-v)
	} else {
		mag = uint64(v)
	}
	var n = byteLen(mag)
	var b = make([]byte, n)
	var tmp = mag
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(tmp)
		tmp >>= 8
	}
	if neg {
		for i := range b {
			b[i] = ^b[i]
		}
		buf.WriteByte(typeIntZero - byte(n))
	} else {
		buf.WriteByte(typeIntZero + byte(n))
	}
	buf.Write(b)
}

func byteLen(v uint64) int {
	var n = 0
	for v > 0 {
		n++
		v >>= 8
	}
	if n == 0 {
		n = 1
	}
	return n
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	}
	panic("unreachable")
}

func toInt64FromUint(v interface{}) int64 {
	switch x := v.(type) {
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	}
	panic("unreachable")
}

// packFloat encodes an IEEE-754 float so that bytewise comparison of the
// encoded form matches numeric order: for positive floats, the sign bit is
// set; for negative floats, every bit is inverted. This is the standard
// "flip sign bit, or invert all bits if negative" trick applied to the
// big-endian IEEE-754 bit pattern.
func packFloat(buf *bytes.Buffer, v float64, width int) {
	buf.WriteByte(typeFloat + byte(width))
	if width == 4 {
		var bits = math.Float32bits(float32(v))
		if bits&0x80000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x80000000
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], bits)
		buf.Write(b[:])
	} else {
		var bits = math.Float64bits(v)
		if bits&0x8000000000000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x8000000000000000
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		buf.Write(b[:])
	}
}

// Unpack decodes a packed byte string back into its Tuple, the inverse of
// Pack. It returns an error if the bytes are malformed.
func Unpack(b []byte) (Tuple, error) {
	var out Tuple
	for len(b) > 0 {
		elem, rest, err := unpackOne(b)
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
		b = rest
	}
	return out, nil
}

func unpackOne(b []byte) (elem interface{}, rest []byte, err error) {
	var tag = b[0]
	b = b[1:]
	switch {
	case tag == typeNil:
		return nil, b, nil
	case tag == typeFalse:
		return false, b, nil
	case tag == typeTrue:
		return true, b, nil
	case tag == typeBytes:
		var raw, r, err = unescapeBytes(b)
		if err != nil {
			return nil, nil, err
		}
		return raw, r, nil
	case tag == typeString:
		var raw, r, err = unescapeBytes(b)
		if err != nil {
			return nil, nil, err
		}
		return string(raw), r, nil
	case tag == typeNested:
		var nested Tuple
		for {
			if len(b) == 0 {
				return nil, nil, fmt.Errorf("tuple: unterminated nested tuple")
			}
			if b[0] == 0x00 {
				// An escaped nil (0x00 0xff) is a nested element; a bare
				// 0x00 is the terminator. See the escape comment in
				// packInto's Tuple case.
				if len(b) > 1 && b[1] == 0xff {
					nested = append(nested, nil)
					b = b[2:]
					continue
				}
				b = b[1:]
				break
			}
			var e, r, err = unpackOne(b)
			if err != nil {
				return nil, nil, err
			}
			nested = append(nested, e)
			b = r
		}
		return nested, b, nil
	case tag == typeFloat+4 && len(b) >= 4:
		var bits = binary.BigEndian.Uint32(b[:4])
		if bits&0x80000000 != 0 {
			bits &^= 0x80000000
		} else {
			bits = ^bits
		}
		return float64(math.Float32frombits(bits)), b[4:], nil
	case tag == typeFloat+8 && len(b) >= 8:
		var bits = binary.BigEndian.Uint64(b[:8])
		if bits&0x8000000000000000 != 0 {
			bits &^= 0x8000000000000000
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), b[8:], nil
	case tag == typeIntZero:
		return int64(0), b, nil
	case tag > typeIntZero && tag <= typeIntZero+8 && len(b) >= int(tag-typeIntZero):
		var n = int(tag - typeIntZero)
		var v uint64
		for i := 0; i < n; i++ {
			v = v<<8 | uint64(b[i])
		}
		return int64(v), b[n:], nil
	case tag < typeIntZero && tag >= typeIntZero-8 && len(b) >= int(typeIntZero-tag):
		var n = int(typeIntZero - tag)
		var v uint64
		for i := 0; i < n; i++ {
			v = v<<8 | uint64(^b[i])
		}
		return -int64(v), b[n:], nil
	}
	return nil, nil, fmt.Errorf("tuple: unrecognized type tag 0x%02x or truncated payload", tag)
}

// ToInterface returns the Tuple's elements as a plain []interface{},
// suitable for passing as driver parameters to a database/sql statement.
func (t Tuple) ToInterface() []interface{} {
	var out = make([]interface{}, len(t))
	copy(out, t)
	return out
}
