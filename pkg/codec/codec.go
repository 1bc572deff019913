// ABOUTME: Order-preserving tuple encoding for composite keys and record bodies
// ABOUTME: Each value carries a type tag so decoding needs no schema

package codec

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

// Type tags. Tags are below 0xFF so a trailing 0xFF sorts after every
// key that shares a prefix.
const (
	TypeBytes  = 1
	TypeInt64  = 2
	TypeUint64 = 3
	TypeTime   = 4 // int64 UnixNano
)

// ErrMalformed wraps every decoding failure
var ErrMalformed = errors.New("codec: malformed data")

// Value is a single element of a tuple
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

func Bytes(data []byte) Value  { return Value{Type: TypeBytes, Str: data} }
func String(s string) Value    { return Value{Type: TypeBytes, Str: []byte(s)} }
func Int64(i int64) Value      { return Value{Type: TypeInt64, I64: i} }
func Uint64(u uint64) Value    { return Value{Type: TypeUint64, U64: u} }
func Time(t time.Time) Value   { return Value{Type: TypeTime, Time: t} }
func (v Value) String() string { return string(v.Str) }
func (v Value) Int() int       { return int(v.I64) }

// Encode appends vals in order-preserving form
func Encode(vals ...Value) ([]byte, error) {
	out := make([]byte, 0, 64)
	for _, v := range vals {
		out = append(out, v.Type)
		var buf [8]byte
		switch v.Type {
		case TypeInt64:
			binary.BigEndian.PutUint64(buf[:], uint64(v.I64)+(1<<63))
			out = append(out, buf[:]...)
		case TypeUint64:
			binary.BigEndian.PutUint64(buf[:], v.U64)
			out = append(out, buf[:]...)
		case TypeTime:
			binary.BigEndian.PutUint64(buf[:], uint64(v.Time.UnixNano())+(1<<63))
			out = append(out, buf[:]...)
		case TypeBytes:
			out = appendEscaped(out, v.Str)
			out = append(out, 0)
		default:
			return nil, errors.Newf("codec: unknown type %d", v.Type)
		}
	}
	return out, nil
}

// MustEncode is Encode for values built with the constructors above
func MustEncode(vals ...Value) []byte {
	out, err := Encode(vals...)
	if err != nil {
		panic(err)
	}
	return out
}

// appendEscaped writes s with 0x00 as 0x01 0x01 and 0x01 as 0x01 0x02,
// leaving 0x00 free as the terminator without disturbing byte order.
func appendEscaped(out, s []byte) []byte {
	for _, b := range s {
		switch b {
		case 0x00:
			out = append(out, 0x01, 0x01)
		case 0x01:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Decode reverses Encode
func Decode(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0
	for pos < len(data) {
		typ := data[pos]
		pos++

		switch typ {
		case TypeInt64, TypeUint64, TypeTime:
			if pos+8 > len(data) {
				return nil, errors.Wrapf(ErrMalformed, "incomplete fixed-width value at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			pos += 8
			switch typ {
			case TypeInt64:
				vals = append(vals, Int64(int64(u-(1<<63))))
			case TypeUint64:
				vals = append(vals, Uint64(u))
			default:
				vals = append(vals, Time(time.Unix(0, int64(u-(1<<63))).UTC()))
			}

		case TypeBytes:
			var str []byte
			terminated := false
			for pos < len(data) {
				b := data[pos]
				pos++
				if b == 0 {
					terminated = true
					break
				}
				if b == 0x01 {
					if pos >= len(data) {
						return nil, errors.Wrapf(ErrMalformed, "dangling escape at %d", pos)
					}
					switch data[pos] {
					case 0x01:
						b = 0x00
					case 0x02:
						b = 0x01
					default:
						return nil, errors.Wrapf(ErrMalformed, "bad escape 0x%02x at %d", data[pos], pos)
					}
					pos++
				}
				str = append(str, b)
			}
			if !terminated {
				return nil, errors.Wrapf(ErrMalformed, "unterminated string at %d", pos)
			}
			if str == nil {
				str = []byte{}
			}
			vals = append(vals, Bytes(str))

		default:
			return nil, errors.Wrapf(ErrMalformed, "unknown type %d at %d", typ, pos-1)
		}
	}
	return vals, nil
}

// Key encodes a composite key under a 4-byte table prefix
func Key(prefix uint32, vals ...Value) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], prefix)
	return append(buf[:], MustEncode(vals...)...)
}

// PrefixEnd returns the smallest key greater than every key that starts
// with Key(prefix, vals...)
func PrefixEnd(prefix uint32, vals ...Value) []byte {
	return append(Key(prefix, vals...), 0xFF)
}

// HasPrefix reports whether key lies within Key(prefix, vals...)
func HasPrefix(key []byte, prefix uint32, vals ...Value) bool {
	return bytes.HasPrefix(key, Key(prefix, vals...))
}

// SplitKey returns the table prefix and decoded values of key
func SplitKey(key []byte) (uint32, []Value, error) {
	if len(key) < 4 {
		return 0, nil, errors.Wrap(ErrMalformed, "key too short")
	}
	vals, err := Decode(key[4:])
	if err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(key[:4]), vals, nil
}
