package tuple

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
)

// Tuple is an ordered row of values.
type Tuple struct {
	Values []Value
}

func New(values ...Value) Tuple {
	return Tuple{Values: values}
}

// Empty returns the all-null tuple for schema. Internal index pages store it
// in their sentinel slot.
func Empty(schema *Schema) Tuple {
	values := make([]Value, len(schema.Columns))
	for i, c := range schema.Columns {
		values[i] = NewNull(c.Type)
	}
	return Tuple{Values: values}
}

// Canonical returns t with every value in the form Decode would produce, so
// an in-memory key and its stored copy are identical.
func (t Tuple) Canonical() Tuple {
	values := make([]Value, len(t.Values))
	for i, v := range t.Values {
		values[i] = v.canonical()
	}
	return Tuple{Values: values}
}

// Compare orders tuples lexicographically by value. A shorter tuple that is
// a prefix of a longer one sorts first.
func Compare(a, b Tuple) (int, error) {
	n := min(len(a.Values), len(b.Values))
	for i := 0; i < n; i++ {
		c, err := a.Values[i].Compare(b.Values[i])
		if err != nil {
			return 0, fmt.Errorf("column %d: %w", i, err)
		}
		if c != 0 {
			return c, nil
		}
	}
	switch {
	case len(a.Values) < len(b.Values):
		return -1, nil
	case len(a.Values) > len(b.Values):
		return 1, nil
	}
	return 0, nil
}

// Order is Compare made total: values of different types sort by type tag.
// It never fails, so it is used on keys already validated against a schema.
func Order(a, b Tuple) int {
	n := min(len(a.Values), len(b.Values))
	for i := 0; i < n; i++ {
		va, vb := a.Values[i], b.Values[i]
		if va.Type != vb.Type {
			return cmp.Compare(va.Type, vb.Type)
		}
		if c, _ := va.Compare(vb); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.Values), len(b.Values))
}

func (t Tuple) String() string {
	parts := make([]string, len(t.Values))
	for i, v := range t.Values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// --- Binary encoding ---
//
// [null bitmap: ceil(n/8) bytes] then each non-null value in column order.
// Fixed-width values are little-endian, booleans are one byte and varchars
// are [len:4][bytes].

func bitmapSize(n int) int { return (n + 7) / 8 }

// EncodedSize returns the number of bytes Encode produces for t.
func EncodedSize(t Tuple) int {
	size := bitmapSize(len(t.Values))
	for _, v := range t.Values {
		if v.Null {
			continue
		}
		if v.Type == TypeVarchar {
			size += 4 + len(v.Str)
			continue
		}
		size += v.Type.FixedSize()
	}
	return size
}

// Encode serializes t.
func Encode(t Tuple) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedSize(t)), t)
}

// AppendEncode appends the encoding of t to dst.
func AppendEncode(dst []byte, t Tuple) ([]byte, error) {
	bitmapAt := len(dst)
	dst = append(dst, make([]byte, bitmapSize(len(t.Values)))...)
	for i, v := range t.Values {
		if v.Null {
			dst[bitmapAt+i/8] |= 1 << (i % 8)
			continue
		}
		switch v.Type {
		case TypeBoolean:
			var b byte
			if v.Bool {
				b = 1
			}
			dst = append(dst, b)
		case TypeInt8:
			dst = append(dst, byte(int8(v.Int)))
		case TypeInt16:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v.Int)))
		case TypeInt32:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(v.Int)))
		case TypeInt64:
			dst = binary.LittleEndian.AppendUint64(dst, uint64(v.Int))
		case TypeFloat32:
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.Float)))
		case TypeFloat64:
			dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.Float))
		case TypeVarchar:
			if uint64(len(v.Str)) > math.MaxUint32 {
				return nil, fmt.Errorf("%w: varchar of %d bytes", flushmanager.ErrSerialization, len(v.Str))
			}
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Str)))
			dst = append(dst, v.Str...)
		default:
			return nil, fmt.Errorf("%w: value %d has invalid type %d", flushmanager.ErrSerialization, i, v.Type)
		}
	}
	return dst, nil
}

// Decode reads one tuple of schema from the front of b and returns it with
// the number of bytes consumed.
func Decode(b []byte, schema *Schema) (Tuple, int, error) {
	n := len(schema.Columns)
	off := bitmapSize(n)
	if len(b) < off {
		return Tuple{}, 0, fmt.Errorf("%w: truncated null bitmap", flushmanager.ErrDeserialization)
	}
	bitmap := b[:off]
	values := make([]Value, n)
	for i, c := range schema.Columns {
		if bitmap[i/8]&(1<<(i%8)) != 0 {
			values[i] = NewNull(c.Type)
			continue
		}
		if c.Type == TypeVarchar {
			if len(b) < off+4 {
				return Tuple{}, 0, fmt.Errorf("%w: truncated varchar length in column %d", flushmanager.ErrDeserialization, i)
			}
			l := int(binary.LittleEndian.Uint32(b[off:]))
			off += 4
			if l < 0 || len(b)-off < l {
				return Tuple{}, 0, fmt.Errorf("%w: varchar of %d bytes overruns buffer in column %d", flushmanager.ErrDeserialization, l, i)
			}
			values[i] = NewVarchar(string(b[off : off+l]))
			off += l
			continue
		}
		w := c.Type.FixedSize()
		if w == 0 {
			return Tuple{}, 0, fmt.Errorf("%w: column %d has invalid type %d", flushmanager.ErrDeserialization, i, c.Type)
		}
		if len(b) < off+w {
			return Tuple{}, 0, fmt.Errorf("%w: truncated %s in column %d", flushmanager.ErrDeserialization, c.Type, i)
		}
		raw := b[off : off+w]
		off += w
		switch c.Type {
		case TypeBoolean:
			values[i] = NewBoolean(raw[0] != 0)
		case TypeInt8:
			values[i] = NewInt8(int8(raw[0]))
		case TypeInt16:
			values[i] = NewInt16(int16(binary.LittleEndian.Uint16(raw)))
		case TypeInt32:
			values[i] = NewInt32(int32(binary.LittleEndian.Uint32(raw)))
		case TypeInt64:
			values[i] = NewInt64(int64(binary.LittleEndian.Uint64(raw)))
		case TypeFloat32:
			values[i] = NewFloat32(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
		case TypeFloat64:
			values[i] = NewFloat64(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		}
	}
	return Tuple{Values: values}, off, nil
}
