// Package tuple defines the typed rows stored in pages and used as index keys,
// together with their binary encoding.
package tuple

import (
	"cmp"
	"fmt"
	"strconv"

	flushmanager "github.com/sushant-115/gojodb-kernel/core/write_engine/flush_manager"
)

// DataType identifies the scalar type of a column.
type DataType uint8

const (
	TypeInvalid DataType = iota
	TypeBoolean
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeVarchar
)

func (t DataType) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeInt8:
		return "TINYINT"
	case TypeInt16:
		return "SMALLINT"
	case TypeInt32:
		return "INTEGER"
	case TypeInt64:
		return "BIGINT"
	case TypeFloat32:
		return "REAL"
	case TypeFloat64:
		return "DOUBLE"
	case TypeVarchar:
		return "VARCHAR"
	default:
		return "INVALID"
	}
}

// FixedSize returns the encoded width of a non-null value, or 0 for Varchar.
func (t DataType) FixedSize() int {
	switch t {
	case TypeBoolean, TypeInt8:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

func (t DataType) isInteger() bool {
	return t == TypeInt8 || t == TypeInt16 || t == TypeInt32 || t == TypeInt64
}

func (t DataType) isFloat() bool {
	return t == TypeFloat32 || t == TypeFloat64
}

// Value is a single nullable scalar. Integers of every width are held in
// Int and floats in Float; Type records the declared width.
type Value struct {
	Type  DataType
	Null  bool
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

func NewBoolean(b bool) Value    { return Value{Type: TypeBoolean, Bool: b} }
func NewInt8(v int8) Value       { return Value{Type: TypeInt8, Int: int64(v)} }
func NewInt16(v int16) Value     { return Value{Type: TypeInt16, Int: int64(v)} }
func NewInt32(v int32) Value     { return Value{Type: TypeInt32, Int: int64(v)} }
func NewInt64(v int64) Value     { return Value{Type: TypeInt64, Int: v} }
func NewFloat32(v float32) Value { return Value{Type: TypeFloat32, Float: float64(v)} }
func NewFloat64(v float64) Value { return Value{Type: TypeFloat64, Float: v} }
func NewVarchar(s string) Value  { return Value{Type: TypeVarchar, Str: s} }
func NewNull(t DataType) Value   { return Value{Type: t, Null: true} }

// Compare orders v against other. Nulls sort before every non-null value of the
// same type. Values of different types cannot be compared.
func (v Value) Compare(other Value) (int, error) {
	if v.Type != other.Type {
		return 0, fmt.Errorf("%w: cannot compare %s with %s", flushmanager.ErrSchemaMismatch, v.Type, other.Type)
	}
	switch {
	case v.Null && other.Null:
		return 0, nil
	case v.Null:
		return -1, nil
	case other.Null:
		return 1, nil
	}
	switch {
	case v.Type == TypeBoolean:
		return compareBool(v.Bool, other.Bool), nil
	case v.Type.isInteger():
		return cmp.Compare(v.Int, other.Int), nil
	case v.Type.isFloat():
		return cmp.Compare(v.canonical().Float, other.canonical().Float), nil
	case v.Type == TypeVarchar:
		return cmp.Compare(v.Str, other.Str), nil
	default:
		return 0, fmt.Errorf("%w: cannot compare values of type %s", flushmanager.ErrSchemaMismatch, v.Type)
	}
}

// canonical rounds a Float32 to the value its 4-byte encoding holds.
func (v Value) canonical() Value {
	if v.Type == TypeFloat32 && !v.Null {
		v.Float = float64(float32(v.Float))
	}
	return v
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	switch {
	case v.Type == TypeBoolean:
		return strconv.FormatBool(v.Bool)
	case v.Type.isInteger():
		return strconv.FormatInt(v.Int, 10)
	case v.Type == TypeFloat32:
		return strconv.FormatFloat(v.Float, 'g', -1, 32)
	case v.Type == TypeFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case v.Type == TypeVarchar:
		return strconv.Quote(v.Str)
	default:
		return "<invalid>"
	}
}

// inRange reports whether an integer value fits its declared width.
func (v Value) inRange() bool {
	switch v.Type {
	case TypeInt8:
		return v.Int >= -1<<7 && v.Int < 1<<7
	case TypeInt16:
		return v.Int >= -1<<15 && v.Int < 1<<15
	case TypeInt32:
		return v.Int >= -1<<31 && v.Int < 1<<31
	default:
		return true
	}
}
