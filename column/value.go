// Package column decodes MySQL row-image columns into typed values.
//
// A Value is a closed tagged union. Its Kind fully determines how the value
// is re-encoded by a sink; no source type metadata travels with it.
package column

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt24
	KindUint24
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindDecimal
	KindBytes
)

var kindNames = [...]string{
	KindNull:    "null",
	KindInt8:    "int8",
	KindUint8:   "uint8",
	KindInt16:   "int16",
	KindUint16:  "uint16",
	KindInt24:   "int24",
	KindUint24:  "uint24",
	KindInt32:   "int32",
	KindUint32:  "uint32",
	KindInt64:   "int64",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindDecimal: "decimal",
	KindBytes:   "bytes",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsSigned reports whether k is a signed integer kind
func (k Kind) IsSigned() bool {
	switch k {
	case KindInt8, KindInt16, KindInt24, KindInt32, KindInt64:
		return true
	}
	return false
}

// IsUnsigned reports whether k is an unsigned integer kind
func (k Kind) IsUnsigned() bool {
	switch k {
	case KindUint8, KindUint16, KindUint24, KindUint32, KindUint64:
		return true
	}
	return false
}

// Size returns the width in bytes of integer and float kinds, 0 otherwise
func (k Kind) Size() int {
	switch k {
	case KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt24, KindUint24:
		return 3
	case KindInt32, KindUint32, KindFloat32:
		return 4
	case KindInt64, KindUint64, KindFloat64, KindDecimal:
		return 8
	}
	return 0
}

// Value is a single decoded column
type Value struct {
	kind Kind
	num  uint64
	b    []byte
}

// Row is an ordered sequence of values
type Row []Value

func Null() Value { return Value{} }

func Int8(v int8) Value   { return Value{kind: KindInt8, num: uint64(int64(v))} }
func Int16(v int16) Value { return Value{kind: KindInt16, num: uint64(int64(v))} }
func Int32(v int32) Value { return Value{kind: KindInt32, num: uint64(int64(v))} }
func Int64(v int64) Value { return Value{kind: KindInt64, num: uint64(v)} }

// Int24 keeps the low 24 bits of v, sign extended
func Int24(v int32) Value {
	v = (v << 8) >> 8
	return Value{kind: KindInt24, num: uint64(int64(v))}
}

func Uint8(v uint8) Value   { return Value{kind: KindUint8, num: uint64(v)} }
func Uint16(v uint16) Value { return Value{kind: KindUint16, num: uint64(v)} }
func Uint32(v uint32) Value { return Value{kind: KindUint32, num: uint64(v)} }
func Uint64(v uint64) Value { return Value{kind: KindUint64, num: v} }

// Uint24 keeps the low 24 bits of v
func Uint24(v uint32) Value { return Value{kind: KindUint24, num: uint64(v & 0xFFFFFF)} }

func Float32(v float32) Value { return Value{kind: KindFloat32, num: uint64(math.Float32bits(v))} }
func Float64(v float64) Value { return Value{kind: KindFloat64, num: math.Float64bits(v)} }
func Decimal(v float64) Value { return Value{kind: KindDecimal, num: math.Float64bits(v)} }

// Bytes wraps b without copying
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBytes, b: b}
}

// uintOfWidth tags v with the unsigned kind able to hold width bytes
func uintOfWidth(width int, v uint64) Value {
	switch {
	case width <= 1:
		return Uint8(uint8(v))
	case width == 2:
		return Uint16(uint16(v))
	case width == 3:
		return Uint24(uint32(v))
	case width == 4:
		return Uint32(uint32(v))
	default:
		return Uint64(v)
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int64 returns integer kinds as int64. Unsigned values above MaxInt64 fail.
func (v Value) Int64() (int64, bool) {
	switch {
	case v.kind.IsSigned():
		return int64(v.num), true
	case v.kind.IsUnsigned():
		if v.num > math.MaxInt64 {
			return 0, false
		}
		return int64(v.num), true
	}
	return 0, false
}

// Uint64 returns unsigned kinds, and non-negative signed kinds, as uint64
func (v Value) Uint64() (uint64, bool) {
	switch {
	case v.kind.IsUnsigned():
		return v.num, true
	case v.kind.IsSigned():
		if int64(v.num) < 0 {
			return 0, false
		}
		return v.num, true
	}
	return 0, false
}

// Float64 returns float and decimal kinds
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindFloat32:
		return float64(math.Float32frombits(uint32(v.num))), true
	case KindFloat64, KindDecimal:
		return math.Float64frombits(v.num), true
	}
	return 0, false
}

func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.b, true
}

// Interface returns the natural Go representation: nil, int64, uint64,
// float32, float64 or []byte.
func (v Value) Interface() any {
	switch {
	case v.kind == KindNull:
		return nil
	case v.kind.IsSigned():
		return int64(v.num)
	case v.kind.IsUnsigned():
		return v.num
	case v.kind == KindFloat32:
		return math.Float32frombits(uint32(v.num))
	case v.kind == KindFloat64, v.kind == KindDecimal:
		return math.Float64frombits(v.num)
	default:
		return v.b
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindBytes {
		return bytes.Equal(v.b, o.b)
	}
	return v.num == o.num
}

func (v Value) String() string {
	switch {
	case v.kind == KindNull:
		return "NULL"
	case v.kind.IsSigned():
		return strconv.FormatInt(int64(v.num), 10)
	case v.kind.IsUnsigned():
		return strconv.FormatUint(v.num, 10)
	case v.kind == KindFloat32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.num))), 'g', -1, 32)
	case v.kind == KindFloat64, v.kind == KindDecimal:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case v.kind == KindBytes:
		return strconv.Quote(string(v.b))
	}
	return fmt.Sprintf("<%s>", v.kind)
}
