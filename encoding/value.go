package encoding

import (
	"fmt"
	"strconv"

	"github.com/replicatord/replicatord/column"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeValue writes v using its natural msgpack type. Byte strings are
// written as msgpack str, which is what Tarantool string indexes expect.
func EncodeValue(enc *msgpack.Encoder, v column.Value) error {
	switch k := v.Kind(); {
	case k == column.KindNull:
		return enc.EncodeNil()
	case k.IsSigned():
		i, _ := v.Int64()
		return enc.EncodeInt(i)
	case k.IsUnsigned():
		u, _ := v.Uint64()
		return enc.EncodeUint(u)
	case k == column.KindFloat32:
		f, _ := v.Float64()
		return enc.EncodeFloat32(float32(f))
	case k == column.KindFloat64, k == column.KindDecimal:
		f, _ := v.Float64()
		return enc.EncodeFloat64(f)
	case k == column.KindBytes:
		b, _ := v.Bytes()
		return enc.EncodeString(string(b))
	}
	return fmt.Errorf("cannot encode %s value", v.Kind())
}

// EncodeRow writes row as a msgpack array
func EncodeRow(enc *msgpack.Encoder, row column.Row) error {
	if err := enc.EncodeArrayLen(len(row)); err != nil {
		return err
	}
	for i, v := range row {
		if err := EncodeValue(enc, v); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
	}
	return nil
}

// AsUint64 reads a decoded tuple field as an unsigned integer. Numeric
// strings are accepted since older position tuples store text.
func AsUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case int64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case float64:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	case string:
		u, err := strconv.ParseUint(x, 10, 64)
		return u, err == nil
	case []byte:
		u, err := strconv.ParseUint(string(x), 10, 64)
		return u, err == nil
	}
	return 0, false
}

// AsString reads a decoded tuple field as text
func AsString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return "", false
}
