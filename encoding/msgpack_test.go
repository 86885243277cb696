package encoding

import (
	"bytes"
	"math"
	"sync"
	"testing"

	"github.com/replicatord/replicatord/column"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(map[int]interface{}{0x10: id, 0x21: []interface{}{j, "x"}})
				if err != nil {
					t.Errorf("Marshal failed: %v", err)
					return
				}
				var out map[int]interface{}
				if err := Unmarshal(data, &out); err != nil {
					t.Errorf("Unmarshal failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestUnmarshal_LooseTypes(t *testing.T) {
	data, err := Marshal([]interface{}{int8(-3), uint16(500), "name", []byte("raw"), float32(1.5)})
	require.NoError(t, err)

	var out []interface{}
	require.NoError(t, Unmarshal(data, &out))
	require.Len(t, out, 5)
	assert.Equal(t, int64(-3), out[0])
	assert.Equal(t, uint64(500), out[1])
	assert.Equal(t, "name", out[2])
	assert.Equal(t, "raw", out[3], "bin decodes as string")
	assert.Equal(t, float64(1.5), out[4])
}

func TestEncodeRow(t *testing.T) {
	row := column.Row{
		column.Int32(-7),
		column.Uint64(math.MaxUint64),
		column.Float32(2.5),
		column.Decimal(123.45),
		column.Bytes([]byte("widget")),
		column.Null(),
		column.Int24(-8388608),
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, EncodeRow(enc, row))

	var out []interface{}
	require.NoError(t, Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, len(row))
	assert.Equal(t, int64(-7), out[0])
	assert.Equal(t, uint64(math.MaxUint64), out[1])
	assert.Equal(t, float64(2.5), out[2])
	assert.InDelta(t, 123.45, out[3], 1e-9)
	assert.Equal(t, "widget", out[4])
	assert.Nil(t, out[5])
	assert.Equal(t, int64(-8388608), out[6])
}

func TestEncodeValue_StrNotBin(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeValue(msgpack.NewEncoder(&buf), column.Bytes([]byte("ab"))))
	assert.Equal(t, []byte{0xa2, 'a', 'b'}, buf.Bytes())
}

func TestAsUint64AndString(t *testing.T) {
	for _, v := range []interface{}{uint64(154), int64(154), "154", []byte("154"), 154} {
		got, ok := AsUint64(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, uint64(154), got)
	}
	_, ok := AsUint64(int64(-1))
	assert.False(t, ok)
	_, ok = AsUint64("x")
	assert.False(t, ok)

	s, ok := AsString([]byte("mysql-bin.000001"))
	assert.True(t, ok)
	assert.Equal(t, "mysql-bin.000001", s)
	_, ok = AsString(int64(1))
	assert.False(t, ok)
}
