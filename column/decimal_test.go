package column

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimal_Decimal5_2(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeDecimal, Precision: 5, Scale: 2})

	raw, err := c.Append(nil, Decimal(123.45))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x7B, 0x2D}, raw)

	v, n, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	f, ok := v.Float64()
	require.True(t, ok)
	assert.InDelta(t, 123.45, f, 1e-9)
	assert.Equal(t, KindDecimal, v.Kind())
}

// Layout example from the MySQL decimal2bin documentation
func TestDecimal_KnownEncoding(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeDecimal, Precision: 14, Scale: 4})

	v, n, err := c.Decode([]byte{0x81, 0x0D, 0xFB, 0x38, 0xD2, 0x04, 0xD2})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	f, _ := v.Float64()
	assert.InDelta(t, 1234567890.1234, f, 1e-6)

	v, _, err = c.Decode([]byte{0x7E, 0xF2, 0x04, 0xC7, 0x2D, 0xFB, 0x2D})
	require.NoError(t, err)
	f, _ = v.Float64()
	assert.InDelta(t, -1234567890.1234, f, 1e-6)

	raw, err := c.Append(nil, Decimal(-1234567890.1234))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7E, 0xF2, 0x04, 0xC7, 0x2D, 0xFB, 0x2D}, raw)
}

func TestDecimal_LeadingZeroGroups(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeDecimal, Precision: 20, Scale: 10})
	got := roundTrip(t, c, Decimal(0.0000000001))
	f, _ := got.Float64()
	assert.InDelta(t, 0.0000000001, f, 1e-15)

	got = roundTrip(t, c, Decimal(-7.5))
	f, _ = got.Float64()
	assert.InDelta(t, -7.5, f, 1e-12)
}

func TestDecimal_Overflow(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeDecimal, Precision: 5, Scale: 2})
	_, err := c.Append(nil, Decimal(1000))
	assert.Error(t, err)
}

func TestDecimal_ParseText(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeDecimal, Precision: 5, Scale: 2})
	v, err := c.Parse([]byte("-12.30"))
	require.NoError(t, err)
	f, _ := v.Float64()
	assert.InDelta(t, -12.3, f, 1e-9)
	assert.Equal(t, KindDecimal, v.Kind())
}
