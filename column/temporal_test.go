package column

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsedUint(t *testing.T, meta Meta, text string) (uint64, Kind) {
	t.Helper()
	c := mustCodec(t, meta)
	v, err := c.Parse([]byte(text))
	require.NoError(t, err)
	u, ok := v.Uint64()
	require.True(t, ok, "kind %v", v.Kind())
	return u, v.Kind()
}

func TestParse_LegacyTemporal(t *testing.T) {
	u, kind := parsedUint(t, Meta{Type: TypeDate}, "2024-03-15")
	assert.Equal(t, uint64(15|3<<5|2024<<9), u)
	assert.Equal(t, KindUint24, kind)

	u, kind = parsedUint(t, Meta{Type: TypeDateTime}, "2024-03-15 10:20:30")
	assert.Equal(t, uint64(20240315102030), u)
	assert.Equal(t, KindUint64, kind)

	u, kind = parsedUint(t, Meta{Type: TypeTimestamp}, "1970-01-02 00:00:00")
	assert.Equal(t, uint64(86400), u)
	assert.Equal(t, KindUint32, kind)

	u, _ = parsedUint(t, Meta{Type: TypeTimestamp}, "0000-00-00 00:00:00")
	assert.Equal(t, uint64(0), u)

	u, _ = parsedUint(t, Meta{Type: TypeYear}, "2024")
	assert.Equal(t, uint64(124), u)

	c := mustCodec(t, Meta{Type: TypeTime})
	v, err := c.Parse([]byte("-838:59:59"))
	require.NoError(t, err)
	i, _ := v.Int64()
	assert.Equal(t, int64(-8385959), i)
}

func TestParse_Temporal2(t *testing.T) {
	ymd := uint64((2024*13+3)<<5 | 15)
	hms := uint64(10<<12 | 20<<6 | 30)
	intPart := ymd<<17 | hms + 0x8000000000

	u, _ := parsedUint(t, Meta{Type: TypeDateTime2}, "2024-03-15 10:20:30")
	assert.Equal(t, intPart, u)

	u, _ = parsedUint(t, Meta{Type: TypeDateTime2, Length: 6}, "2024-03-15 10:20:30.000123")
	assert.Equal(t, intPart<<24|123, u)

	u, _ = parsedUint(t, Meta{Type: TypeDateTime2, Length: 2}, "2024-03-15 10:20:30.45")
	assert.Equal(t, intPart<<8|45, u)

	u, _ = parsedUint(t, Meta{Type: TypeTimestamp2, Length: 3}, "1970-01-01 00:01:00.5")
	assert.Equal(t, uint64(60)<<16|5000, u)

	u, kind := parsedUint(t, Meta{Type: TypeTime2}, "10:20:30")
	assert.Equal(t, uint64(0x800000)+hms, u)
	assert.Equal(t, KindUint24, kind)

	u, _ = parsedUint(t, Meta{Type: TypeTime2}, "-00:00:01")
	assert.Equal(t, uint64(0x7FFFFF), u)
}

func TestParse_Temporal2MatchesBinary(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeDateTime2, Length: 4})
	parsed, err := c.Parse([]byte("1999-12-31 23:59:59.1234"))
	require.NoError(t, err)

	raw, err := c.Append(nil, parsed)
	require.NoError(t, err)
	assert.Len(t, raw, 7)
	decoded, _, err := c.Decode(raw)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(decoded))
}

func TestParse_Scalars(t *testing.T) {
	c := mustCodec(t, Meta{Type: TypeShort, Unsigned: true})
	v, err := c.Parse([]byte("65535"))
	require.NoError(t, err)
	assert.Equal(t, Uint16(65535), v)

	_, err = c.Parse([]byte("65536"))
	assert.Error(t, err)

	c = mustCodec(t, Meta{Type: TypeTiny})
	v, err = c.Parse([]byte("-128"))
	require.NoError(t, err)
	assert.Equal(t, Int8(-128), v)

	c = mustCodec(t, Meta{Type: TypeFloat})
	v, err = c.Parse([]byte("1.5"))
	require.NoError(t, err)
	assert.Equal(t, Float32(1.5), v)

	c = mustCodec(t, Meta{Type: TypeBit, Length: 9})
	v, err = c.Parse([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, Uint16(256), v)
}

func TestParse_EnumAndSet(t *testing.T) {
	enum := mustCodec(t, Meta{Type: TypeEnum, Length: 3, Elements: []string{"small", "medium", "large"}})
	v, err := enum.Parse([]byte("medium"))
	require.NoError(t, err)
	assert.Equal(t, Uint8(2), v)

	v, err = enum.Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, Uint8(0), v)

	set := mustCodec(t, Meta{Type: TypeSet, Length: 3, Elements: []string{"a", "b", "c"}})
	v, err = set.Parse([]byte("a,c"))
	require.NoError(t, err)
	assert.Equal(t, Uint8(5), v)

	_, err = set.Parse([]byte("a,z"))
	assert.Error(t, err)
}
