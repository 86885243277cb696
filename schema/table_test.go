package schema

import (
	"testing"

	"github.com/replicatord/replicatord/column"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersDefs() []ColumnDef {
	return []ColumnDef{
		{Name: "id", Type: "int(11)", Ordinal: 1},
		{Name: "name", Type: "varchar(32)", Ordinal: 2, Charset: "utf8mb4", OctetLength: 128},
		{Name: "price", Type: "decimal(5,2)", Ordinal: 3},
		{Name: "note", Type: "text", Ordinal: 4, Charset: "utf8mb4"},
		{Name: "status", Type: "tinyint(3) unsigned", Ordinal: 5},
		{Name: "created", Type: "datetime(3)", Ordinal: 6},
	}
}

func TestTable_DecodeAndProject(t *testing.T) {
	tbl, err := New("shop", "orders", ordersDefs(), []string{"id", "status", "name", "price"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "price", "note", "status", "created"}, tbl.ColumnNames())

	full := column.Row{
		column.Int32(42),
		column.Bytes([]byte("widget")),
		column.Decimal(123.45),
		column.Bytes([]byte("ignored")),
		column.Uint8(3),
		column.Uint64(0x8000000000 << 16),
	}
	raw, err := tbl.AppendRow(nil, full)
	require.NoError(t, err)

	// two rows back to back, as in a rows event body
	body := append(append([]byte{}, raw...), raw...)

	row, n, err := tbl.DecodeRow(body)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.True(t, row[3].IsNull(), "unprojected columns are skipped")

	projected := tbl.Project(row)
	require.Len(t, projected, 4)
	assert.Equal(t, column.Int32(42), projected[0])
	assert.Equal(t, column.Uint8(3), projected[1])
	b, _ := projected[2].Bytes()
	assert.Equal(t, "widget", string(b))
	f, _ := projected[3].Float64()
	assert.InDelta(t, 123.45, f, 1e-9)

	_, n2, err := tbl.DecodeRow(body[n:])
	require.NoError(t, err)
	assert.Equal(t, len(raw), n2)
}

func TestTable_NullBitmap(t *testing.T) {
	tbl, err := New("shop", "orders", ordersDefs(), []string{"id", "name"}, Options{})
	require.NoError(t, err)

	full := column.Row{
		column.Int32(7),
		column.Null(),
		column.Null(),
		column.Null(),
		column.Uint8(1),
		column.Null(),
	}
	raw, err := tbl.AppendRow(nil, full)
	require.NoError(t, err)
	// bitmap + int + tinyint
	assert.Len(t, raw, 1+4+1)
	assert.Equal(t, byte(0b101110), raw[0])

	row, n, err := tbl.DecodeRow(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	projected := tbl.Project(row)
	assert.Equal(t, column.Int32(7), projected[0])
	assert.True(t, projected[1].IsNull())
}

func TestTable_Truncated(t *testing.T) {
	tbl, err := New("shop", "orders", ordersDefs(), []string{"id"}, Options{})
	require.NoError(t, err)
	_, _, err = tbl.DecodeRow([]byte{0x00, 0x01, 0x02})
	assert.ErrorIs(t, err, column.ErrTruncated)
}

func TestTable_ParseRow(t *testing.T) {
	tbl, err := New("shop", "orders", ordersDefs(), []string{"created", "price", "id", "name"}, Options{})
	require.NoError(t, err)

	row, err := tbl.ParseRow([][]byte{
		[]byte("42"),
		nil,
		[]byte("-1.50"),
		[]byte("not projected"),
		[]byte("9"),
		[]byte("2024-03-15 10:20:30.000"),
	})
	require.NoError(t, err)

	projected := tbl.Project(row)
	assert.Equal(t, column.KindUint64, projected[0].Kind())
	f, _ := projected[1].Float64()
	assert.InDelta(t, -1.5, f, 1e-9)
	assert.Equal(t, column.Int32(42), projected[2])
	assert.True(t, projected[3].IsNull())

	_, err = tbl.ParseRow([][]byte{[]byte("1")})
	assert.Error(t, err)
}

func TestNew_UnknownProjectedColumn(t *testing.T) {
	_, err := New("shop", "orders", ordersDefs(), []string{"id", "missing"}, Options{})
	assert.ErrorContains(t, err, "missing")
}

func TestMetaFor(t *testing.T) {
	tests := []struct {
		def  ColumnDef
		opts Options
		want column.Meta
	}{
		{ColumnDef{Type: "int(10) unsigned"}, Options{}, column.Meta{Type: column.TypeLong, Unsigned: true}},
		{ColumnDef{Type: "bigint(20)"}, Options{}, column.Meta{Type: column.TypeLongLong}},
		{ColumnDef{Type: "mediumint(8) unsigned"}, Options{}, column.Meta{Type: column.TypeInt24, Unsigned: true}},
		{ColumnDef{Type: "decimal(10,2)"}, Options{}, column.Meta{Type: column.TypeDecimal, Precision: 10, Scale: 2}},
		{ColumnDef{Type: "varchar(255)", Charset: "utf8mb4"}, Options{}, column.Meta{Type: column.TypeString, Length: 1020, Charset: "utf8mb4"}},
		{ColumnDef{Type: "char(10)", Charset: "latin1", OctetLength: 10}, Options{}, column.Meta{Type: column.TypeString, Length: 10, Charset: "latin1"}},
		{ColumnDef{Type: "varbinary(16)"}, Options{}, column.Meta{Type: column.TypeString, Length: 16, Charset: "binary"}},
		{ColumnDef{Type: "mediumtext", Charset: "utf8mb4"}, Options{}, column.Meta{Type: column.TypeBlob, Length: 3, Charset: "utf8mb4"}},
		{ColumnDef{Type: "json"}, Options{}, column.Meta{Type: column.TypeBlob, Length: 4}},
		{ColumnDef{Type: "bit(12)"}, Options{}, column.Meta{Type: column.TypeBit, Length: 12}},
		{ColumnDef{Type: "datetime(6)"}, Options{}, column.Meta{Type: column.TypeDateTime2, Length: 6}},
		{ColumnDef{Type: "datetime"}, Options{LegacyTemporal: true}, column.Meta{Type: column.TypeDateTime}},
		{ColumnDef{Type: "timestamp"}, Options{}, column.Meta{Type: column.TypeTimestamp2}},
		{ColumnDef{Type: "time(2)"}, Options{LegacyTemporal: true}, column.Meta{Type: column.TypeTime}},
		{ColumnDef{Type: "year(4)"}, Options{}, column.Meta{Type: column.TypeYear}},
		{ColumnDef{Type: "date"}, Options{}, column.Meta{Type: column.TypeDate}},
		{ColumnDef{Type: "double"}, Options{}, column.Meta{Type: column.TypeDouble}},
	}

	for _, tt := range tests {
		t.Run(tt.def.Type, func(t *testing.T) {
			got, err := metaFor(tt.def, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetaFor_EnumAndSet(t *testing.T) {
	got, err := metaFor(ColumnDef{Type: "enum('small','medium','large')"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, column.TypeEnum, got.Type)
	assert.Equal(t, 3, got.Length)
	assert.Equal(t, []string{"small", "medium", "large"}, got.Elements)

	got, err = metaFor(ColumnDef{Type: "set('a','b')"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, column.TypeSet, got.Type)
	assert.Equal(t, 2, got.Length)
}
