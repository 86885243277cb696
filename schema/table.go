// Package schema builds per-table column codecs from live column definitions
// and projects decoded rows onto the configured column order.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/replicatord/replicatord/column"
)

// ColumnDef is a live column definition as read from information_schema
type ColumnDef struct {
	Name        string
	Type        string // COLUMN_TYPE, e.g. "int(10) unsigned"
	Ordinal     int
	Charset     string
	OctetLength int64
}

type Options struct {
	// LegacyTemporal selects the pre-5.6.4 TIME/DATETIME/TIMESTAMP layouts
	LegacyTemporal bool
}

// Table holds the codecs of one source table in ordinal order
type Table struct {
	Database string
	Name     string

	columns    []ColumnDef
	codecs     []*column.Codec
	projection []int
	used       []bool
}

// New builds the codecs for defs, which must be in ordinal order, and
// resolves projection (column names) into source indexes
func New(database, table string, defs []ColumnDef, projection []string, opts Options) (*Table, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns", database, table)
	}

	t := &Table{
		Database:   database,
		Name:       table,
		columns:    defs,
		codecs:     make([]*column.Codec, len(defs)),
		projection: make([]int, len(projection)),
		used:       make([]bool, len(defs)),
	}

	index := make(map[string]int, len(defs))
	for i, def := range defs {
		meta, err := metaFor(def, opts)
		if err != nil {
			return nil, fmt.Errorf("%s.%s column %s: %w", database, table, def.Name, err)
		}
		codec, err := column.NewCodec(meta)
		if err != nil {
			return nil, fmt.Errorf("%s.%s column %s: %w", database, table, def.Name, err)
		}
		t.codecs[i] = codec
		index[strings.ToLower(def.Name)] = i
	}

	for j, name := range projection {
		i, ok := index[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%s.%s has no column %q", database, table, name)
		}
		t.projection[j] = i
		t.used[i] = true
	}

	return t, nil
}

// ColumnNames returns the source column names in ordinal order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) NumColumns() int { return len(t.codecs) }

func (t *Table) Codec(i int) *column.Codec { return t.codecs[i] }

// DecodeRow decodes one row image: a null bitmap over all columns followed
// by the non-null column values. Columns outside the projection are skipped
// and left null. A charset failure still consumes the whole row so the
// caller can drop it and carry on with the next one.
func (t *Table) DecodeRow(data []byte) (column.Row, int, error) {
	n := len(t.codecs)
	nullLen := (n + 7) / 8
	if len(data) < nullLen {
		return nil, 0, fmt.Errorf("%s.%s null bitmap: %w", t.Database, t.Name, column.ErrTruncated)
	}
	nulls := data[:nullLen]
	pos := nullLen

	row := make(column.Row, n)
	var rowErr error

	for i, codec := range t.codecs {
		if nulls[i/8]&(1<<uint(i%8)) != 0 {
			continue
		}

		if !t.used[i] {
			size, err := codec.Size(data[pos:])
			if err != nil {
				return nil, 0, fmt.Errorf("%s.%s column %s: %w", t.Database, t.Name, t.columns[i].Name, err)
			}
			pos += size
			continue
		}

		v, size, err := codec.Decode(data[pos:])
		if err != nil {
			if errors.Is(err, column.ErrTranscode) && size > 0 {
				rowErr = fmt.Errorf("%s.%s column %s: %w", t.Database, t.Name, t.columns[i].Name, err)
				pos += size
				continue
			}
			return nil, 0, fmt.Errorf("%s.%s column %s: %w", t.Database, t.Name, t.columns[i].Name, err)
		}
		row[i] = v
		pos += size
	}

	if rowErr != nil {
		return nil, pos, rowErr
	}
	return row, pos, nil
}

// ParseRow decodes a snapshot row in text form, one element per source
// column. A nil element is NULL.
func (t *Table) ParseRow(text [][]byte) (column.Row, error) {
	if len(text) != len(t.codecs) {
		return nil, fmt.Errorf("%s.%s: got %d values for %d columns", t.Database, t.Name, len(text), len(t.codecs))
	}

	row := make(column.Row, len(t.codecs))
	for i, codec := range t.codecs {
		if text[i] == nil || !t.used[i] {
			continue
		}
		v, err := codec.Parse(text[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s column %s: %w", t.Database, t.Name, t.columns[i].Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// Project returns the projected row in configured order
func (t *Table) Project(full column.Row) column.Row {
	out := make(column.Row, len(t.projection))
	for j, i := range t.projection {
		if i < len(full) {
			out[j] = full[i]
		}
	}
	return out
}

// AppendRow encodes a full row in row-image form, mostly for fixtures
func (t *Table) AppendRow(dst []byte, full column.Row) ([]byte, error) {
	if len(full) != len(t.codecs) {
		return dst, fmt.Errorf("%s.%s: got %d values for %d columns", t.Database, t.Name, len(full), len(t.codecs))
	}
	nulls := make([]byte, (len(full)+7)/8)
	for i, v := range full {
		if v.IsNull() {
			nulls[i/8] |= 1 << uint(i%8)
		}
	}
	dst = append(dst, nulls...)
	for i, v := range full {
		if v.IsNull() {
			continue
		}
		var err error
		if dst, err = t.codecs[i].Append(dst, v); err != nil {
			return dst, fmt.Errorf("column %s: %w", t.columns[i].Name, err)
		}
	}
	return dst, nil
}
