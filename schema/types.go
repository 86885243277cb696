package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/replicatord/replicatord/column"
	"vitess.io/vitess/go/vt/sqlparser"
)

var (
	parserOnce sync.Once
	parser     *sqlparser.Parser
	parserErr  error

	lengthPattern = regexp.MustCompile(`\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)`)
)

func getParser() (*sqlparser.Parser, error) {
	parserOnce.Do(func() {
		parser, parserErr = sqlparser.New(sqlparser.Options{})
	})
	return parser, parserErr
}

// declaredType is what a COLUMN_TYPE string tells us
type declaredType struct {
	name     string
	unsigned bool
	length   int
	scale    int
	hasLen   bool
	elements []string
}

// parseColumnType parses strings like "int(10) unsigned", "decimal(5,2)" or
// "enum('a','b')" by wrapping them in a throwaway CREATE TABLE
func parseColumnType(typ string) (declaredType, error) {
	var dt declaredType

	p, err := getParser()
	if err != nil {
		return dt, err
	}

	stmt, err := p.Parse("CREATE TABLE t (c " + typ + ")")
	if err != nil {
		return dt, fmt.Errorf("parse column type %q: %w", typ, err)
	}
	create, ok := stmt.(*sqlparser.CreateTable)
	if !ok || create.TableSpec == nil || len(create.TableSpec.Columns) != 1 || create.TableSpec.Columns[0].Type == nil {
		return dt, fmt.Errorf("parse column type %q: unexpected statement", typ)
	}

	ct := create.TableSpec.Columns[0].Type
	dt.name = strings.ToLower(ct.Type)
	dt.unsigned = ct.Unsigned
	for _, v := range ct.EnumValues {
		dt.elements = append(dt.elements, unquote(v))
	}

	if dt.name != "enum" && dt.name != "set" {
		if m := lengthPattern.FindStringSubmatch(typ); m != nil {
			dt.hasLen = true
			dt.length, _ = strconv.Atoi(m[1])
			if m[2] != "" {
				dt.scale, _ = strconv.Atoi(m[2])
			}
		}
	}
	return dt, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// metaFor maps a live column definition to codec metadata
func metaFor(def ColumnDef, opts Options) (column.Meta, error) {
	dt, err := parseColumnType(def.Type)
	if err != nil {
		return column.Meta{}, err
	}

	meta := column.Meta{Unsigned: dt.unsigned, Charset: def.Charset}

	temporal := func(legacy, v2 column.Type) {
		if opts.LegacyTemporal {
			meta.Type = legacy
			return
		}
		meta.Type = v2
		meta.Length = dt.length
	}

	switch dt.name {
	case "tinyint", "bool", "boolean":
		meta.Type = column.TypeTiny
	case "smallint":
		meta.Type = column.TypeShort
	case "mediumint":
		meta.Type = column.TypeInt24
	case "int", "integer":
		meta.Type = column.TypeLong
	case "bigint":
		meta.Type = column.TypeLongLong
	case "float":
		meta.Type = column.TypeFloat
		if dt.hasLen && dt.length > 24 {
			meta.Type = column.TypeDouble
		}
	case "double", "real", "double precision":
		meta.Type = column.TypeDouble
	case "decimal", "numeric", "dec", "fixed":
		meta.Type = column.TypeDecimal
		meta.Precision, meta.Scale = 10, 0
		if dt.hasLen {
			meta.Precision, meta.Scale = dt.length, dt.scale
		}
	case "char", "varchar", "binary", "varbinary", "nchar", "nvarchar":
		meta.Type = column.TypeString
		meta.Length = int(def.OctetLength)
		if meta.Length <= 0 {
			symbols := dt.length
			if !dt.hasLen {
				symbols = 1
			}
			perChar := column.MaxBytesPerChar(def.Charset)
			if dt.name == "binary" || dt.name == "varbinary" {
				perChar = 1
			}
			meta.Length = symbols * perChar
		}
		if dt.name == "binary" || dt.name == "varbinary" {
			meta.Charset = "binary"
		}
	case "tinyblob", "tinytext":
		meta.Type, meta.Length = column.TypeBlob, 1
	case "blob", "text":
		meta.Type, meta.Length = column.TypeBlob, 2
	case "mediumblob", "mediumtext":
		meta.Type, meta.Length = column.TypeBlob, 3
	case "longblob", "longtext", "json", "geometry", "point", "linestring", "polygon",
		"multipoint", "multilinestring", "multipolygon", "geometrycollection":
		meta.Type, meta.Length = column.TypeBlob, 4
	case "bit":
		meta.Type, meta.Length = column.TypeBit, 1
		if dt.hasLen {
			meta.Length = dt.length
		}
	case "enum":
		meta.Type, meta.Length, meta.Elements = column.TypeEnum, len(dt.elements), dt.elements
	case "set":
		meta.Type, meta.Length, meta.Elements = column.TypeSet, len(dt.elements), dt.elements
	case "date":
		meta.Type = column.TypeDate
	case "year":
		meta.Type = column.TypeYear
	case "time":
		temporal(column.TypeTime, column.TypeTime2)
	case "datetime":
		temporal(column.TypeDateTime, column.TypeDateTime2)
	case "timestamp":
		temporal(column.TypeTimestamp, column.TypeTimestamp2)
	default:
		return column.Meta{}, fmt.Errorf("unsupported column type %q", def.Type)
	}

	return meta, nil
}
