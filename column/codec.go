package column

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
)

var (
	// ErrTruncated is returned when raw input ends inside a column
	ErrTruncated = errors.New("column data truncated")
	// ErrTranscode marks a charset conversion failure; only the row is lost
	ErrTranscode = errors.New("charset transcode failed")
	// ErrKindMismatch is returned by Append for a value of the wrong kind
	ErrKindMismatch = errors.New("value kind does not match column")
)

// Type is the declared column type as seen in the row image
type Type uint8

const (
	TypeTiny Type = iota + 1
	TypeShort
	TypeInt24
	TypeLong
	TypeLongLong
	TypeFloat
	TypeDouble
	TypeDecimal
	TypeString // CHAR, VARCHAR, BINARY, VARBINARY
	TypeBlob   // TINY/MEDIUM/LONG BLOB and TEXT, JSON, GEOMETRY
	TypeBit
	TypeEnum
	TypeSet
	TypeDate
	TypeTime
	TypeDateTime
	TypeTimestamp
	TypeYear
	TypeTime2
	TypeDateTime2
	TypeTimestamp2
)

var typeNames = map[Type]string{
	TypeTiny: "tiny", TypeShort: "short", TypeInt24: "int24", TypeLong: "long",
	TypeLongLong: "longlong", TypeFloat: "float", TypeDouble: "double",
	TypeDecimal: "decimal", TypeString: "string", TypeBlob: "blob", TypeBit: "bit",
	TypeEnum: "enum", TypeSet: "set", TypeDate: "date", TypeTime: "time",
	TypeDateTime: "datetime", TypeTimestamp: "timestamp", TypeYear: "year",
	TypeTime2: "time2", TypeDateTime2: "datetime2", TypeTimestamp2: "timestamp2",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Meta is the static column metadata a codec is built from.
//
// Length is overloaded by type: maximum byte length for strings, packlength
// for blobs, bit count for BIT, element count for ENUM/SET and fractional
// precision for the v2 temporal types.
type Meta struct {
	Type      Type
	Unsigned  bool
	Length    int
	Precision int
	Scale     int
	Charset   string
	Elements  []string
}

type handler struct {
	// width returns the fixed width, or the prefix width for variable types
	width  func(m *Meta) (int, error)
	kind   func(c *Codec) Kind
	decode func(c *Codec, raw []byte) (Value, int, error)
	parse  func(c *Codec, text []byte) (Value, error)
	append func(c *Codec, dst []byte, v Value) ([]byte, error)
}

var handlers map[Type]*handler

func init() {
	integer := &handler{
		width:  intWidth,
		kind:   intKind,
		decode: decodeInt,
		parse:  parseInt,
		append: appendInt,
	}
	handlers = map[Type]*handler{
		TypeTiny:     integer,
		TypeShort:    integer,
		TypeInt24:    integer,
		TypeLong:     integer,
		TypeLongLong: integer,
		TypeFloat: {
			width:  fixed(4),
			kind:   constKind(KindFloat32),
			decode: decodeFloat,
			parse:  parseFloat,
			append: appendFloat,
		},
		TypeDouble: {
			width:  fixed(8),
			kind:   constKind(KindFloat64),
			decode: decodeFloat,
			parse:  parseFloat,
			append: appendFloat,
		},
		TypeDecimal: {
			width:  decimalWidth,
			kind:   constKind(KindDecimal),
			decode: decodeDecimal,
			parse:  parseFloat,
			append: appendDecimal,
		},
		TypeString: {
			width:  stringPrefixWidth,
			kind:   constKind(KindBytes),
			decode: decodeString,
			parse:  parseRaw,
			append: appendString,
		},
		TypeBlob: {
			width:  blobPrefixWidth,
			kind:   constKind(KindBytes),
			decode: decodeBlob,
			parse:  parseRaw,
			append: appendBlob,
		},
		TypeBit: {
			width:  bitWidth,
			kind:   uintKind,
			decode: decodeBigEndian,
			parse:  parseBit,
			append: appendBigEndian,
		},
		TypeEnum: {
			width:  enumWidth,
			kind:   uintKind,
			decode: decodeLittleEndianUint,
			parse:  parseEnum,
			append: appendLittleEndianUint,
		},
		TypeSet: {
			width:  setWidth,
			kind:   uintKind,
			decode: decodeLittleEndianUint,
			parse:  parseSet,
			append: appendLittleEndianUint,
		},
		TypeDate: {
			width:  fixed(3),
			kind:   uintKind,
			decode: decodeLittleEndianUint,
			parse:  parseDate,
			append: appendLittleEndianUint,
		},
		TypeTime: {
			width:  fixed(3),
			kind:   constKind(KindInt24),
			decode: decodeInt,
			parse:  parseLegacyTime,
			append: appendInt,
		},
		TypeDateTime: {
			width:  fixed(8),
			kind:   uintKind,
			decode: decodeLittleEndianUint,
			parse:  parseLegacyDateTime,
			append: appendLittleEndianUint,
		},
		TypeTimestamp: {
			width:  fixed(4),
			kind:   uintKind,
			decode: decodeLittleEndianUint,
			parse:  parseLegacyTimestamp,
			append: appendLittleEndianUint,
		},
		TypeYear: {
			width:  fixed(1),
			kind:   uintKind,
			decode: decodeLittleEndianUint,
			parse:  parseYear,
			append: appendLittleEndianUint,
		},
		TypeTime2: {
			width:  temporal2Width(3),
			kind:   uintKind,
			decode: decodeBigEndian,
			parse:  parseTime2,
			append: appendBigEndian,
		},
		TypeDateTime2: {
			width:  temporal2Width(5),
			kind:   uintKind,
			decode: decodeBigEndian,
			parse:  parseDateTime2,
			append: appendBigEndian,
		},
		TypeTimestamp2: {
			width:  temporal2Width(4),
			kind:   uintKind,
			decode: decodeBigEndian,
			parse:  parseTimestamp2,
			append: appendBigEndian,
		},
	}
}

// Codec decodes one column. It is immutable and safe for concurrent use.
type Codec struct {
	meta    Meta
	h       *handler
	width   int
	kind    Kind
	charset encoding.Encoding
	dec     decimalLayout
	labels  map[string]uint64
}

// NewCodec validates meta and builds the codec for it. Errors are
// configuration errors and are not retried.
func NewCodec(meta Meta) (*Codec, error) {
	h, ok := handlers[meta.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported column type %v", meta.Type)
	}

	width, err := h.width(&meta)
	if err != nil {
		return nil, fmt.Errorf("%v column: %w", meta.Type, err)
	}

	c := &Codec{meta: meta, h: h, width: width}
	c.kind = h.kind(c)

	switch meta.Type {
	case TypeDecimal:
		c.dec = newDecimalLayout(meta.Precision, meta.Scale)
	case TypeString:
		enc, err := Charset(meta.Charset)
		if err != nil {
			return nil, err
		}
		c.charset = enc
	case TypeEnum, TypeSet:
		c.labels = make(map[string]uint64, len(meta.Elements))
		for i, label := range meta.Elements {
			if meta.Type == TypeEnum {
				c.labels[strings.ToLower(label)] = uint64(i + 1)
			} else {
				c.labels[strings.ToLower(label)] = 1 << uint(i)
			}
		}
	}

	return c, nil
}

func (c *Codec) Meta() Meta { return c.meta }

// Kind is the kind of every non-null value this codec yields
func (c *Codec) Kind() Kind { return c.kind }

// Decode decodes exactly one column from raw and reports the bytes consumed
func (c *Codec) Decode(raw []byte) (Value, int, error) {
	return c.h.decode(c, raw)
}

// Parse decodes the text protocol form of a column into the same value
// Decode would produce for the binary form
func (c *Codec) Parse(text []byte) (Value, error) {
	v, err := c.h.parse(c, text)
	if err != nil {
		return Value{}, fmt.Errorf("parse %v %q: %w", c.meta.Type, text, err)
	}
	return v, nil
}

// Append encodes v in the binary row-image form
func (c *Codec) Append(dst []byte, v Value) ([]byte, error) {
	if v.kind != c.kind {
		return dst, fmt.Errorf("%w: %v column, %v value", ErrKindMismatch, c.meta.Type, v.kind)
	}
	return c.h.append(c, dst, v)
}

func fixed(n int) func(*Meta) (int, error) {
	return func(*Meta) (int, error) { return n, nil }
}

func constKind(k Kind) func(*Codec) Kind {
	return func(*Codec) Kind { return k }
}

func uintKind(c *Codec) Kind {
	return uintOfWidth(c.width, 0).kind
}

func need(raw []byte, n int) error {
	if len(raw) < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, len(raw))
	}
	return nil
}

func getUintLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUintLE(dst []byte, width int, v uint64) []byte {
	for i := 0; i < width; i++ {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

func getUintBE(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func putUintBE(dst []byte, width int, v uint64) []byte {
	for i := width - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return dst
}

// integers

func intWidth(m *Meta) (int, error) {
	switch m.Type {
	case TypeTiny:
		return 1, nil
	case TypeShort:
		return 2, nil
	case TypeInt24:
		return 3, nil
	case TypeLong:
		return 4, nil
	default:
		return 8, nil
	}
}

func intKind(c *Codec) Kind {
	signed := [...]Kind{1: KindInt8, 2: KindInt16, 3: KindInt24, 4: KindInt32, 8: KindInt64}
	unsigned := [...]Kind{1: KindUint8, 2: KindUint16, 3: KindUint24, 4: KindUint32, 8: KindUint64}
	if c.meta.Unsigned {
		return unsigned[c.width]
	}
	return signed[c.width]
}

func decodeInt(c *Codec, raw []byte) (Value, int, error) {
	if err := need(raw, c.width); err != nil {
		return Value{}, 0, err
	}
	u := getUintLE(raw[:c.width])
	return intValue(c.kind, u), c.width, nil
}

// intValue tags the little-endian bits u with kind k, sign extending signed kinds
func intValue(k Kind, u uint64) Value {
	switch k {
	case KindInt8:
		return Int8(int8(u))
	case KindInt16:
		return Int16(int16(u))
	case KindInt24:
		return Int24(int32(u))
	case KindInt32:
		return Int32(int32(u))
	case KindInt64:
		return Int64(int64(u))
	default:
		return uintOfWidth(k.Size(), u)
	}
}

func parseInt(c *Codec, text []byte) (Value, error) {
	s := strings.TrimSpace(string(text))
	bits := c.width * 8
	if c.kind.IsUnsigned() {
		u, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return Value{}, err
		}
		return intValue(c.kind, u), nil
	}
	i, err := strconv.ParseInt(s, 10, bits)
	if err != nil {
		return Value{}, err
	}
	return intValue(c.kind, uint64(i)), nil
}

func appendInt(c *Codec, dst []byte, v Value) ([]byte, error) {
	return putUintLE(dst, c.width, v.num), nil
}

// floats

func decodeFloat(c *Codec, raw []byte) (Value, int, error) {
	if err := need(raw, c.width); err != nil {
		return Value{}, 0, err
	}
	if c.width == 4 {
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(raw))), 4, nil
	}
	return Float64(math.Float64frombits(binary.LittleEndian.Uint64(raw))), 8, nil
}

func parseFloat(c *Codec, text []byte) (Value, error) {
	s := strings.TrimSpace(string(text))
	switch c.kind {
	case KindFloat32:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return Value{}, err
		}
		return Float32(float32(f)), nil
	case KindDecimal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Decimal(f), nil
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Float64(f), nil
	}
}

func appendFloat(c *Codec, dst []byte, v Value) ([]byte, error) {
	if c.width == 4 {
		return binary.LittleEndian.AppendUint32(dst, uint32(v.num)), nil
	}
	return binary.LittleEndian.AppendUint64(dst, v.num), nil
}

// strings and blobs

func stringPrefixWidth(m *Meta) (int, error) {
	if m.Length < 0 || m.Length > math.MaxUint16 {
		return 0, fmt.Errorf("invalid max byte length %d", m.Length)
	}
	if m.Length < 256 {
		return 1, nil
	}
	return 2, nil
}

func blobPrefixWidth(m *Meta) (int, error) {
	if m.Length < 1 || m.Length > 4 {
		return 0, fmt.Errorf("wrong packlength %d", m.Length)
	}
	return m.Length, nil
}

func readPrefixed(c *Codec, raw []byte) ([]byte, int, error) {
	if err := need(raw, c.width); err != nil {
		return nil, 0, err
	}
	n := int(getUintLE(raw[:c.width]))
	if err := need(raw[c.width:], n); err != nil {
		return nil, 0, err
	}
	body := make([]byte, n)
	copy(body, raw[c.width:c.width+n])
	return body, c.width + n, nil
}

func writePrefixed(c *Codec, dst, body []byte) ([]byte, error) {
	if max := uint64(1)<<(8*uint(c.width)) - 1; uint64(len(body)) > max {
		return dst, fmt.Errorf("value of %d bytes exceeds %d byte prefix", len(body), c.width)
	}
	dst = putUintLE(dst, c.width, uint64(len(body)))
	return append(dst, body...), nil
}

func decodeString(c *Codec, raw []byte) (Value, int, error) {
	body, n, err := readPrefixed(c, raw)
	if err != nil {
		return Value{}, 0, err
	}
	if c.charset != nil {
		out, err := decodeStrict(c.charset, body)
		if err != nil {
			return Value{}, n, fmt.Errorf("%w: %s: %v", ErrTranscode, c.meta.Charset, err)
		}
		body = out
	}
	return Bytes(body), n, nil
}

func appendString(c *Codec, dst []byte, v Value) ([]byte, error) {
	body := v.b
	if c.charset != nil {
		out, err := c.charset.NewEncoder().Bytes(body)
		if err != nil {
			return dst, fmt.Errorf("%w: %s: %v", ErrTranscode, c.meta.Charset, err)
		}
		body = out
	}
	return writePrefixed(c, dst, body)
}

func decodeBlob(c *Codec, raw []byte) (Value, int, error) {
	body, n, err := readPrefixed(c, raw)
	if err != nil {
		return Value{}, 0, err
	}
	return Bytes(body), n, nil
}

func appendBlob(c *Codec, dst []byte, v Value) ([]byte, error) {
	return writePrefixed(c, dst, v.b)
}

func parseRaw(_ *Codec, text []byte) (Value, error) {
	out := make([]byte, len(text))
	copy(out, text)
	return Bytes(out), nil
}

// bit, enum, set

func bitWidth(m *Meta) (int, error) {
	if m.Length < 1 || m.Length > 64 {
		return 0, fmt.Errorf("invalid bit width %d", m.Length)
	}
	return (m.Length + 7) / 8, nil
}

func enumWidth(m *Meta) (int, error) {
	if m.Length > math.MaxUint16 {
		return 0, fmt.Errorf("too many enum elements: %d", m.Length)
	}
	if m.Length < 256 {
		return 1, nil
	}
	return 2, nil
}

func setWidth(m *Meta) (int, error) {
	if m.Length < 0 || m.Length > 64 {
		return 0, fmt.Errorf("invalid set element count %d", m.Length)
	}
	n := (m.Length + 7) / 8
	switch {
	case n == 0:
		return 1, nil
	case n > 4:
		return 8, nil
	}
	return n, nil
}

func decodeBigEndian(c *Codec, raw []byte) (Value, int, error) {
	if err := need(raw, c.width); err != nil {
		return Value{}, 0, err
	}
	return uintOfWidth(c.width, getUintBE(raw[:c.width])), c.width, nil
}

func appendBigEndian(c *Codec, dst []byte, v Value) ([]byte, error) {
	return putUintBE(dst, c.width, v.num), nil
}

func decodeLittleEndianUint(c *Codec, raw []byte) (Value, int, error) {
	if err := need(raw, c.width); err != nil {
		return Value{}, 0, err
	}
	return uintOfWidth(c.width, getUintLE(raw[:c.width])), c.width, nil
}

func appendLittleEndianUint(c *Codec, dst []byte, v Value) ([]byte, error) {
	return putUintLE(dst, c.width, v.num), nil
}

// parseBit takes the bytes the text protocol sends for BIT columns, which
// are the big-endian value itself
func parseBit(c *Codec, text []byte) (Value, error) {
	if len(text) > 8 {
		return Value{}, fmt.Errorf("bit value of %d bytes", len(text))
	}
	return uintOfWidth(c.width, getUintBE(text)), nil
}

func parseEnum(c *Codec, text []byte) (Value, error) {
	if len(text) == 0 {
		return uintOfWidth(c.width, 0), nil
	}
	if idx, ok := c.labels[strings.ToLower(string(text))]; ok {
		return uintOfWidth(c.width, idx), nil
	}
	idx, err := strconv.ParseUint(string(text), 10, 16)
	if err != nil {
		return Value{}, fmt.Errorf("unknown enum label")
	}
	return uintOfWidth(c.width, idx), nil
}

func parseSet(c *Codec, text []byte) (Value, error) {
	var mask uint64
	if len(text) > 0 {
		for _, label := range strings.Split(string(text), ",") {
			bit, ok := c.labels[strings.ToLower(label)]
			if !ok {
				return Value{}, fmt.Errorf("unknown set member %q", label)
			}
			mask |= bit
		}
	}
	return uintOfWidth(c.width, mask), nil
}

// Size reports how many bytes the column at the start of raw occupies
// without decoding it
func (c *Codec) Size(raw []byte) (int, error) {
	switch c.meta.Type {
	case TypeString, TypeBlob:
		if err := need(raw, c.width); err != nil {
			return 0, err
		}
		n := int(getUintLE(raw[:c.width]))
		if err := need(raw[c.width:], n); err != nil {
			return 0, err
		}
		return c.width + n, nil
	default:
		if err := need(raw, c.width); err != nil {
			return 0, err
		}
		return c.width, nil
	}
}
