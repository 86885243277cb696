// Package iproto15 implements the Tarantool 1.5 binary protocol: a 12 byte
// little-endian header followed by a little-endian body whose tuple fields
// are prefixed with a base-128 varint length.
package iproto15

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/replicatord/replicatord/column"
	"github.com/replicatord/replicatord/sink"
)

const Name = "1.5"

// Request types
const (
	TypeInsert uint32 = 13
	TypeSelect uint32 = 17
	TypeDelete uint32 = 21
	TypeCall   uint32 = 22
	TypePing   uint32 = 0xFF00
)

const (
	headerSize = 12
	// maxReplySize bounds a single reply body
	maxReplySize = 16 << 20
)

var ErrMalformedReply = errors.New("malformed iproto 1.5 reply")

func init() {
	sink.RegisterProtocol(Name, func() sink.Protocol { return Protocol{} })
}

// Protocol is stateless and safe for concurrent use
type Protocol struct{}

func (Protocol) Name() string { return Name }

// Handshake is a no-op: 1.5 has neither greeting nor authentication
func (Protocol) Handshake(rw *bufio.ReadWriter, user, password string) error {
	return nil
}

func (Protocol) AppendSelect(dst []byte, sync, space, index uint32, key column.Row) ([]byte, error) {
	return appendRequest(dst, TypeSelect, sync, func(b []byte) ([]byte, error) {
		b = appendU32(b, space)
		b = appendU32(b, index)
		b = appendU32(b, 0) // offset
		b = appendU32(b, 1) // limit
		b = appendU32(b, 1) // key count
		return appendTuple(b, key)
	})
}

// AppendReplace encodes INSERT with flags 0, which replaces an existing tuple
func (Protocol) AppendReplace(dst []byte, sync, space uint32, tuple column.Row) ([]byte, error) {
	return appendRequest(dst, TypeInsert, sync, func(b []byte) ([]byte, error) {
		b = appendU32(b, space)
		b = appendU32(b, 0)
		return appendTuple(b, tuple)
	})
}

func (Protocol) AppendDelete(dst []byte, sync, space uint32, key column.Row) ([]byte, error) {
	return appendRequest(dst, TypeDelete, sync, func(b []byte) ([]byte, error) {
		b = appendU32(b, space)
		b = appendU32(b, 0)
		return appendTuple(b, key)
	})
}

func (Protocol) AppendCall(dst []byte, sync uint32, proc string, args column.Row) ([]byte, error) {
	return appendRequest(dst, TypeCall, sync, func(b []byte) ([]byte, error) {
		b = appendU32(b, 0)
		b = AppendVarint(b, uint32(len(proc)))
		b = append(b, proc...)
		return appendTuple(b, args)
	})
}

func (Protocol) AppendPing(dst []byte, sync uint32) []byte {
	dst = appendU32(dst, TypePing)
	dst = appendU32(dst, 0)
	return appendU32(dst, sync)
}

// PositionTuple stores the key as 4 raw bytes and everything else as text
func (Protocol) PositionTuple(rec sink.PositionRecord) column.Row {
	return column.Row{
		column.Uint32(rec.Key),
		column.Bytes([]byte(rec.Position.Name)),
		column.Bytes([]byte(strconv.FormatUint(rec.Position.Offset, 10))),
		column.Bytes([]byte(strconv.FormatUint(uint64(rec.SecondsBehind), 10))),
		column.Bytes([]byte(strconv.FormatInt(rec.Timestamp, 10))),
	}
}

func appendRequest(dst []byte, typ, sync uint32, body func([]byte) ([]byte, error)) ([]byte, error) {
	start := len(dst)
	dst = appendU32(dst, typ)
	dst = appendU32(dst, 0)
	dst = appendU32(dst, sync)

	dst, err := body(dst)
	if err != nil {
		return dst[:start], err
	}
	binary.LittleEndian.PutUint32(dst[start+4:], uint32(len(dst)-start-headerSize))
	return dst, nil
}

func appendTuple(dst []byte, tuple column.Row) ([]byte, error) {
	dst = appendU32(dst, uint32(len(tuple)))
	for i, v := range tuple {
		var err error
		if dst, err = AppendField(dst, v); err != nil {
			return dst, fmt.Errorf("field %d: %w", i, err)
		}
	}
	return dst, nil
}

// AppendField encodes one tuple field. Integers up to 32 bits take 4 bytes,
// 64-bit kinds take 8, and null is the empty field.
func AppendField(dst []byte, v column.Value) ([]byte, error) {
	switch k := v.Kind(); {
	case k == column.KindNull:
		return AppendVarint(dst, 0), nil
	case k == column.KindInt64:
		i, _ := v.Int64()
		dst = AppendVarint(dst, 8)
		return binary.LittleEndian.AppendUint64(dst, uint64(i)), nil
	case k == column.KindUint64:
		u, _ := v.Uint64()
		dst = AppendVarint(dst, 8)
		return binary.LittleEndian.AppendUint64(dst, u), nil
	case k.IsSigned():
		i, _ := v.Int64()
		dst = AppendVarint(dst, 4)
		return binary.LittleEndian.AppendUint32(dst, uint32(int32(i))), nil
	case k.IsUnsigned():
		u, _ := v.Uint64()
		dst = AppendVarint(dst, 4)
		return binary.LittleEndian.AppendUint32(dst, uint32(u)), nil
	case k == column.KindFloat32:
		f, _ := v.Float64()
		dst = AppendVarint(dst, 4)
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(f))), nil
	case k == column.KindFloat64, k == column.KindDecimal:
		f, _ := v.Float64()
		dst = AppendVarint(dst, 8)
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f)), nil
	case k == column.KindBytes:
		b, _ := v.Bytes()
		dst = AppendVarint(dst, uint32(len(b)))
		return append(dst, b...), nil
	}
	return dst, fmt.Errorf("cannot encode %s value", v.Kind())
}

// AppendVarint writes n as a big-endian base-128 varint: the high bit of
// every byte but the last is set
func AppendVarint(dst []byte, n uint32) []byte {
	switch {
	case n < 1<<7:
		return append(dst, byte(n))
	case n < 1<<14:
		return append(dst, byte(n>>7)|0x80, byte(n&0x7f))
	case n < 1<<21:
		return append(dst, byte(n>>14)|0x80, byte(n>>7)|0x80, byte(n&0x7f))
	case n < 1<<28:
		return append(dst, byte(n>>21)|0x80, byte(n>>14)|0x80, byte(n>>7)|0x80, byte(n&0x7f))
	}
	return append(dst, byte(n>>28)|0x80, byte(n>>21)|0x80, byte(n>>14)|0x80, byte(n>>7)|0x80, byte(n&0x7f))
}

// ReadVarint decodes a varint from the front of b
func ReadVarint(b []byte) (uint32, int, error) {
	var n uint32
	for i := 0; i < len(b) && i < 5; i++ {
		n = n<<7 | uint32(b[i]&0x7f)
		if b[i]&0x80 == 0 {
			return n, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: bad varint", ErrMalformedReply)
}

// ReadReply reads one reply. Ping replies have an empty body. Otherwise the
// body is a return code followed by an error message or by the tuples.
func (Protocol) ReadReply(r *bufio.Reader) (sink.Reply, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return sink.Reply{}, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:])
	size := binary.LittleEndian.Uint32(hdr[4:])
	reply := sink.Reply{Sync: binary.LittleEndian.Uint32(hdr[8:])}

	if size > maxReplySize {
		return reply, fmt.Errorf("%w: body of %d bytes", ErrMalformedReply, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return reply, err
	}

	if typ == TypePing || size == 0 {
		return reply, nil
	}
	if size < 4 {
		return reply, fmt.Errorf("%w: short body", ErrMalformedReply)
	}

	reply.Code = binary.LittleEndian.Uint32(body)
	body = body[4:]
	if reply.Code != 0 {
		reply.Error = trimNul(body)
		return reply, nil
	}
	if len(body) == 0 {
		return reply, nil
	}

	tuples, err := parseTuples(body)
	if err != nil {
		return reply, err
	}
	reply.Tuples = tuples
	return reply, nil
}

// parseTuples reads count, then per tuple: size u32, cardinality u32, fields
func parseTuples(b []byte) ([][]interface{}, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: missing tuple count", ErrMalformedReply)
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]

	tuples := make([][]interface{}, 0, count)
	for t := uint32(0); t < count; t++ {
		if len(b) < 8 {
			return nil, fmt.Errorf("%w: short tuple header", ErrMalformedReply)
		}
		size := binary.LittleEndian.Uint32(b)
		card := binary.LittleEndian.Uint32(b[4:])
		b = b[8:]
		if uint32(len(b)) < size {
			return nil, fmt.Errorf("%w: tuple of %d bytes, %d left", ErrMalformedReply, size, len(b))
		}
		data := b[:size]
		b = b[size:]

		fields := make([]interface{}, 0, card)
		for f := uint32(0); f < card; f++ {
			n, used, err := ReadVarint(data)
			if err != nil {
				return nil, err
			}
			data = data[used:]
			if uint32(len(data)) < n {
				return nil, fmt.Errorf("%w: field of %d bytes, %d left", ErrMalformedReply, n, len(data))
			}
			fields = append(fields, append([]byte(nil), data[:n]...))
			data = data[n:]
		}
		tuples = append(tuples, fields)
	}
	return tuples, nil
}

func trimNul(b []byte) string {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}
