// Package iproto16 implements the msgpack based Tarantool 1.6 protocol,
// including the greeting and chap-sha1 authentication.
package iproto16

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/replicatord/replicatord/column"
	"github.com/replicatord/replicatord/encoding"
	"github.com/replicatord/replicatord/sink"
	"github.com/vmihailenco/msgpack/v5"
)

const Name = "1.6"

// Request codes
const (
	CodeSelect  = 0x01
	CodeReplace = 0x03
	CodeDelete  = 0x05
	CodeCall    = 0x06
	CodeAuth    = 0x07
	CodePing    = 0x40

	ErrorFlag = 0x8000
)

// Header and body keys
const (
	KeyCode     = 0x00
	KeySync     = 0x01
	KeySpace    = 0x10
	KeyIndex    = 0x11
	KeyLimit    = 0x12
	KeyOffset   = 0x13
	KeyIterator = 0x14
	KeyKey      = 0x20
	KeyTuple    = 0x21
	KeyFunction = 0x22
	KeyUser     = 0x23
	KeyData     = 0x30
	KeyError    = 0x31
)

const (
	GreetingSize = 128
	saltLength   = 20
	maxReplySize = 16 << 20
)

var ErrMalformedReply = errors.New("malformed iproto 1.6 reply")

func init() {
	sink.RegisterProtocol(Name, func() sink.Protocol { return Protocol{} })
}

// Protocol is stateless and safe for concurrent use
type Protocol struct{}

func (Protocol) Name() string { return Name }

// Handshake reads the greeting and authenticates when user is set
func (p Protocol) Handshake(rw *bufio.ReadWriter, user, password string) error {
	var greeting [GreetingSize]byte
	if _, err := io.ReadFull(rw, greeting[:]); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if !bytes.HasPrefix(greeting[:], []byte("Tarantool")) {
		return fmt.Errorf("unexpected greeting %q", strings.TrimSpace(string(greeting[:64])))
	}
	if user == "" {
		return nil
	}

	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(greeting[64:108])))
	if err != nil {
		return fmt.Errorf("decode greeting salt: %w", err)
	}
	if len(salt) < saltLength {
		return fmt.Errorf("greeting salt too short: %d bytes", len(salt))
	}

	req, err := appendAuth(nil, 0, user, Scramble(salt, password))
	if err != nil {
		return err
	}
	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := rw.Flush(); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	reply, err := p.ReadReply(rw.Reader)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Code != 0 {
		return fmt.Errorf("auth as %q failed: %s", user, reply.Error)
	}
	return nil
}

// Scramble computes sha1(password) XOR sha1(salt + sha1(sha1(password)))
func Scramble(salt []byte, password string) []byte {
	step1 := sha1.Sum([]byte(password))
	step2 := sha1.Sum(step1[:])

	h := sha1.New()
	h.Write(salt[:saltLength])
	h.Write(step2[:])
	step3 := h.Sum(nil)

	out := make([]byte, sha1.Size)
	for i := range out {
		out[i] = step1[i] ^ step3[i]
	}
	return out
}

func appendAuth(dst []byte, sync uint32, user string, scramble []byte) ([]byte, error) {
	return appendPacket(dst, CodeAuth, sync, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyUser); err != nil {
			return err
		}
		if err := enc.EncodeString(user); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyTuple); err != nil {
			return err
		}
		if err := enc.EncodeArrayLen(2); err != nil {
			return err
		}
		if err := enc.EncodeString("chap-sha1"); err != nil {
			return err
		}
		return enc.EncodeString(string(scramble))
	})
}

func (Protocol) AppendSelect(dst []byte, sync, space, index uint32, key column.Row) ([]byte, error) {
	return appendPacket(dst, CodeSelect, sync, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeMapLen(6); err != nil {
			return err
		}
		for _, kv := range [][2]uint64{
			{KeySpace, uint64(space)},
			{KeyIndex, uint64(index)},
			{KeyLimit, 1},
			{KeyOffset, 0},
			{KeyIterator, 0},
		} {
			if err := encodeKey(enc, kv[0]); err != nil {
				return err
			}
			if err := enc.EncodeUint(kv[1]); err != nil {
				return err
			}
		}
		if err := encodeKey(enc, KeyKey); err != nil {
			return err
		}
		return encoding.EncodeRow(enc, key)
	})
}

func (Protocol) AppendReplace(dst []byte, sync, space uint32, tuple column.Row) ([]byte, error) {
	return appendPacket(dst, CodeReplace, sync, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := encodeKey(enc, KeySpace); err != nil {
			return err
		}
		if err := enc.EncodeUint(uint64(space)); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyTuple); err != nil {
			return err
		}
		return encoding.EncodeRow(enc, tuple)
	})
}

func (Protocol) AppendDelete(dst []byte, sync, space uint32, key column.Row) ([]byte, error) {
	return appendPacket(dst, CodeDelete, sync, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeMapLen(3); err != nil {
			return err
		}
		if err := encodeKey(enc, KeySpace); err != nil {
			return err
		}
		if err := enc.EncodeUint(uint64(space)); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyIndex); err != nil {
			return err
		}
		if err := enc.EncodeUint(0); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyKey); err != nil {
			return err
		}
		return encoding.EncodeRow(enc, key)
	})
}

func (Protocol) AppendCall(dst []byte, sync uint32, proc string, args column.Row) ([]byte, error) {
	return appendPacket(dst, CodeCall, sync, func(enc *msgpack.Encoder) error {
		if err := enc.EncodeMapLen(2); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyFunction); err != nil {
			return err
		}
		if err := enc.EncodeString(proc); err != nil {
			return err
		}
		if err := encodeKey(enc, KeyTuple); err != nil {
			return err
		}
		return encoding.EncodeRow(enc, args)
	})
}

func (Protocol) AppendPing(dst []byte, sync uint32) []byte {
	out, err := appendPacket(dst, CodePing, sync, func(enc *msgpack.Encoder) error {
		return enc.EncodeMapLen(0)
	})
	if err != nil {
		// encoding into memory cannot fail
		panic(err)
	}
	return out
}

// PositionTuple stores every field with its native type
func (Protocol) PositionTuple(rec sink.PositionRecord) column.Row {
	return column.Row{
		column.Uint32(rec.Key),
		column.Bytes([]byte(rec.Position.Name)),
		column.Uint64(rec.Position.Offset),
		column.Uint32(rec.SecondsBehind),
		column.Int64(rec.Timestamp),
	}
}

// appendPacket frames header and body behind a 0xce uint32 length
func appendPacket(dst []byte, code, sync uint32, body func(enc *msgpack.Encoder) error) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeMapLen(2); err != nil {
		return dst, err
	}
	if err := encodeKey(enc, KeyCode); err != nil {
		return dst, err
	}
	if err := enc.EncodeUint(uint64(code)); err != nil {
		return dst, err
	}
	if err := encodeKey(enc, KeySync); err != nil {
		return dst, err
	}
	if err := enc.EncodeUint(uint64(sync)); err != nil {
		return dst, err
	}
	if err := body(enc); err != nil {
		return dst, err
	}

	dst = append(dst, 0xce)
	dst = binary.BigEndian.AppendUint32(dst, uint32(buf.Len()))
	return append(dst, buf.Bytes()...), nil
}

func encodeKey(enc *msgpack.Encoder, key uint64) error {
	return enc.EncodeUint(key)
}

// ReadReply reads one length-prefixed reply
func (Protocol) ReadReply(r *bufio.Reader) (sink.Reply, error) {
	size, err := readLength(r)
	if err != nil {
		return sink.Reply{}, err
	}
	if size > maxReplySize {
		return sink.Reply{}, fmt.Errorf("%w: packet of %d bytes", ErrMalformedReply, size)
	}
	packet := make([]byte, size)
	if _, err := io.ReadFull(r, packet); err != nil {
		return sink.Reply{}, err
	}
	return ParsePacket(packet)
}

// readLength reads the msgpack unsigned integer in front of every packet
func readLength(r *bufio.Reader) (uint32, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch {
	case c <= 0x7f:
		return uint32(c), nil
	case c == 0xcc:
		b, err := r.ReadByte()
		return uint32(b), err
	case c == 0xcd:
		var b [2]byte
		_, err := io.ReadFull(r, b[:])
		return uint32(binary.BigEndian.Uint16(b[:])), err
	case c == 0xce:
		var b [4]byte
		_, err := io.ReadFull(r, b[:])
		return binary.BigEndian.Uint32(b[:]), err
	}
	return 0, fmt.Errorf("%w: length prefix 0x%02x", ErrMalformedReply, c)
}

// ParsePacket decodes the header and body maps of one packet
func ParsePacket(packet []byte) (sink.Reply, error) {
	dec := encoding.NewDecoder(packet)
	var reply sink.Reply

	n, err := dec.DecodeMapLen()
	if err != nil {
		return reply, fmt.Errorf("%w: header: %v", ErrMalformedReply, err)
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return reply, fmt.Errorf("%w: header key: %v", ErrMalformedReply, err)
		}
		switch key {
		case KeyCode:
			code, err := dec.DecodeUint32()
			if err != nil {
				return reply, fmt.Errorf("%w: code: %v", ErrMalformedReply, err)
			}
			reply.Code = code &^ ErrorFlag
			if code&ErrorFlag != 0 && reply.Code == 0 {
				reply.Code = ErrorFlag
			}
		case KeySync:
			sync, err := dec.DecodeUint64()
			if err != nil {
				return reply, fmt.Errorf("%w: sync: %v", ErrMalformedReply, err)
			}
			reply.Sync = uint32(sync)
		default:
			if err := dec.Skip(); err != nil {
				return reply, fmt.Errorf("%w: header: %v", ErrMalformedReply, err)
			}
		}
	}

	// ping and some write replies carry no body at all
	n, err = dec.DecodeMapLen()
	if errors.Is(err, io.EOF) {
		return reply, nil
	}
	if err != nil {
		return reply, fmt.Errorf("%w: body: %v", ErrMalformedReply, err)
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return reply, fmt.Errorf("%w: body key: %v", ErrMalformedReply, err)
		}
		switch key {
		case KeyError:
			msg, err := dec.DecodeString()
			if err != nil {
				return reply, fmt.Errorf("%w: error: %v", ErrMalformedReply, err)
			}
			reply.Error = msg
		case KeyData:
			data, err := dec.DecodeInterfaceLoose()
			if err != nil {
				return reply, fmt.Errorf("%w: data: %v", ErrMalformedReply, err)
			}
			rows, ok := data.([]interface{})
			if !ok {
				return reply, fmt.Errorf("%w: data is %T", ErrMalformedReply, data)
			}
			for _, row := range rows {
				if tuple, ok := row.([]interface{}); ok {
					reply.Tuples = append(reply.Tuples, tuple)
				}
			}
		default:
			if err := dec.Skip(); err != nil {
				return reply, fmt.Errorf("%w: body: %v", ErrMalformedReply, err)
			}
		}
	}
	return reply, nil
}
