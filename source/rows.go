package source

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-mysql-org/go-mysql/replication"
)

const (
	tableIDSize    = 6
	checksumLength = replication.BinlogChecksumLength
)

var (
	ErrShortEvent    = errors.New("rows event truncated")
	ErrPartialImage  = errors.New("row image is not FULL")
	ErrUnsupportedV0 = errors.New("rows event v0 is not supported")
)

// RowsBody is the decoded post-header of a rows event
type RowsBody struct {
	TableID     uint64
	Flags       uint16
	ColumnCount int
	// Images alternate before/after for updates
	Images []byte
}

func rowsVersion(t replication.EventType) (int, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv1:
		return 1, true
	case replication.WRITE_ROWS_EVENTv2, replication.UPDATE_ROWS_EVENTv2, replication.DELETE_ROWS_EVENTv2:
		return 2, true
	case replication.WRITE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv0:
		return 0, true
	}
	return 0, false
}

func isUpdate(t replication.EventType) bool {
	return t == replication.UPDATE_ROWS_EVENTv0 || t == replication.UPDATE_ROWS_EVENTv1 || t == replication.UPDATE_ROWS_EVENTv2
}

// ParseRowsEvent decodes a complete rows event as received from the server:
// the common header, the rows post-header and the row images, with the
// trailing CRC32 removed when checksum is set
func ParseRowsEvent(raw []byte, checksum bool) (RowsBody, error) {
	if len(raw) < replication.EventHeaderSize {
		return RowsBody{}, fmt.Errorf("%w: %d byte event", ErrShortEvent, len(raw))
	}
	typ := replication.EventType(raw[4])
	body := raw[replication.EventHeaderSize:]
	if checksum {
		if len(body) < checksumLength {
			return RowsBody{}, fmt.Errorf("%w: no room for checksum", ErrShortEvent)
		}
		body = body[:len(body)-checksumLength]
	}
	return ParseRowsBody(typ, body)
}

// ParseRowsBody decodes the rows post-header: table id, flags, the v2 extra
// data block, the column count and the present-column bitmaps
func ParseRowsBody(typ replication.EventType, data []byte) (RowsBody, error) {
	version, ok := rowsVersion(typ)
	if !ok {
		return RowsBody{}, fmt.Errorf("event %s is not a rows event", typ)
	}
	if version == 0 {
		return RowsBody{}, ErrUnsupportedV0
	}

	var b RowsBody
	pos := 0
	if len(data) < tableIDSize+2 {
		return b, fmt.Errorf("%w: post-header", ErrShortEvent)
	}
	b.TableID = uint48(data[:tableIDSize])
	pos += tableIDSize
	b.Flags = binary.LittleEndian.Uint16(data[pos:])
	pos += 2

	if version == 2 {
		if len(data) < pos+2 {
			return b, fmt.Errorf("%w: extra data length", ErrShortEvent)
		}
		// the length includes its own two bytes
		extra := int(binary.LittleEndian.Uint16(data[pos:]))
		if extra < 2 || len(data) < pos+extra {
			return b, fmt.Errorf("%w: extra data", ErrShortEvent)
		}
		pos += extra
	}

	count, n, err := lengthEncodedInt(data[pos:])
	if err != nil {
		return b, err
	}
	pos += n
	b.ColumnCount = int(count)

	bitmaps := 1
	if isUpdate(typ) {
		bitmaps = 2
	}
	size := (b.ColumnCount + 7) / 8
	for i := 0; i < bitmaps; i++ {
		if len(data) < pos+size {
			return b, fmt.Errorf("%w: column bitmap", ErrShortEvent)
		}
		if !allSet(data[pos:pos+size], b.ColumnCount) {
			return b, ErrPartialImage
		}
		pos += size
	}

	b.Images = data[pos:]
	return b, nil
}

func uint48(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

// allSet reports whether the first n bits of bitmap are set
func allSet(bitmap []byte, n int) bool {
	for i := 0; i < n; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) == 0 {
			return false
		}
	}
	return true
}

func lengthEncodedInt(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: column count", ErrShortEvent)
	}
	width := 0
	switch b[0] {
	case 0xfc:
		width = 2
	case 0xfd:
		width = 3
	case 0xfe:
		width = 8
	case 0xfb, 0xff:
		return 0, 0, fmt.Errorf("invalid length-encoded integer prefix 0x%02x", b[0])
	default:
		return uint64(b[0]), 1, nil
	}
	if len(b) < 1+width {
		return 0, 0, fmt.Errorf("%w: column count", ErrShortEvent)
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(b[1+i]) << (8 * uint(i))
	}
	return v, 1 + width, nil
}
