package column

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	datetimeIntOffset = 0x8000000000
	timeIntOffset     = 0x800000
	timeOffset        = 0x800000000000
)

func temporal2Width(base int) func(*Meta) (int, error) {
	return func(m *Meta) (int, error) {
		if m.Length < 0 || m.Length > 6 {
			return 0, fmt.Errorf("invalid fractional precision %d", m.Length)
		}
		return base + fracWidth(m.Length), nil
	}
}

func fracWidth(fsp int) int { return (fsp + 1) / 2 }

// fracValue scales microseconds to the stored fraction for a width of n bytes
func fracValue(micro, n int) int64 {
	switch n {
	case 1:
		return int64(micro / 10000)
	case 2:
		return int64(micro / 100)
	case 3:
		return int64(micro)
	}
	return 0
}

type dateTimeParts struct {
	year, month, day     int
	hour, minute, second int
	micro                int
}

func (p dateTimeParts) isZero() bool {
	return p == dateTimeParts{}
}

// parseDateTimeText accepts "YYYY-MM-DD[ hh:mm:ss[.ffffff]]"
func parseDateTimeText(text []byte) (dateTimeParts, error) {
	var p dateTimeParts
	s := strings.TrimSpace(string(text))
	datePart, timePart, hasTime := strings.Cut(s, " ")

	ymd := strings.Split(datePart, "-")
	if len(ymd) != 3 {
		return p, fmt.Errorf("bad date")
	}
	var err error
	if p.year, err = strconv.Atoi(ymd[0]); err != nil {
		return p, err
	}
	if p.month, err = strconv.Atoi(ymd[1]); err != nil {
		return p, err
	}
	if p.day, err = strconv.Atoi(ymd[2]); err != nil {
		return p, err
	}

	if hasTime {
		var neg bool
		neg, p.hour, p.minute, p.second, p.micro, err = parseClock(timePart)
		if err != nil {
			return p, err
		}
		if neg || p.hour > 23 {
			return p, fmt.Errorf("bad time of day")
		}
	}
	return p, nil
}

// parseClock accepts "[-]h:mm:ss[.ffffff]" with hours up to 838
func parseClock(s string) (neg bool, h, m, sec, micro int, err error) {
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	clock, frac, _ := strings.Cut(s, ".")
	hms := strings.Split(clock, ":")
	if len(hms) != 3 {
		return false, 0, 0, 0, 0, fmt.Errorf("bad time")
	}
	if h, err = strconv.Atoi(hms[0]); err != nil {
		return
	}
	if m, err = strconv.Atoi(hms[1]); err != nil {
		return
	}
	if sec, err = strconv.Atoi(hms[2]); err != nil {
		return
	}
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		if micro, err = strconv.Atoi(frac); err != nil {
			return
		}
	}
	return
}

func parseDate(c *Codec, text []byte) (Value, error) {
	p, err := parseDateTimeText(text)
	if err != nil {
		return Value{}, err
	}
	return uintOfWidth(c.width, uint64(p.day|p.month<<5|p.year<<9)), nil
}

func parseYear(c *Codec, text []byte) (Value, error) {
	y, err := strconv.Atoi(strings.TrimSpace(string(text)))
	if err != nil {
		return Value{}, err
	}
	if y != 0 {
		y -= 1900
	}
	if y < 0 || y > 255 {
		return Value{}, fmt.Errorf("year out of range")
	}
	return uintOfWidth(c.width, uint64(y)), nil
}

func parseLegacyTime(_ *Codec, text []byte) (Value, error) {
	neg, h, m, s, _, err := parseClock(strings.TrimSpace(string(text)))
	if err != nil {
		return Value{}, err
	}
	v := int32(h*10000 + m*100 + s)
	if neg {
		v = -v
	}
	return Int24(v), nil
}

func parseLegacyDateTime(c *Codec, text []byte) (Value, error) {
	p, err := parseDateTimeText(text)
	if err != nil {
		return Value{}, err
	}
	ymd := uint64(p.year*10000 + p.month*100 + p.day)
	hms := uint64(p.hour*10000 + p.minute*100 + p.second)
	return uintOfWidth(c.width, ymd*1000000+hms), nil
}

func epochSeconds(p dateTimeParts) int64 {
	if p.isZero() || (p.year == 0 && p.month == 0 && p.day == 0) {
		return 0
	}
	return time.Date(p.year, time.Month(p.month), p.day, p.hour, p.minute, p.second, 0, time.UTC).Unix()
}

// parseLegacyTimestamp expects the text in UTC
func parseLegacyTimestamp(c *Codec, text []byte) (Value, error) {
	p, err := parseDateTimeText(text)
	if err != nil {
		return Value{}, err
	}
	return uintOfWidth(c.width, uint64(epochSeconds(p))), nil
}

func parseDateTime2(c *Codec, text []byte) (Value, error) {
	p, err := parseDateTimeText(text)
	if err != nil {
		return Value{}, err
	}
	fw := fracWidth(c.meta.Length)

	ym := int64(p.year*13 + p.month)
	ymd := ym<<5 | int64(p.day)
	hms := int64(p.hour<<12 | p.minute<<6 | p.second)
	packed := uint64(ymd<<17|hms) + datetimeIntOffset

	packed = packed<<(8*uint(fw)) | uint64(fracValue(p.micro, fw))
	return uintOfWidth(c.width, packed), nil
}

func parseTimestamp2(c *Codec, text []byte) (Value, error) {
	p, err := parseDateTimeText(text)
	if err != nil {
		return Value{}, err
	}
	fw := fracWidth(c.meta.Length)
	packed := uint64(uint32(epochSeconds(p)))
	packed = packed<<(8*uint(fw)) | uint64(fracValue(p.micro, fw))
	return uintOfWidth(c.width, packed), nil
}

// parseTime2 packs like my_time_packed_to_binary: the sign and the integer
// part share the offset, negative fractions borrow from the integer part.
func parseTime2(c *Codec, text []byte) (Value, error) {
	neg, h, m, s, micro, err := parseClock(strings.TrimSpace(string(text)))
	if err != nil {
		return Value{}, err
	}
	fw := fracWidth(c.meta.Length)

	nr := int64(h<<12|m<<6|s)<<24 + int64(fracValue(micro, fw)*scaleOf(fw))
	if neg {
		nr = -nr
	}
	intPart := nr >> 24
	fracPart := nr % (1 << 24)

	var packed uint64
	switch fw {
	case 0:
		packed = uint64(timeIntOffset + intPart)
	case 1:
		packed = uint64(timeIntOffset+intPart)<<8 | uint64(byte(int8(fracPart/10000)))
	case 2:
		packed = uint64(timeIntOffset+intPart)<<16 | uint64(uint16(int16(fracPart/100)))
	default:
		packed = uint64(nr + timeOffset)
	}
	return uintOfWidth(c.width, packed&(1<<(8*uint(c.width))-1)), nil
}

// scaleOf undoes fracValue so the packed fraction is in microseconds
func scaleOf(n int) int64 {
	switch n {
	case 1:
		return 10000
	case 2:
		return 100
	}
	return 1
}
