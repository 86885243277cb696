package column

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const digitsPerGroup = 9

// bytes needed for a leftover group of n digits
var dig2bytes = [digitsPerGroup + 1]int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

// decimalLayout describes the packed form of DECIMAL(M,D)
type decimalLayout struct {
	intg, frac    int // digits before and after the point
	intg0, intg0x int // full groups and leftover digits of the integer part
	frac0, frac0x int
	size          int
}

func newDecimalLayout(precision, scale int) decimalLayout {
	l := decimalLayout{intg: precision - scale, frac: scale}
	l.intg0, l.intg0x = l.intg/digitsPerGroup, l.intg%digitsPerGroup
	l.frac0, l.frac0x = l.frac/digitsPerGroup, l.frac%digitsPerGroup
	l.size = l.intg0*4 + dig2bytes[l.intg0x] + l.frac0*4 + dig2bytes[l.frac0x]
	return l
}

func decimalWidth(m *Meta) (int, error) {
	if m.Precision < 1 || m.Precision > 65 || m.Scale < 0 || m.Scale > 30 || m.Scale > m.Precision {
		return 0, fmt.Errorf("invalid decimal(%d,%d)", m.Precision, m.Scale)
	}
	return newDecimalLayout(m.Precision, m.Scale).size, nil
}

func decodeDecimal(c *Codec, raw []byte) (Value, int, error) {
	l := c.dec
	if err := need(raw, l.size); err != nil {
		return Value{}, 0, err
	}

	buf := make([]byte, l.size)
	copy(buf, raw[:l.size])

	negative := buf[0]&0x80 == 0
	buf[0] ^= 0x80
	if negative {
		for i := range buf {
			buf[i] ^= 0xFF
		}
	}

	var sb strings.Builder
	if negative {
		sb.WriteByte('-')
	}

	pos := 0
	wroteInt := false
	writeGroup := func(n, digits int, pad bool) {
		s := strconv.FormatUint(uint64(n), 10)
		if pad {
			sb.WriteString(strings.Repeat("0", digits-len(s)))
		}
		sb.WriteString(s)
	}

	if l.intg0x > 0 {
		w := dig2bytes[l.intg0x]
		n := int(getUintBE(buf[pos : pos+w]))
		pos += w
		if n > 0 {
			writeGroup(n, l.intg0x, false)
			wroteInt = true
		}
	}
	for i := 0; i < l.intg0; i++ {
		n := int(getUintBE(buf[pos : pos+4]))
		pos += 4
		if wroteInt {
			writeGroup(n, digitsPerGroup, true)
		} else if n > 0 {
			writeGroup(n, digitsPerGroup, false)
			wroteInt = true
		}
	}
	if !wroteInt {
		sb.WriteByte('0')
	}

	if l.frac > 0 {
		sb.WriteByte('.')
		for i := 0; i < l.frac0; i++ {
			n := int(getUintBE(buf[pos : pos+4]))
			pos += 4
			writeGroup(n, digitsPerGroup, true)
		}
		if l.frac0x > 0 {
			w := dig2bytes[l.frac0x]
			n := int(getUintBE(buf[pos : pos+w]))
			writeGroup(n, l.frac0x, true)
		}
	}

	f, err := strconv.ParseFloat(sb.String(), 64)
	if err != nil {
		return Value{}, 0, fmt.Errorf("decimal %q: %w", sb.String(), err)
	}
	return Decimal(f), l.size, nil
}

func appendDecimal(c *Codec, dst []byte, v Value) ([]byte, error) {
	l := c.dec
	f := math.Float64frombits(v.num)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return dst, fmt.Errorf("decimal cannot hold %v", f)
	}

	text := strconv.FormatFloat(math.Abs(f), 'f', l.frac, 64)
	intPart, fracPart, _ := strings.Cut(text, ".")
	if intPart == "0" {
		intPart = ""
	}
	if len(intPart) > l.intg {
		return dst, fmt.Errorf("%v overflows decimal(%d,%d)", f, l.intg+l.frac, l.frac)
	}
	intPart = strings.Repeat("0", l.intg-len(intPart)) + intPart
	negative := f < 0 && strings.Trim(intPart+fracPart, "0") != ""

	buf := make([]byte, 0, l.size)
	digits := func(s string) uint64 {
		n, _ := strconv.ParseUint(s, 10, 64)
		return n
	}

	if l.intg0x > 0 {
		buf = putUintBE(buf, dig2bytes[l.intg0x], digits(intPart[:l.intg0x]))
	}
	for i := 0; i < l.intg0; i++ {
		off := l.intg0x + i*digitsPerGroup
		buf = putUintBE(buf, 4, digits(intPart[off:off+digitsPerGroup]))
	}
	for i := 0; i < l.frac0; i++ {
		off := i * digitsPerGroup
		buf = putUintBE(buf, 4, digits(fracPart[off:off+digitsPerGroup]))
	}
	if l.frac0x > 0 {
		off := l.frac0 * digitsPerGroup
		buf = putUintBE(buf, dig2bytes[l.frac0x], digits(fracPart[off:off+l.frac0x]))
	}

	if negative {
		for i := range buf {
			buf[i] ^= 0xFF
		}
	}
	buf[0] ^= 0x80
	return append(dst, buf...), nil
}
