package column

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

type charsetInfo struct {
	enc    encoding.Encoding // nil when bytes pass through untouched
	maxLen int               // bytes per character
}

// MySQL charset names; latin1 in MySQL is cp1252
var charsets = map[string]charsetInfo{
	"":        {nil, 1},
	"binary":  {nil, 1},
	"ascii":   {nil, 1},
	"utf8":    {nil, 3},
	"utf8mb3": {nil, 3},
	"utf8mb4": {nil, 4},
	"latin1":  {charmap.Windows1252, 1},
	"latin2":  {charmap.ISO8859_2, 1},
	"latin5":  {charmap.ISO8859_9, 1},
	"latin7":  {charmap.ISO8859_13, 1},
	"greek":   {charmap.ISO8859_7, 1},
	"hebrew":  {charmap.ISO8859_8, 1},
	"cp1250":  {charmap.Windows1250, 1},
	"cp1251":  {charmap.Windows1251, 1},
	"cp1256":  {charmap.Windows1256, 1},
	"cp1257":  {charmap.Windows1257, 1},
	"cp850":   {charmap.CodePage850, 1},
	"cp852":   {charmap.CodePage852, 1},
	"cp866":   {charmap.CodePage866, 1},
	"koi8r":   {charmap.KOI8R, 1},
	"koi8u":   {charmap.KOI8U, 1},
	"gbk":     {simplifiedchinese.GBK, 2},
	"gb2312":  {simplifiedchinese.GBK, 2},
	"gb18030": {simplifiedchinese.GB18030, 4},
	"big5":    {traditionalchinese.Big5, 2},
	"sjis":    {japanese.ShiftJIS, 2},
	"cp932":   {japanese.ShiftJIS, 2},
	"ujis":    {japanese.EUCJP, 3},
	"eucjpms": {japanese.EUCJP, 3},
	"euckr":   {korean.EUCKR, 2},
	"ucs2":    {unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), 2},
	"utf16":   {unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), 4},
	"utf16le": {unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), 4},
	"utf32":   {utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM), 4},
}

// Charset returns the decoder for a MySQL charset name, or nil when the
// charset is already UTF-8 compatible
func Charset(name string) (encoding.Encoding, error) {
	info, ok := charsets[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported charset %q", name)
	}
	return info.enc, nil
}

// MaxBytesPerChar returns the widest character of a MySQL charset
func MaxBytesPerChar(name string) int {
	if info, ok := charsets[strings.ToLower(name)]; ok {
		return info.maxLen
	}
	return 1
}

var errInvalidSequence = errors.New("invalid byte sequence")

// decodeStrict converts body to UTF-8. The x/text decoders substitute
// U+FFFD for malformed input; that is an error here unless body carries an
// encoded U+FFFD of its own.
func decodeStrict(enc encoding.Encoding, body []byte) ([]byte, error) {
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, err
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		replacement, err := enc.NewEncoder().Bytes([]byte(string(utf8.RuneError)))
		if err != nil || !bytes.Contains(body, replacement) {
			return nil, errInvalidSequence
		}
	}
	return out, nil
}
