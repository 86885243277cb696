// Package encoding holds the msgpack conventions of the Tarantool 1.6
// protocol: how column values are written and how decoded tuple fields are
// read back. Marshal and Unmarshal are safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := msgpack.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(data []byte, v interface{}) error {
	return NewDecoder(data).Decode(v)
}

// NewDecoder decodes interface{} targets loosely: integers of every width
// come back as int64 or uint64 and msgpack str as a Go string, whatever
// the server chose to send.
func NewDecoder(data []byte) *msgpack.Decoder {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec
}
