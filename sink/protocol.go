// Package sink writes change records to Tarantool and commits the binlog
// position next to the data.
package sink

import (
	"bufio"
	"fmt"
	"sort"
	"sync"

	"github.com/replicatord/replicatord/column"
	"github.com/replicatord/replicatord/common"
)

// Reply is one parsed server reply
type Reply struct {
	Sync   uint32
	Code   uint32
	Error  string
	Tuples [][]interface{}
}

// PositionRecord is the content of the commit tuple
type PositionRecord struct {
	Key           uint32
	Position      common.Position
	SecondsBehind uint32
	Timestamp     int64
}

// Protocol encodes requests and parses replies for one iproto version.
// Append methods append a complete framed request to dst.
type Protocol interface {
	Name() string

	// Handshake runs right after dial, before any request is sent
	Handshake(rw *bufio.ReadWriter, user, password string) error

	AppendSelect(dst []byte, sync, space, index uint32, key column.Row) ([]byte, error)
	AppendReplace(dst []byte, sync, space uint32, tuple column.Row) ([]byte, error)
	AppendDelete(dst []byte, sync, space uint32, key column.Row) ([]byte, error)
	AppendCall(dst []byte, sync uint32, proc string, args column.Row) ([]byte, error)
	AppendPing(dst []byte, sync uint32) []byte

	ReadReply(r *bufio.Reader) (Reply, error)

	// PositionTuple builds the tuple stored in the position space
	PositionTuple(rec PositionRecord) column.Row
}

// ProtocolFactory creates a protocol codec
type ProtocolFactory func() Protocol

var (
	protocolsMu sync.RWMutex
	protocols   = make(map[string]ProtocolFactory)
)

// RegisterProtocol makes a protocol available by name. Protocol packages
// call it from init.
func RegisterProtocol(name string, factory ProtocolFactory) {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	protocols[name] = factory
}

// NewProtocol creates the protocol registered under name
func NewProtocol(name string) (Protocol, error) {
	protocolsMu.RLock()
	factory, ok := protocols[name]
	protocolsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tarantool protocol %q (registered: %v)", name, Protocols())
	}
	return factory(), nil
}

// Protocols returns the registered protocol names
func Protocols() []string {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()

	names := make([]string, 0, len(protocols))
	for name := range protocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
