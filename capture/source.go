// Package capture turns an initial table snapshot followed by the binlog
// tail into an ordered, lazily pulled sequence of change records.
package capture

import (
	"context"
	"time"

	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/schema"
)

// Source is the upstream MySQL server
type Source interface {
	// Columns returns the live column definitions in ordinal order
	Columns(ctx context.Context, database, table string) ([]schema.ColumnDef, error)
	// Tables lists the base tables of database
	Tables(ctx context.Context, database string) ([]string, error)
	// TailPosition is the current end of the binary log
	TailPosition(ctx context.Context) (common.Position, error)
	// Scan reads every row of a table in text form, columns in the given order
	Scan(ctx context.Context, database, table string, columns []string) (Rows, error)
	// Stream opens the binlog at from
	Stream(ctx context.Context, from common.Position) (EventStream, error)
	Close() error
}

// Rows iterates snapshot rows. A nil element in Values is NULL.
type Rows interface {
	Next() bool
	Values() [][]byte
	Err() error
	Close() error
}

// EventStream yields binlog events in log order. Close unblocks a pending
// Next from another goroutine.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

type EventType uint8

const (
	EventWrite EventType = iota + 1
	EventUpdate
	EventDelete
	EventCommit
	EventHeartbeat
)

func (t EventType) String() string {
	switch t {
	case EventWrite:
		return "write"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	case EventCommit:
		return "commit"
	case EventHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Event is one binlog event reduced to what capture needs. Rows holds the
// row images of a rows event, each a null bitmap followed by the column
// values; update events alternate before and after images. Position is the
// position right after the event.
type Event struct {
	Type        EventType
	Database    string
	Table       string
	ColumnCount int
	Rows        []byte
	Timestamp   time.Time
	Position    common.Position
}

// IsRows reports whether the event carries row images
func (e Event) IsRows() bool {
	return e.Type == EventWrite || e.Type == EventUpdate || e.Type == EventDelete
}
