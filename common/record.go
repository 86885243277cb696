package common

import (
	"time"

	"github.com/replicatord/replicatord/column"
)

// Operation is the kind of change carried by a ChangeRecord
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
	// OpPositionOnly carries no row and only advances the committed position
	OpPositionOnly
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpPositionOnly:
		return "position"
	}
	return "unknown"
}

// IsMutation returns true if the record carries a row
func (op Operation) IsMutation() bool {
	return op != OpPositionOnly
}

// ChangeRecord is one normalized change handed from capture to the sink.
// Row is in projected column order. Before is set for updates only.
type ChangeRecord struct {
	Position      Position
	Database      string
	Table         string
	Operation     Operation
	Row           column.Row
	Before        column.Row
	CapturedAt    time.Time
	SecondsBehind uint32
}

// Staleness returns how far behind the source the record was at now
func (r ChangeRecord) Staleness(now time.Time) time.Duration {
	lag := time.Duration(r.SecondsBehind) * time.Second
	if !r.CapturedAt.IsZero() && now.After(r.CapturedAt) {
		lag += now.Sub(r.CapturedAt)
	}
	return lag
}
