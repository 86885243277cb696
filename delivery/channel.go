// Package delivery hands change records from capture to the sink in order,
// blocking the producer once the high-water mark is reached.
package delivery

import (
	"context"
	"time"

	"github.com/replicatord/replicatord/common"
)

const DefaultHighWaterMark = 10000

// StatusKind is the sink connection state reported back to the driver
type StatusKind uint8

const (
	Connected StatusKind = iota + 1
	Disconnected
)

func (k StatusKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Status is a sink notification. Position is the committed position read
// back on connect.
//
// A connect carries Ready. The sink does not receive until the driver closes
// it, once the previous capture is gone and the channel is empty.
type Status struct {
	Kind     StatusKind
	Position common.Position
	Ready    chan struct{}
}

// Release closes Ready, if any
func (s Status) Release() {
	if s.Ready != nil {
		close(s.Ready)
	}
}

type Channel struct {
	records  chan common.ChangeRecord
	statuses chan Status
}

func New(highWaterMark int) *Channel {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	return &Channel{
		records:  make(chan common.ChangeRecord, highWaterMark),
		statuses: make(chan Status, 4),
	}
}

// Send blocks while the channel is full. It only fails when ctx ends.
func (c *Channel) Send(ctx context.Context, rec common.ChangeRecord) error {
	select {
	case c.records <- rec:
		return nil
	default:
	}

	select {
	case c.records <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to timeout for the next record
func (c *Channel) Receive(timeout time.Duration) (common.ChangeRecord, bool) {
	select {
	case rec := <-c.records:
		return rec, true
	default:
	}
	if timeout <= 0 {
		return common.ChangeRecord{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-c.records:
		return rec, true
	case <-timer.C:
		return common.ChangeRecord{}, false
	}
}

func (c *Channel) Len() int { return len(c.records) }

func (c *Channel) Cap() int { return cap(c.records) }

// Reset discards queued records and returns how many were dropped
func (c *Channel) Reset() int {
	n := 0
	for {
		select {
		case <-c.records:
			n++
		default:
			return n
		}
	}
}

func (c *Channel) Notify(ctx context.Context, s Status) error {
	select {
	case c.statuses <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Statuses() <-chan Status { return c.statuses }
