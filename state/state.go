// Package state holds the replication progress shared by the capture and
// sink stages, the admin API and the metrics collector.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/replicatord/replicatord/common"
)

// RestoreFunc reads the durably committed position back from the sink
type RestoreFunc func(ctx context.Context) (common.Position, error)

// PersistFunc durably commits the current position
type PersistFunc func(ctx context.Context) error

var ErrNoHooks = errors.New("state hooks not set")

// State is safe for concurrent use. No I/O happens under its lock.
type State struct {
	mu sync.Mutex

	position    common.Position
	committed   common.Position
	lastEvent   time.Time
	connections int
	processing  bool
	startedAt   time.Time

	restore RestoreFunc
	persist PersistFunc

	now func() time.Time
}

// Status is a point-in-time copy of the state
type Status struct {
	Position      string `json:"position"`
	Committed     string `json:"committed"`
	LastEvent     int64  `json:"last_event_unix"`
	SecondsBehind uint32 `json:"seconds_behind_master"`
	Connections   int    `json:"connections"`
	Processing    bool   `json:"processing"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func New() *State {
	return &State{now: time.Now, startedAt: time.Now()}
}

// SetPosition advances the in-memory position; it never moves backwards
func (s *State) SetPosition(p common.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = s.position.Max(p)
}

func (s *State) Position() common.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// SetCommitted records a position the sink durably holds
func (s *State) SetCommitted(p common.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = s.committed.Max(p)
	s.position = s.position.Max(p)
}

func (s *State) Committed() common.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// SetLastEvent records the source timestamp of the latest processed event
func (s *State) SetLastEvent(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEvent = t
}

func (s *State) LastEvent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEvent
}

// SecondsBehind is the age of the latest event, zero before any event
func (s *State) SecondsBehind() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secondsBehindLocked()
}

func (s *State) secondsBehindLocked() uint32 {
	if s.lastEvent.IsZero() {
		return 0
	}
	d := s.now().Sub(s.lastEvent)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

func (s *State) ConnectionOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections++
}

func (s *State) ConnectionClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connections > 0 {
		s.connections--
	}
}

func (s *State) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *State) SetProcessing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = v
}

func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

func (s *State) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Position:      s.position.String(),
		Committed:     s.committed.String(),
		SecondsBehind: s.secondsBehindLocked(),
		Connections:   s.connections,
		Processing:    s.processing,
		UptimeSeconds: int64(s.now().Sub(s.startedAt) / time.Second),
	}
	if !s.lastEvent.IsZero() {
		st.LastEvent = s.lastEvent.Unix()
	}
	return st
}

func (s *State) SetHooks(restore RestoreFunc, persist PersistFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restore = restore
	s.persist = persist
}

// Restore reads the committed position from the sink and makes it both the
// current and the committed position
func (s *State) Restore(ctx context.Context) (common.Position, error) {
	s.mu.Lock()
	restore := s.restore
	s.mu.Unlock()

	if restore == nil {
		return common.Position{}, ErrNoHooks
	}
	pos, err := restore(ctx)
	if err != nil {
		return common.Position{}, err
	}

	s.mu.Lock()
	s.committed = pos
	s.position = pos
	s.mu.Unlock()
	return pos, nil
}

// Persist asks the sink for a forced durable commit
func (s *State) Persist(ctx context.Context) error {
	s.mu.Lock()
	persist := s.persist
	s.mu.Unlock()

	if persist == nil {
		return ErrNoHooks
	}
	return persist(ctx)
}
