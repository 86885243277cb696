package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replicatord/replicatord/column"
	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/schema"
	"github.com/replicatord/replicatord/telemetry"
	"github.com/rs/zerolog/log"
)

type mode uint8

const (
	modeSnapshot mode = iota
	modeTail
)

type tableKey struct {
	database string
	table    string
}

// Sequence is a lazily pulled stream of change records. Next is called from
// one goroutine; Stop may be called from any.
type Sequence struct {
	p       *Pipeline
	tables  []*schema.Table
	tracked map[tableKey]*schema.Table

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mode mode
	// boundary is the last transaction boundary passed. In snapshot mode it
	// is the tail position captured before the scan.
	boundary common.Position
	pending  []common.ChangeRecord

	// snapshot cursor
	next    int
	current *schema.Table

	closeMu sync.Mutex
	rows    Rows
	stream  EventStream

	now func() time.Time
}

func newSequence(p *Pipeline, tables []*schema.Table) *Sequence {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequence{
		p:       p,
		tables:  tables,
		tracked: make(map[tableKey]*schema.Table, len(tables)),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	for _, t := range tables {
		s.tracked[tableKey{t.Database, t.Name}] = t
	}
	return s
}

// Stop ends the sequence. Pending source reads are aborted and every later
// Next returns io.EOF.
func (s *Sequence) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.cancel()

	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.stream != nil {
		s.stream.Close()
	}
	if s.rows != nil {
		s.rows.Close()
	}
}

// Snapshotting reports whether the sequence is still in the initial scan
func (s *Sequence) Snapshotting() bool { return s.mode == modeSnapshot }

// Next returns the next record, io.EOF after Stop, or a fatal error
func (s *Sequence) Next(ctx context.Context) (common.ChangeRecord, error) {
	for {
		if s.stopped.Load() {
			s.release()
			return common.ChangeRecord{}, io.EOF
		}
		if len(s.pending) > 0 {
			rec := s.pending[0]
			s.pending = s.pending[1:]
			telemetry.RecordsCaptured.With(rec.Operation.String()).Inc()
			return rec, nil
		}

		var err error
		switch s.mode {
		case modeSnapshot:
			err = s.snapshotStep()
		case modeTail:
			err = s.tailStep(ctx)
		}
		if err != nil {
			if s.stopped.Load() {
				s.release()
				return common.ChangeRecord{}, io.EOF
			}
			return common.ChangeRecord{}, err
		}
	}
}

// release closes whatever the sequence still holds open
func (s *Sequence) release() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
}

func (s *Sequence) setRows(rows Rows) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.rows = rows
	if s.stopped.Load() && rows != nil {
		rows.Close()
	}
}

func (s *Sequence) setStream(stream EventStream) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.stream = stream
	if s.stopped.Load() && stream != nil {
		stream.Close()
	}
}

// snapshotStep handles at most one row, or one table transition
func (s *Sequence) snapshotStep() error {
	cfg := s.p.config

	if s.rows == nil {
		if s.next >= len(s.tables) {
			s.finishSnapshot()
			return nil
		}
		s.current = s.tables[s.next]
		s.next++

		log.Info().Str("db", s.current.Database).Str("table", s.current.Name).Msg("Snapshotting table")
		rows, err := cfg.Source.Scan(s.ctx, s.current.Database, s.current.Name, s.current.ColumnNames())
		if err != nil {
			return fmt.Errorf("snapshot %s.%s: %w", s.current.Database, s.current.Name, err)
		}
		s.setRows(rows)
		return nil
	}

	if !s.rows.Next() {
		err := s.rows.Err()
		s.setRows(nil)
		if err != nil {
			return fmt.Errorf("snapshot %s.%s: %w", s.current.Database, s.current.Name, err)
		}
		return nil
	}

	cfg.Activity()
	now := s.now()
	cfg.State.SetLastEvent(now)
	telemetry.SnapshotRows.Inc()

	full, err := s.current.ParseRow(s.rows.Values())
	if err != nil {
		if errors.Is(err, column.ErrTranscode) {
			telemetry.RowDecodeErrors.Inc()
			log.Warn().Err(err).Str("db", s.current.Database).Str("table", s.current.Name).Msg("Skipping snapshot row")
			return nil
		}
		return fmt.Errorf("snapshot %s.%s: %w", s.current.Database, s.current.Name, err)
	}

	row := s.current.Project(full)
	if !cfg.Filters.Pass(s.current.Database, s.current.Name, row) {
		telemetry.RowsFiltered.Inc()
		return nil
	}

	s.pending = append(s.pending, common.ChangeRecord{
		Database:   s.current.Database,
		Table:      s.current.Name,
		Operation:  common.OpInsert,
		Row:        row,
		CapturedAt: now,
	})
	return nil
}

// finishSnapshot emits the captured tail position and switches to tail
func (s *Sequence) finishSnapshot() {
	log.Info().Str("binlog", s.boundary.String()).Msg("Snapshot complete, switching to binlog tail")

	s.p.config.State.SetPosition(s.boundary)
	s.pending = append(s.pending, common.ChangeRecord{
		Position:   s.boundary,
		Operation:  common.OpPositionOnly,
		CapturedAt: s.now(),
	})
	s.mode = modeTail
}

// tailStep reads and handles one binlog event
func (s *Sequence) tailStep(ctx context.Context) error {
	cfg := s.p.config

	if s.stream == nil {
		log.Info().Str("binlog", s.boundary.String()).Msg("Opening binlog stream")
		stream, err := cfg.Source.Stream(s.ctx, s.boundary)
		if err != nil {
			return fmt.Errorf("open binlog at %s: %w", s.boundary, err)
		}
		s.setStream(stream)
		if s.stopped.Load() {
			return nil
		}
	}

	ev, err := s.stream.Next(ctx)
	if err != nil {
		return fmt.Errorf("read binlog after %s: %w", cfg.State.Position(), err)
	}

	cfg.Activity()
	now := s.now()
	if ev.Timestamp.IsZero() || ev.Type == EventHeartbeat {
		cfg.State.SetLastEvent(now)
	} else {
		cfg.State.SetLastEvent(ev.Timestamp)
	}

	switch ev.Type {
	case EventCommit:
		s.boundary = s.boundary.Max(ev.Position)
		cfg.State.SetPosition(s.boundary)
		s.pending = append(s.pending, common.ChangeRecord{
			Position:   s.boundary,
			Operation:  common.OpPositionOnly,
			CapturedAt: now,
		})
	case EventWrite, EventUpdate, EventDelete:
		if err := s.rowsEvent(ev, now); err != nil {
			return err
		}
		cfg.State.SetPosition(ev.Position)
	}
	return nil
}

func (s *Sequence) rowsEvent(ev Event, now time.Time) error {
	cfg := s.p.config

	tbl, ok := s.tracked[tableKey{ev.Database, ev.Table}]
	if !ok {
		return nil
	}
	if ev.ColumnCount != tbl.NumColumns() {
		return fmt.Errorf("%s.%s at %s: binlog has %d columns, schema has %d",
			ev.Database, ev.Table, ev.Position, ev.ColumnCount, tbl.NumColumns())
	}

	var behind uint32
	if !ev.Timestamp.IsZero() && now.After(ev.Timestamp) {
		behind = uint32(now.Sub(ev.Timestamp) / time.Second)
	}

	op := common.OpInsert
	switch ev.Type {
	case EventUpdate:
		op = common.OpUpdate
	case EventDelete:
		op = common.OpDelete
	}

	body := ev.Rows
	for len(body) > 0 {
		var before column.Row
		var skip bool

		if op == common.OpUpdate {
			full, n, err := tbl.DecodeRow(body)
			if err != nil {
				if !errors.Is(err, column.ErrTranscode) {
					return fmt.Errorf("decode rows at %s: %w", ev.Position, err)
				}
				s.skipRow(ev, err)
				skip = true
			} else {
				before = tbl.Project(full)
			}
			body = body[n:]
		}

		full, n, err := tbl.DecodeRow(body)
		if err != nil {
			if !errors.Is(err, column.ErrTranscode) {
				return fmt.Errorf("decode rows at %s: %w", ev.Position, err)
			}
			if !skip {
				s.skipRow(ev, err)
			}
			skip = true
		}
		body = body[n:]
		if skip {
			continue
		}

		row := tbl.Project(full)
		if !cfg.Filters.Pass(ev.Database, ev.Table, row) {
			telemetry.RowsFiltered.Inc()
			continue
		}

		s.pending = append(s.pending, common.ChangeRecord{
			Position:      s.boundary,
			Database:      ev.Database,
			Table:         ev.Table,
			Operation:     op,
			Row:           row,
			Before:        before,
			CapturedAt:    now,
			SecondsBehind: behind,
		})
	}
	return nil
}

func (s *Sequence) skipRow(ev Event, err error) {
	telemetry.RowDecodeErrors.Inc()
	log.Warn().
		Err(err).
		Str("db", ev.Database).
		Str("table", ev.Table).
		Str("binlog", ev.Position.String()).
		Msg("Skipping undecodable row")
}
