package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/schema"
)

var errStreamClosed = errors.New("stream closed")

type fakeRows struct {
	mu     sync.Mutex
	rows   [][][]byte
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[r.pos-1]
}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRows) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeStream replays events, then blocks until closed or failed
type fakeStream struct {
	events chan Event
	fail   error
	done   chan struct{}
	once   sync.Once
}

func (s *fakeStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	default:
	}
	if s.fail != nil {
		return Event{}, s.fail
	}
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		return Event{}, errStreamClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeSource struct {
	mu       sync.Mutex
	columns  map[string][]schema.ColumnDef
	tables   map[string][]string
	tail     common.Position
	snapshot map[string][][][]byte
	events   []Event
	fail     error

	scans      []string
	openedRows []*fakeRows
	streamFrom []common.Position
	streams    []*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		columns:  make(map[string][]schema.ColumnDef),
		tables:   make(map[string][]string),
		snapshot: make(map[string][][][]byte),
	}
}

func (f *fakeSource) Columns(ctx context.Context, database, table string) ([]schema.ColumnDef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	defs, ok := f.columns[database+"."+table]
	if !ok {
		return nil, errors.New("no such table")
	}
	return defs, nil
}

func (f *fakeSource) Tables(ctx context.Context, database string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[database], nil
}

func (f *fakeSource) TailPosition(ctx context.Context) (common.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail, nil
}

func (f *fakeSource) Scan(ctx context.Context, database, table string, columns []string) (Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := database + "." + table
	f.scans = append(f.scans, key)
	rows := &fakeRows{rows: f.snapshot[key]}
	f.openedRows = append(f.openedRows, rows)
	return rows, nil
}

func (f *fakeSource) Stream(ctx context.Context, from common.Position) (EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamFrom = append(f.streamFrom, from)
	s := &fakeStream{
		events: make(chan Event, len(f.events)+1),
		fail:   f.fail,
		done:   make(chan struct{}),
	}
	for _, ev := range f.events {
		s.events <- ev
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeSource) Close() error { return nil }
