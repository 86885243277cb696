package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/replicatord/replicatord/column"
	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/encoding"
	"github.com/replicatord/replicatord/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected  = errors.New("tarantool not connected")
	ErrThrottled     = errors.New("tarantool connect attempt throttled")
	ErrWriteRejected = errors.New("tarantool rejected write")
	// ErrMapping marks records the configuration cannot map; never retried
	ErrMapping = errors.New("mapping error")
)

const (
	DefaultConnectRetry = 15 * time.Second
	DefaultSyncInterval = time.Second
	DefaultPingInterval = 5 * time.Second
	DefaultDialTimeout  = 3 * time.Second

	sendBufferSize = 102400
	recvBufferSize = 10240
	replyQueueSize = 1024
	throttleSleep  = time.Second
)

// Dialer opens the transport, net.Dialer.DialContext by default
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type WriterConfig struct {
	Protocol          string // registered protocol name, "1.5" or "1.6"
	Address           string
	User              string
	Password          string
	PositionSpace     uint32
	PositionKey       uint32
	ConnectRetry      time.Duration
	SyncInterval      time.Duration
	PingInterval      time.Duration
	DialTimeout       time.Duration
	DisconnectOnError bool
	Dial              Dialer
}

type inflightOp struct {
	op       string
	database string
	table    string
	space    uint32
	position common.Position
}

type readResult struct {
	reply Reply
	err   error
}

// Writer owns one Tarantool connection. It is driven by a single goroutine;
// only the reply reader runs alongside it.
type Writer struct {
	config  WriterConfig
	proto   Protocol
	targets *targets

	conn     net.Conn
	bw       *bufio.Writer
	replies  chan readResult
	stopRead chan struct{}
	readDone chan struct{}

	seq      uint32
	inflight map[uint32]inflightOp
	buf      []byte

	latest        common.Position
	committed     common.Position
	secondsBehind uint32
	lastTimestamp int64

	nextConnect time.Time
	nextSync    time.Time
	nextPing    time.Time

	now func() time.Time
}

func NewWriter(config WriterConfig, targetList []Target) (*Writer, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("tarantool address is required")
	}

	proto, err := NewProtocol(config.Protocol)
	if err != nil {
		return nil, err
	}

	ts, err := newTargets(append([]Target(nil), targetList...))
	if err != nil {
		return nil, err
	}

	if config.ConnectRetry <= 0 {
		config.ConnectRetry = DefaultConnectRetry
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.Dial == nil {
		d := &net.Dialer{}
		config.Dial = d.DialContext
	}

	return &Writer{
		config:  config,
		proto:   proto,
		targets: ts,
		buf:     make([]byte, 0, 512),
		now:     time.Now,
	}, nil
}

func (w *Writer) Connected() bool { return w.conn != nil }

// Latest is the newest position applied, Committed the newest one written
// to the position space
func (w *Writer) Latest() common.Position    { return w.latest }
func (w *Writer) Committed() common.Position { return w.committed }

// InFlight is the number of requests without a reply yet
func (w *Writer) InFlight() int { return len(w.inflight) }

// Connect dials and handshakes. Attempts closer than ConnectRetry apart
// sleep briefly and return ErrThrottled.
func (w *Writer) Connect(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}

	now := w.now()
	if now.Before(w.nextConnect) {
		wait := w.nextConnect.Sub(now)
		if wait > throttleSleep {
			wait = throttleSleep
		}
		sleepContext(ctx, wait)
		return ErrThrottled
	}
	w.nextConnect = now.Add(w.config.ConnectRetry)

	log.Debug().
		Str("address", w.config.Address).
		Str("protocol", w.proto.Name()).
		Msg("Connecting to Tarantool")

	dialCtx, cancel := context.WithTimeout(ctx, w.config.DialTimeout)
	defer cancel()

	conn, err := w.config.Dial(dialCtx, "tcp", w.config.Address)
	if err != nil {
		return fmt.Errorf("connect to tarantool at %s: %w", w.config.Address, err)
	}

	br := bufio.NewReaderSize(conn, recvBufferSize)
	bw := bufio.NewWriterSize(conn, sendBufferSize)

	_ = conn.SetDeadline(time.Now().Add(w.config.DialTimeout))
	if err := w.proto.Handshake(bufio.NewReadWriter(br, bw), w.config.User, w.config.Password); err != nil {
		conn.Close()
		return fmt.Errorf("tarantool handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	w.conn = conn
	w.bw = bw
	w.inflight = make(map[uint32]inflightOp)
	w.replies = make(chan readResult, replyQueueSize)
	w.stopRead = make(chan struct{})
	w.readDone = make(chan struct{})
	go w.readLoop(br, w.replies, w.stopRead, w.readDone)

	w.nextSync = time.Time{}
	w.nextPing = now.Add(w.config.PingInterval)

	log.Info().
		Str("address", w.config.Address).
		Str("protocol", w.proto.Name()).
		Msg("Connected to Tarantool")
	return nil
}

func (w *Writer) readLoop(br *bufio.Reader, out chan<- readResult, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		reply, err := w.proto.ReadReply(br)
		select {
		case out <- readResult{reply: reply, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// Disconnect closes the transport and waits for the reply reader
func (w *Writer) Disconnect() {
	if w.conn == nil {
		return
	}

	close(w.stopRead)
	w.conn.Close()
	<-w.readDone

	if len(w.inflight) > 0 {
		log.Warn().Int("in_flight", len(w.inflight)).Msg("Disconnected with unacknowledged requests")
	}

	w.conn = nil
	w.bw = nil
	w.replies = nil
	w.inflight = nil

	log.Info().Str("address", w.config.Address).Msg("Disconnected from Tarantool")
}

// ReadPosition selects the commit tuple. A missing or short tuple is the
// unknown position. The result becomes both latest and committed.
func (w *Writer) ReadPosition(ctx context.Context) (common.Position, error) {
	if w.conn == nil {
		return common.Position{}, ErrNotConnected
	}

	sync := w.nextSeq()
	buf, err := w.proto.AppendSelect(w.buf[:0], sync, w.config.PositionSpace, 0,
		column.Row{column.Uint32(w.config.PositionKey)})
	if err != nil {
		return common.Position{}, fmt.Errorf("encode position select: %w", err)
	}
	w.inflight[sync] = inflightOp{op: "select", space: w.config.PositionSpace}
	if err := w.send(buf); err != nil {
		return common.Position{}, err
	}
	if err := w.flush(); err != nil {
		return common.Position{}, err
	}

	timer := time.NewTimer(w.config.ConnectRetry)
	defer timer.Stop()

	for {
		select {
		case res := <-w.replies:
			if res.err != nil {
				return common.Position{}, fmt.Errorf("read binlog position: %w", res.err)
			}
			op := w.inflight[res.reply.Sync]
			delete(w.inflight, res.reply.Sync)
			if res.reply.Sync != sync {
				w.logRejected(op, res.reply)
				continue
			}
			if res.reply.Code != 0 {
				return common.Position{}, fmt.Errorf("read binlog position from space %d: code %d: %s",
					w.config.PositionSpace, res.reply.Code, res.reply.Error)
			}

			var rec PositionRecord
			if len(res.reply.Tuples) > 0 {
				rec, _ = parsePositionTuple(res.reply.Tuples[0])
			}
			w.latest = rec.Position
			w.committed = rec.Position
			w.secondsBehind = rec.SecondsBehind
			w.lastTimestamp = w.now().Unix()
			w.nextPing = w.now().Add(w.config.PingInterval)
			return rec.Position, nil

		case <-timer.C:
			return common.Position{}, fmt.Errorf("read binlog position: no reply within %s", w.config.ConnectRetry)
		case <-ctx.Done():
			return common.Position{}, ctx.Err()
		}
	}
}

// parsePositionTuple reads (key, name, offset[, seconds_behind[, unix_ts]]).
// Fields may be text or integers depending on the protocol that wrote them.
func parsePositionTuple(t []interface{}) (PositionRecord, bool) {
	var rec PositionRecord
	if len(t) < 3 {
		return rec, false
	}
	if key, ok := encoding.AsUint64(t[0]); ok {
		rec.Key = uint32(key)
	}
	name, ok := encoding.AsString(t[1])
	if !ok || name == "" {
		return PositionRecord{}, false
	}
	offset, ok := encoding.AsUint64(t[2])
	if !ok {
		return PositionRecord{}, false
	}
	rec.Position = common.Position{Name: name, Offset: offset}
	if len(t) > 3 {
		if sbm, ok := encoding.AsUint64(t[3]); ok {
			rec.SecondsBehind = uint32(sbm)
		}
	}
	if len(t) > 4 {
		if ts, ok := encoding.AsUint64(t[4]); ok {
			rec.Timestamp = int64(ts)
		}
	}
	return rec, true
}

// Apply sends the write for rec, if any, and advances latest to its
// position. Writes are not acknowledged here; replies are checked by
// DrainReplies.
func (w *Writer) Apply(rec common.ChangeRecord) error {
	if w.conn == nil {
		return ErrNotConnected
	}

	if rec.Operation.IsMutation() {
		if err := w.write(rec); err != nil {
			return err
		}
	}

	if !rec.Position.IsZero() {
		w.latest = w.latest.Max(rec.Position)
	}

	now := w.now()
	lag := rec.Staleness(now)
	w.lastTimestamp = now.Unix()
	w.secondsBehind = uint32(lag / time.Second)
	telemetry.RecordStalenessSeconds.Observe(lag.Seconds())
	return nil
}

func (w *Writer) write(rec common.ChangeRecord) error {
	t, err := w.targets.lookup(rec.Database, rec.Table)
	if err != nil {
		return err
	}

	tuple, err := pick(rec, rec.Row, t.fields(rec.Operation))
	if err != nil {
		return err
	}

	// a REPLACE cannot move a row to a new primary key; drop the old one
	if rec.Operation == common.OpUpdate && t.UpdateCall == "" && len(rec.Before) > 0 {
		oldKey, err := pick(rec, rec.Before, t.Keys)
		if err != nil {
			return err
		}
		newKey, err := pick(rec, rec.Row, t.Keys)
		if err != nil {
			return err
		}
		if !sameKey(oldKey, newKey) {
			sync := w.nextSeq()
			buf, err := w.proto.AppendDelete(w.buf[:0], sync, t.Space, oldKey)
			if err != nil {
				return fmt.Errorf("%w: encode delete for %s.%s: %w", ErrMapping, rec.Database, rec.Table, err)
			}
			if err := w.enqueue(sync, buf, common.OpDelete, rec, t); err != nil {
				return err
			}
		}
	}

	sync := w.nextSeq()
	var buf []byte
	switch call := t.call(rec.Operation); {
	case call != "":
		buf, err = w.proto.AppendCall(w.buf[:0], sync, call, tuple)
	case rec.Operation == common.OpDelete:
		buf, err = w.proto.AppendDelete(w.buf[:0], sync, t.Space, tuple)
	default:
		buf, err = w.proto.AppendReplace(w.buf[:0], sync, t.Space, tuple)
	}
	if err != nil {
		return fmt.Errorf("%w: encode %s for %s.%s: %w", ErrMapping, rec.Operation, rec.Database, rec.Table, err)
	}
	return w.enqueue(sync, buf, rec.Operation, rec, t)
}

func (w *Writer) enqueue(sync uint32, buf []byte, op common.Operation, rec common.ChangeRecord, t *Target) error {
	w.inflight[sync] = inflightOp{
		op:       op.String(),
		database: rec.Database,
		table:    rec.Table,
		space:    t.Space,
		position: rec.Position,
	}
	if err := w.send(buf); err != nil {
		return err
	}

	telemetry.SinkWrites.With(op.String()).Inc()
	return nil
}

// pick projects row onto the target field indexes
func pick(rec common.ChangeRecord, row column.Row, fields []int) (column.Row, error) {
	tuple := make(column.Row, len(fields))
	for i, idx := range fields {
		if idx < 0 || idx >= len(row) {
			return nil, fmt.Errorf("%w: %s.%s field %d out of range for %d columns",
				ErrMapping, rec.Database, rec.Table, idx, len(row))
		}
		tuple[i] = row[idx]
	}
	return tuple, nil
}

func sameKey(a, b column.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Sync pings when due, and when forced or due writes the commit tuple and
// flushes buffered requests
func (w *Writer) Sync(force bool) error {
	if w.conn == nil {
		return ErrNotConnected
	}

	now := w.now()
	if w.nextPing.IsZero() || now.After(w.nextPing) {
		force = true
		w.nextPing = now.Add(w.config.PingInterval)

		sync := w.nextSeq()
		w.inflight[sync] = inflightOp{op: "ping"}
		if err := w.send(w.proto.AppendPing(w.buf[:0], sync)); err != nil {
			return err
		}
	}

	if !force && !w.nextSync.IsZero() && now.Before(w.nextSync) {
		return nil
	}

	if err := w.savePosition(); err != nil {
		return err
	}
	w.nextSync = now.Add(w.config.SyncInterval)
	return w.flush()
}

func (w *Writer) savePosition() error {
	if w.latest.IsZero() || w.latest == w.committed {
		return nil
	}

	tuple := w.proto.PositionTuple(PositionRecord{
		Key:           w.config.PositionKey,
		Position:      w.latest,
		SecondsBehind: w.secondsBehind,
		Timestamp:     w.lastTimestamp,
	})

	sync := w.nextSeq()
	buf, err := w.proto.AppendReplace(w.buf[:0], sync, w.config.PositionSpace, tuple)
	if err != nil {
		return fmt.Errorf("encode binlog position: %w", err)
	}
	w.inflight[sync] = inflightOp{op: "position", space: w.config.PositionSpace, position: w.latest}
	if err := w.send(buf); err != nil {
		return err
	}

	log.Debug().Str("binlog", w.latest.String()).Msg("Committing binlog position")
	w.committed = w.latest
	telemetry.PositionCommits.Inc()
	return nil
}

// DrainReplies consumes the replies read so far without blocking. A
// transport or protocol failure is returned as is; a rejected request only
// fails with ErrWriteRejected when DisconnectOnError is set.
func (w *Writer) DrainReplies() (int, error) {
	if w.conn == nil {
		return 0, ErrNotConnected
	}

	n := 0
	for {
		select {
		case res := <-w.replies:
			if res.err != nil {
				return n, fmt.Errorf("read tarantool reply: %w", res.err)
			}
			n++

			op, ok := w.inflight[res.reply.Sync]
			delete(w.inflight, res.reply.Sync)
			if res.reply.Code == 0 {
				continue
			}
			if !ok {
				op = inflightOp{op: "unknown"}
			}
			w.logRejected(op, res.reply)
			if w.config.DisconnectOnError {
				return n, fmt.Errorf("%w: %s %s.%s: code %d: %s",
					ErrWriteRejected, op.op, op.database, op.table, res.reply.Code, res.reply.Error)
			}
		default:
			return n, nil
		}
	}
}

func (w *Writer) logRejected(op inflightOp, reply Reply) {
	if reply.Code == 0 {
		return
	}
	telemetry.SinkReplyErrors.Inc()
	log.Error().
		Str("op", op.op).
		Str("db", op.database).
		Str("table", op.table).
		Uint32("space", op.space).
		Str("binlog", op.position.String()).
		Uint32("code", reply.Code).
		Str("error", reply.Error).
		Msg("Tarantool rejected request")
}

func (w *Writer) nextSeq() uint32 {
	w.seq++
	return w.seq
}

func (w *Writer) send(buf []byte) error {
	w.buf = buf[:0]
	if _, err := w.bw.Write(buf); err != nil {
		return fmt.Errorf("write to tarantool: %w", err)
	}
	return nil
}

func (w *Writer) flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush to tarantool: %w", err)
	}
	return nil
}

// sleepContext sleeps for d, returning false if ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
