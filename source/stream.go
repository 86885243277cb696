package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/replicatord/replicatord/capture"
	"github.com/replicatord/replicatord/common"
	"github.com/rs/zerolog/log"
)

// binlogStream adapts a BinlogStreamer to capture.EventStream. It tracks the
// log name across rotations and the checksum setting announced by the
// format description event.
type binlogStream struct {
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer

	name     string
	checksum bool

	closeOnce sync.Once
}

func newBinlogStream(syncer *replication.BinlogSyncer, streamer *replication.BinlogStreamer, name string) *binlogStream {
	return &binlogStream{syncer: syncer, streamer: streamer, name: name}
}

func (s *binlogStream) Next(ctx context.Context) (capture.Event, error) {
	for {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			return capture.Event{}, err
		}
		out, ok, err := s.translate(ev)
		if err != nil {
			return capture.Event{}, err
		}
		if ok {
			return out, nil
		}
	}
}

// translate reduces ev to a capture event; ok is false for events capture
// never sees
func (s *binlogStream) translate(ev *replication.BinlogEvent) (capture.Event, bool, error) {
	out := capture.Event{
		Position: common.Position{Name: s.name, Offset: uint64(ev.Header.LogPos)},
	}
	if ev.Header.Timestamp != 0 {
		out.Timestamp = time.Unix(int64(ev.Header.Timestamp), 0)
	}

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		s.name = string(e.NextLogName)
		log.Debug().Str("binlog", s.name).Uint64("offset", e.Position).Msg("Binlog rotated")
		return out, false, nil

	case *replication.FormatDescriptionEvent:
		s.checksum = e.ChecksumAlgorithm == replication.BINLOG_CHECKSUM_ALG_CRC32
		return out, false, nil

	case *replication.XIDEvent:
		out.Type = capture.EventCommit
		return out, true, nil

	case *replication.QueryEvent:
		q := strings.TrimSpace(string(e.Query))
		if strings.EqualFold(q, "COMMIT") {
			out.Type = capture.EventCommit
			return out, true, nil
		}
		if !strings.EqualFold(q, "BEGIN") {
			log.Debug().Str("schema", string(e.Schema)).Str("query", q).Msg("Ignoring query event")
		}
		return out, false, nil

	case *replication.RowsEvent:
		if e.Table == nil {
			return out, false, fmt.Errorf("rows event at %s without a table map", out.Position)
		}
		body, err := ParseRowsEvent(ev.RawData, s.checksum)
		if err != nil {
			return out, false, fmt.Errorf("%s.%s at %s: %w", e.Table.Schema, e.Table.Table, out.Position, err)
		}

		out.Type = rowsEventType(ev.Header.EventType)
		out.Database = string(e.Table.Schema)
		out.Table = string(e.Table.Table)
		out.ColumnCount = body.ColumnCount
		out.Rows = make([]byte, len(body.Images))
		copy(out.Rows, body.Images)
		return out, true, nil
	}

	if ev.Header.EventType == replication.HEARTBEAT_EVENT {
		out.Type = capture.EventHeartbeat
		out.Timestamp = time.Time{}
		return out, true, nil
	}
	return out, false, nil
}

func rowsEventType(t replication.EventType) capture.EventType {
	switch t {
	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return capture.EventUpdate
	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return capture.EventDelete
	}
	return capture.EventWrite
}

// Close stops the syncer, unblocking a pending Next
func (s *binlogStream) Close() error {
	s.closeOnce.Do(s.syncer.Close)
	return nil
}

// decodeRowsHeader is installed as the syncer's rows decoder. Row images are
// decoded by the column codecs instead, so only the header is parsed here.
func decodeRowsHeader(e *replication.RowsEvent, data []byte) error {
	_, err := e.DecodeHeader(data)
	return err
}
