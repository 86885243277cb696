// Package source implements the capture source over a live MySQL server:
// metadata and snapshot queries through database/sql, and the binlog tail
// through a go-mysql BinlogSyncer.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/replicatord/replicatord/capture"
	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/schema"
	"github.com/rs/zerolog/log"
)

// MySQL errors the status fallback depends on
const (
	erParseError = 1064
)

const DefaultConnectRetry = 15 * time.Second

type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	ServerID        uint32
	Flavor          string
	Charset         string
	HeartbeatPeriod time.Duration
	ConnectRetry    time.Duration
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DSN is the database/sql data source name. Sessions run in UTC so
// TIMESTAMP columns read during the snapshot match the binlog encoding.
func (c Config) DSN() string {
	dc := mysql.NewConfig()
	dc.User = c.User
	dc.Passwd = c.Password
	dc.Net = "tcp"
	dc.Addr = c.Address()
	dc.Params = map[string]string{"time_zone": "'+00:00'"}
	if c.Charset != "" {
		dc.Params["charset"] = c.Charset
	}
	return dc.FormatDSN()
}

func (c Config) syncerConfig() replication.BinlogSyncerConfig {
	return replication.BinlogSyncerConfig{
		ServerID:            c.ServerID,
		Flavor:              c.Flavor,
		Host:                c.Host,
		Port:                uint16(c.Port),
		User:                c.User,
		Password:            c.Password,
		Charset:             c.Charset,
		HeartbeatPeriod:     c.HeartbeatPeriod,
		DisableRetrySync:    true,
		RowsEventDecodeFunc: decodeRowsHeader,
	}
}

// MySQL is the capture source. It is safe for concurrent use; every Stream
// call opens its own replication connection.
type MySQL struct {
	config  Config
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

var _ capture.Source = (*MySQL)(nil)

// Open connects, retrying every ConnectRetry until the server answers or
// ctx ends
func Open(ctx context.Context, config Config) (*MySQL, error) {
	if config.ConnectRetry <= 0 {
		config.ConnectRetry = DefaultConnectRetry
	}
	if config.Flavor == "" {
		config.Flavor = gomysql.MySQLFlavor
	}

	db, err := sqlx.Open("mysql", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	for {
		err := db.PingContext(ctx)
		if err == nil {
			break
		}
		log.Warn().Err(err).Str("address", config.Address()).Dur("retry", config.ConnectRetry).Msg("MySQL not reachable")

		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(config.ConnectRetry):
		}
	}

	log.Info().Str("address", config.Address()).Uint32("server_id", config.ServerID).Msg("Connected to MySQL")
	return &MySQL{config: config, db: db, dialect: goqu.Dialect("mysql")}, nil
}

func (m *MySQL) Close() error {
	return m.db.Close()
}

// TailPosition reads the current end of the binlog. MySQL 8.4 dropped
// SHOW MASTER STATUS in favour of SHOW BINARY LOG STATUS.
func (m *MySQL) TailPosition(ctx context.Context) (common.Position, error) {
	pos, err := m.binlogStatus(ctx, "SHOW MASTER STATUS")
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == erParseError {
		pos, err = m.binlogStatus(ctx, "SHOW BINARY LOG STATUS")
	}
	return pos, err
}

func (m *MySQL) binlogStatus(ctx context.Context, query string) (common.Position, error) {
	rows, err := m.db.QueryxContext(ctx, query)
	if err != nil {
		return common.Position{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		return common.Position{}, rows.Err()
	}
	cols, err := rows.SliceScan()
	if err != nil {
		return common.Position{}, err
	}
	if len(cols) < 2 {
		return common.Position{}, fmt.Errorf("%s returned %d columns", query, len(cols))
	}
	return parseStatus(cols[0], cols[1])
}

func parseStatus(file, position interface{}) (common.Position, error) {
	name := asText(file)
	offset, err := strconv.ParseUint(asText(position), 10, 64)
	if err != nil {
		return common.Position{}, fmt.Errorf("binlog offset %q: %w", asText(position), err)
	}
	return common.Position{Name: name, Offset: offset}, nil
}

func asText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	}
	return fmt.Sprint(v)
}

type columnRow struct {
	Name        string         `db:"COLUMN_NAME"`
	Type        string         `db:"COLUMN_TYPE"`
	Ordinal     int            `db:"ORDINAL_POSITION"`
	Charset     sql.NullString `db:"CHARACTER_SET_NAME"`
	OctetLength sql.NullInt64  `db:"CHARACTER_OCTET_LENGTH"`
}

func (m *MySQL) columnsQuery(database, table string) (string, []interface{}, error) {
	return m.dialect.
		From(goqu.S("information_schema").Table("COLUMNS")).
		Select("COLUMN_NAME", "COLUMN_TYPE", "ORDINAL_POSITION", "CHARACTER_SET_NAME", "CHARACTER_OCTET_LENGTH").
		Where(goqu.Ex{"TABLE_SCHEMA": database, "TABLE_NAME": table}).
		Order(goqu.I("ORDINAL_POSITION").Asc()).
		Prepared(true).
		ToSQL()
}

func (m *MySQL) Columns(ctx context.Context, database, table string) ([]schema.ColumnDef, error) {
	query, args, err := m.columnsQuery(database, table)
	if err != nil {
		return nil, err
	}

	var rows []columnRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", database, table)
	}

	defs := make([]schema.ColumnDef, len(rows))
	for i, r := range rows {
		defs[i] = schema.ColumnDef{
			Name:        r.Name,
			Type:        r.Type,
			Ordinal:     r.Ordinal,
			Charset:     r.Charset.String,
			OctetLength: r.OctetLength.Int64,
		}
	}
	return defs, nil
}

func (m *MySQL) tablesQuery(database string) (string, []interface{}, error) {
	return m.dialect.
		From(goqu.S("information_schema").Table("TABLES")).
		Select("TABLE_NAME").
		Where(goqu.Ex{"TABLE_SCHEMA": database, "TABLE_TYPE": "BASE TABLE"}).
		Order(goqu.I("TABLE_NAME").Asc()).
		Prepared(true).
		ToSQL()
}

func (m *MySQL) Tables(ctx context.Context, database string) ([]string, error) {
	query, args, err := m.tablesQuery(database)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := m.db.SelectContext(ctx, &names, query, args...); err != nil {
		return nil, err
	}
	return names, nil
}

func (m *MySQL) scanQuery(database, table string, columns []string) (string, error) {
	cols := make([]interface{}, len(columns))
	for i, c := range columns {
		cols[i] = goqu.I(c)
	}
	query, _, err := m.dialect.From(goqu.S(database).Table(table)).Select(cols...).ToSQL()
	return query, err
}

// Scan streams every row of the table in text form
func (m *MySQL) Scan(ctx context.Context, database, table string, columns []string) (capture.Rows, error) {
	query, err := m.scanQuery(database, table, columns)
	if err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return newSnapshotRows(rows, len(columns)), nil
}

// Stream opens a replication connection at from
func (m *MySQL) Stream(ctx context.Context, from common.Position) (capture.EventStream, error) {
	syncer := replication.NewBinlogSyncer(m.config.syncerConfig())
	streamer, err := syncer.StartSync(gomysql.Position{Name: from.Name, Pos: uint32(from.Offset)})
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("start binlog sync at %s: %w", from, err)
	}
	return newBinlogStream(syncer, streamer, from.Name), nil
}

// snapshotRows copies each row out of the driver buffers. NULL stays nil,
// an empty string is an empty non-nil slice.
type snapshotRows struct {
	rows   *sql.Rows
	raw    []sql.RawBytes
	dest   []interface{}
	values [][]byte
	err    error
}

func newSnapshotRows(rows *sql.Rows, n int) *snapshotRows {
	r := &snapshotRows{
		rows:   rows,
		raw:    make([]sql.RawBytes, n),
		dest:   make([]interface{}, n),
		values: make([][]byte, n),
	}
	for i := range r.raw {
		r.dest[i] = &r.raw[i]
	}
	return r
}

func (r *snapshotRows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	if err := r.rows.Scan(r.dest...); err != nil {
		r.err = err
		return false
	}
	for i, b := range r.raw {
		if b == nil {
			r.values[i] = nil
			continue
		}
		v := make([]byte, len(b))
		copy(v, b)
		r.values[i] = v
	}
	return true
}

func (r *snapshotRows) Values() [][]byte { return r.values }

func (r *snapshotRows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

func (r *snapshotRows) Close() error { return r.rows.Close() }
