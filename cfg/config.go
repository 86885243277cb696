package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/replicatord/replicatord/filter"
	"github.com/rs/zerolog/log"
)

// MySQLConfiguration describes the replication source
type MySQLConfiguration struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	ServerID        uint32 `toml:"server_id"` // Replica server id, 0 = derived from machine id
	Flavor          string `toml:"flavor"`    // "mysql" or "mariadb"
	ConnectRetry    int    `toml:"connect_retry"`
	HeartbeatPeriod int    `toml:"heartbeat_period"` // Seconds, keeps the watchdog fed on an idle binlog
	LegacyTemporal  bool   `toml:"legacy_temporal"`  // Pre-5.6.4 TIME/DATETIME/TIMESTAMP layouts
	Charset         string `toml:"charset"`
}

// TarantoolConfiguration describes the sink
type TarantoolConfiguration struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	Protocol          string `toml:"protocol"` // "1.5" or "1.6"
	User              string `toml:"user"`
	Password          string `toml:"password"`
	BinlogPosSpace    uint32 `toml:"binlog_pos_space"`
	BinlogPosKey      uint32 `toml:"binlog_pos_key"`
	ConnectRetry      int    `toml:"connect_retry"`    // Seconds between connect attempts
	SyncRetryMS       int    `toml:"sync_retry_ms"`    // Position commit interval
	PingIntervalMS    int    `toml:"ping_interval_ms"` // Keepalive ping interval
	DisconnectOnError bool   `toml:"disconnect_on_error"`
	DialTimeoutMS     int    `toml:"dial_timeout_ms"`
}

// FilterConfiguration drops rows by the value of one column
type FilterConfiguration struct {
	Column string  `toml:"column"`
	Values []int64 `toml:"values"`
	Negate bool    `toml:"negate"`
}

// MappingConfiguration maps one source table (or glob of tables) to a space
type MappingConfiguration struct {
	Database    string               `toml:"database"`
	Table       string               `toml:"table"`
	Columns     []string             `toml:"columns"`
	Space       uint32               `toml:"space"`
	KeyFields   []int                `toml:"key_fields"`   // Indexes into Columns used for deletes
	TupleFields []int                `toml:"tuple_fields"` // Indexes into Columns, default all
	InsertCall  string               `toml:"insert_call"`
	UpdateCall  string               `toml:"update_call"`
	DeleteCall  string               `toml:"delete_call"`
	Filter      *FilterConfiguration `toml:"filter"`
}

// FilterColumnIndex returns the projected index of the filter column
func (m *MappingConfiguration) FilterColumnIndex() int {
	if m.Filter == nil {
		return -1
	}
	for i, c := range m.Columns {
		if strings.EqualFold(c, m.Filter.Column) {
			return i
		}
	}
	return -1
}

// TupleIndexes returns TupleFields, or every column when unset
func (m *MappingConfiguration) TupleIndexes() []int {
	if len(m.TupleFields) > 0 {
		return m.TupleFields
	}
	idx := make([]int, len(m.Columns))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

type DeliveryConfiguration struct {
	HighWaterMark int `toml:"high_water_mark"`
}

type WatchdogConfiguration struct {
	TimeoutSeconds int `toml:"timeout_seconds"` // 0 disables the watchdog
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose    bool   `toml:"verbose"`
	Format     string `toml:"format"` // "console" or "json"
	File       string `toml:"file"`   // Empty logs to stdout
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP status API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	PidFile string `toml:"pid_file"`

	MySQL      MySQLConfiguration      `toml:"mysql"`
	Tarantool  TarantoolConfiguration  `toml:"tarantool"`
	Mappings   []MappingConfiguration  `toml:"mappings"`
	Delivery   DeliveryConfiguration   `toml:"delivery"`
	Watchdog   WatchdogConfiguration   `toml:"watchdog"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "replicatord.toml", "Path to configuration file")
	LogFileFlag    = flag.String("log-file", "", "Log file (overrides config)")
	PidFileFlag    = flag.String("pid-file", "", "PID file (overrides config)")
	ServerIDFlag   = flag.Uint("server-id", 0, "Replica server id (overrides config, 0=auto)")
)

// Default configuration
var Config = Default()

// Default returns a configuration with every default applied
func Default() *Configuration {
	return &Configuration{
		MySQL: MySQLConfiguration{
			Host:            "127.0.0.1",
			Port:            3306,
			User:            "root",
			ServerID:        0, // Auto-generate
			Flavor:          "mysql",
			ConnectRetry:    15,
			HeartbeatPeriod: 10,
			Charset:         "utf8mb4",
		},

		Tarantool: TarantoolConfiguration{
			Host:           "127.0.0.1",
			Port:           33013,
			Protocol:       "1.6",
			BinlogPosSpace: 512,
			BinlogPosKey:   0,
			ConnectRetry:   15,
			SyncRetryMS:    1000,
			PingIntervalMS: 5000,
			DialTimeoutMS:  3000,
		},

		Delivery: DeliveryConfiguration{
			HighWaterMark: 10000,
		},

		Watchdog: WatchdogConfiguration{
			TimeoutSeconds: 60,
		},

		Logging: LoggingConfiguration{
			Verbose:    false,
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "127.0.0.1:9091",
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *LogFileFlag != "" {
		Config.Logging.File = *LogFileFlag
	}
	if *PidFileFlag != "" {
		Config.PidFile = *PidFileFlag
	}
	if *ServerIDFlag != 0 {
		Config.MySQL.ServerID = uint32(*ServerIDFlag)
	}

	if Config.MySQL.ServerID == 0 {
		var err error
		Config.MySQL.ServerID, err = generateServerID()
		if err != nil {
			return fmt.Errorf("failed to generate server ID: %w", err)
		}
		log.Info().Uint32("server_id", Config.MySQL.ServerID).Msg("Auto-generated server ID")
	}

	return nil
}

// generateServerID derives a stable replica id from the machine id
func generateServerID() (uint32, error) {
	id, err := machineid.ProtectedID("replicatord")
	if err != nil {
		return 0, err
	}

	h := fnv.New32a()
	h.Write([]byte(id))
	sid := h.Sum32()
	if sid == 0 {
		sid = 1
	}
	return sid, nil
}

func (t *TarantoolConfiguration) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t *TarantoolConfiguration) ConnectRetryDuration() time.Duration {
	return time.Duration(t.ConnectRetry) * time.Second
}

func (m *MySQLConfiguration) ConnectRetryDuration() time.Duration {
	return time.Duration(m.ConnectRetry) * time.Second
}

// Validate checks configuration for errors
func Validate() error {
	if Config.MySQL.Port < 1 || Config.MySQL.Port > 65535 {
		return fmt.Errorf("invalid MySQL port: %d", Config.MySQL.Port)
	}

	if Config.MySQL.Flavor != "mysql" && Config.MySQL.Flavor != "mariadb" {
		return fmt.Errorf("invalid MySQL flavor: %s", Config.MySQL.Flavor)
	}

	if Config.MySQL.ConnectRetry < 1 {
		return fmt.Errorf("MySQL connect retry must be >= 1 second")
	}

	if Config.MySQL.HeartbeatPeriod < 0 {
		return fmt.Errorf("MySQL heartbeat period must be >= 0")
	}

	if Config.Tarantool.Port < 1 || Config.Tarantool.Port > 65535 {
		return fmt.Errorf("invalid Tarantool port: %d", Config.Tarantool.Port)
	}

	if Config.Tarantool.Protocol != "1.5" && Config.Tarantool.Protocol != "1.6" {
		return fmt.Errorf("invalid Tarantool protocol: %s", Config.Tarantool.Protocol)
	}

	if Config.Tarantool.ConnectRetry < 1 {
		return fmt.Errorf("Tarantool connect retry must be >= 1 second")
	}

	if Config.Tarantool.SyncRetryMS < 1 {
		return fmt.Errorf("Tarantool sync retry must be >= 1ms")
	}

	if Config.Tarantool.PingIntervalMS < 1 {
		return fmt.Errorf("Tarantool ping interval must be >= 1ms")
	}

	if Config.Delivery.HighWaterMark < 1 {
		return fmt.Errorf("delivery high water mark must be >= 1")
	}

	if Config.Watchdog.TimeoutSeconds < 0 {
		return fmt.Errorf("watchdog timeout must be >= 0")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", Config.Logging.Format)
	}

	if len(Config.Mappings) == 0 {
		return fmt.Errorf("at least one mapping is required")
	}

	for i := range Config.Mappings {
		if err := validateMapping(&Config.Mappings[i]); err != nil {
			return fmt.Errorf("mapping %d: %w", i, err)
		}
	}

	return nil
}

func validateMapping(m *MappingConfiguration) error {
	if m.Database == "" || m.Table == "" {
		return fmt.Errorf("database and table are required")
	}

	if filter.IsPattern(m.Database) {
		return fmt.Errorf("database %q must be a literal name", m.Database)
	}

	if _, err := filter.NewTableMatcher(m.Database, m.Table); err != nil {
		return err
	}

	if len(m.Columns) == 0 {
		return fmt.Errorf("%s.%s: columns are required", m.Database, m.Table)
	}

	if len(m.KeyFields) == 0 {
		return fmt.Errorf("%s.%s: key_fields are required", m.Database, m.Table)
	}

	for _, idx := range m.KeyFields {
		if idx < 0 || idx >= len(m.Columns) {
			return fmt.Errorf("%s.%s: key field %d out of range", m.Database, m.Table, idx)
		}
	}

	for _, idx := range m.TupleFields {
		if idx < 0 || idx >= len(m.Columns) {
			return fmt.Errorf("%s.%s: tuple field %d out of range", m.Database, m.Table, idx)
		}
	}

	if m.Filter != nil && m.FilterColumnIndex() < 0 {
		return fmt.Errorf("%s.%s: filter column %q is not a mapped column", m.Database, m.Table, m.Filter.Column)
	}

	return nil
}
