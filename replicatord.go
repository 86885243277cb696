package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/replicatord/replicatord/admin"
	"github.com/replicatord/replicatord/capture"
	"github.com/replicatord/replicatord/cfg"
	"github.com/replicatord/replicatord/delivery"
	"github.com/replicatord/replicatord/filter"
	"github.com/replicatord/replicatord/replicator"
	"github.com/replicatord/replicatord/schema"
	"github.com/replicatord/replicatord/sink"
	_ "github.com/replicatord/replicatord/sink/iproto15"
	_ "github.com/replicatord/replicatord/sink/iproto16"
	"github.com/replicatord/replicatord/source"
	"github.com/replicatord/replicatord/state"
	"github.com/replicatord/replicatord/telemetry"
	"github.com/replicatord/replicatord/watchdog"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	rotator := setupLogging(&cfg.Config.Logging)

	log.Info().Msg("replicatord - MySQL to Tarantool replication")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(ctx, cancel, rotator)

	code := replicate(ctx, cfg.Config.PidFile, run)
	cancel()
	os.Exit(code)
}

// replicate holds the pid file while runFn runs and turns its result into
// the process exit code
func replicate(ctx context.Context, pidFile string, runFn func(context.Context) error) int {
	if pidFile != "" {
		if err := writePidFile(pidFile); err != nil {
			log.Error().Err(err).Str("path", pidFile).Msg("Failed to write pid file")
			return 1
		}
		defer os.Remove(pidFile)
	}

	if err := runFn(ctx); err != nil {
		log.Error().Err(err).Msg("Replication failed")
		return 1
	}
	log.Info().Msg("replicatord stopped")
	return 0
}

func run(ctx context.Context) error {
	st := state.New()
	channel := delivery.New(cfg.Config.Delivery.HighWaterMark)

	wd := watchdog.New(time.Duration(cfg.Config.Watchdog.TimeoutSeconds)*time.Second, nil)
	wd.Start()
	defer wd.Stop()

	collector := telemetry.NewMetricsCollector(st, channel, time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(st, channel, telemetry.GetMetricsHandler())
		srv, err := admin.Listen(cfg.Config.Admin.Address, admin.NewRouter(handlers, cfg.Config.Admin.Secret))
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	mysqlSource, err := source.Open(ctx, sourceConfig(&cfg.Config.MySQL))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer mysqlSource.Close()

	pipeline := capture.New(capture.Config{
		Tables:   captureTables(cfg.Config.Mappings),
		State:    st,
		Source:   mysqlSource,
		Schema:   schema.Options{LegacyTemporal: cfg.Config.MySQL.LegacyTemporal},
		Activity: wd.Ping,
	})

	writer, err := sink.NewWriter(writerConfig(&cfg.Config.Tarantool), sinkTargets(cfg.Config.Mappings))
	if err != nil {
		return err
	}

	runner, err := sink.NewRunner(sink.RunnerConfig{
		Writer:  writer,
		Channel: channel,
		State:   st,
	})
	if err != nil {
		return err
	}

	daemon, err := replicator.New(replicator.Deps{
		Open:     replicator.PipelineOpener(pipeline),
		Runner:   runner,
		Channel:  channel,
		State:    st,
		Watchdog: wd,
	})
	if err != nil {
		return err
	}

	log.Info().
		Uint32("server_id", cfg.Config.MySQL.ServerID).
		Str("mysql", sourceConfig(&cfg.Config.MySQL).Address()).
		Str("tarantool", cfg.Config.Tarantool.Address()).
		Int("mappings", len(cfg.Config.Mappings)).
		Msg("replicatord started")

	return daemon.Run(ctx)
}

func setupLogging(c *cfg.LoggingConfiguration) *lumberjack.Logger {
	var rotator *lumberjack.Logger
	var out io.Writer = os.Stdout
	if c.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		out = rotator
	}

	var writer io.Writer = out
	if c.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: out, NoColor: c.File != "", TimeFormat: time.RFC3339}
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint32("server_id", cfg.Config.MySQL.ServerID).
		Logger()

	if c.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
	return rotator
}

// handleSignals reopens the log file on SIGHUP and shuts down on
// SIGINT/SIGTERM
func handleSignals(ctx context.Context, cancel context.CancelFunc, rotator *lumberjack.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if rotator != nil {
					if err := rotator.Rotate(); err != nil {
						log.Error().Err(err).Msg("Failed to rotate log file")
					}
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
			return
		}
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func sourceConfig(c *cfg.MySQLConfiguration) source.Config {
	return source.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		ServerID:        c.ServerID,
		Flavor:          c.Flavor,
		Charset:         c.Charset,
		HeartbeatPeriod: time.Duration(c.HeartbeatPeriod) * time.Second,
		ConnectRetry:    c.ConnectRetryDuration(),
	}
}

func writerConfig(c *cfg.TarantoolConfiguration) sink.WriterConfig {
	return sink.WriterConfig{
		Protocol:          c.Protocol,
		Address:           c.Address(),
		User:              c.User,
		Password:          c.Password,
		PositionSpace:     c.BinlogPosSpace,
		PositionKey:       c.BinlogPosKey,
		ConnectRetry:      c.ConnectRetryDuration(),
		SyncInterval:      time.Duration(c.SyncRetryMS) * time.Millisecond,
		PingInterval:      time.Duration(c.PingIntervalMS) * time.Millisecond,
		DialTimeout:       time.Duration(c.DialTimeoutMS) * time.Millisecond,
		DisconnectOnError: c.DisconnectOnError,
	}
}

// captureTables builds the capture table list. The pipeline registers the
// filter of a glob mapping for every table it matches.
func captureTables(mappings []cfg.MappingConfiguration) []capture.Table {
	tables := make([]capture.Table, 0, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		t := capture.Table{
			Database: m.Database,
			Name:     m.Table,
			Columns:  m.Columns,
		}
		if m.Filter != nil {
			t.Filter = filter.New(m.FilterColumnIndex(), m.Filter.Values, m.Filter.Negate)
		}
		tables = append(tables, t)
	}
	return tables
}

func sinkTargets(mappings []cfg.MappingConfiguration) []sink.Target {
	targets := make([]sink.Target, 0, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		targets = append(targets, sink.Target{
			Database:   m.Database,
			Table:      m.Table,
			Space:      m.Space,
			Tuple:      m.TupleIndexes(),
			Keys:       m.KeyFields,
			InsertCall: m.InsertCall,
			UpdateCall: m.UpdateCall,
			DeleteCall: m.DeleteCall,
		})
	}
	return targets
}
