package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/replicatord/replicatord/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMappings() []cfg.MappingConfiguration {
	return []cfg.MappingConfiguration{
		{
			Database:   "shop",
			Table:      "orders",
			Columns:    []string{"id", "name", "status"},
			Space:      600,
			KeyFields:  []int{0},
			DeleteCall: "orders_delete",
			Filter:     &cfg.FilterConfiguration{Column: "status", Values: []int64{1, 2}, Negate: true},
		},
		{
			Database:    "shop",
			Table:       "audit_*",
			Columns:     []string{"id", "payload"},
			Space:       700,
			KeyFields:   []int{0},
			TupleFields: []int{1, 0},
		},
	}
}

func TestCaptureTables(t *testing.T) {
	tables := captureTables(testMappings())
	require.Len(t, tables, 2)

	assert.Equal(t, "orders", tables[0].Name)
	require.NotNil(t, tables[0].Filter)
	assert.Equal(t, 2, tables[0].Filter.Column())
	assert.True(t, tables[0].Filter.Negate())

	assert.Equal(t, "audit_*", tables[1].Name)
	assert.Nil(t, tables[1].Filter)
}

func TestSinkTargets(t *testing.T) {
	targets := sinkTargets(testMappings())
	require.Len(t, targets, 2)

	assert.Equal(t, uint32(600), targets[0].Space)
	assert.Equal(t, []int{0, 1, 2}, targets[0].Tuple)
	assert.Equal(t, []int{0}, targets[0].Keys)
	assert.Equal(t, "orders_delete", targets[0].DeleteCall)

	assert.Equal(t, []int{1, 0}, targets[1].Tuple)
}

func TestWriterConfig(t *testing.T) {
	c := cfg.Default().Tarantool
	wc := writerConfig(&c)

	assert.Equal(t, "1.6", wc.Protocol)
	assert.Equal(t, "127.0.0.1:33013", wc.Address)
	assert.Equal(t, uint32(512), wc.PositionSpace)
	assert.Equal(t, 15*time.Second, wc.ConnectRetry)
	assert.Equal(t, time.Second, wc.SyncInterval)
	assert.Equal(t, 5*time.Second, wc.PingInterval)
	assert.Equal(t, 3*time.Second, wc.DialTimeout)
}

func TestSourceConfig(t *testing.T) {
	c := cfg.Default().MySQL
	c.ServerID = 77
	sc := sourceConfig(&c)

	assert.Equal(t, "127.0.0.1:3306", sc.Address())
	assert.Equal(t, uint32(77), sc.ServerID)
	assert.Equal(t, 10*time.Second, sc.HeartbeatPeriod)
	assert.Equal(t, 15*time.Second, sc.ConnectRetry)
}

func TestReplicate_RemovesPidFileOnFailure(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "replicatord.pid")

	code := replicate(context.Background(), pidFile, func(ctx context.Context) error {
		data, err := os.ReadFile(pidFile)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))
		return errors.New("binlog has 4 columns, schema has 3")
	})

	assert.Equal(t, 1, code)
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "pid file left behind")
}

func TestReplicate_CleanExit(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "replicatord.pid")
	assert.Equal(t, 0, replicate(context.Background(), pidFile, func(context.Context) error { return nil }))
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	bad := filepath.Join(t.TempDir(), "missing", "replicatord.pid")
	called := false
	assert.Equal(t, 1, replicate(context.Background(), bad, func(context.Context) error { called = true; return nil }))
	assert.False(t, called)
}
