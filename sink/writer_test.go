package sink_test

import (
	"context"
	"testing"
	"time"

	"github.com/replicatord/replicatord/column"
	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/encoding"
	"github.com/replicatord/replicatord/sink"
	_ "github.com/replicatord/replicatord/sink/iproto15"
	"github.com/replicatord/replicatord/sink/iproto16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersTarget() sink.Target {
	return sink.Target{
		Database: "shop",
		Table:    "orders",
		Space:    ordersSpace,
		Tuple:    []int{0, 1},
		Keys:     []int{0},
	}
}

func newWriter(t *testing.T, fake *fakeTarantool, mutate func(*sink.WriterConfig), targets ...sink.Target) *sink.Writer {
	t.Helper()
	if len(targets) == 0 {
		targets = []sink.Target{ordersTarget()}
	}
	config := sink.WriterConfig{
		Protocol:      iproto16.Name,
		Address:       "tarantool:33013",
		PositionSpace: positionSpace,
		ConnectRetry:  5 * time.Second,
		SyncInterval:  time.Hour,
		PingInterval:  time.Hour,
		Dial:          fake.dial,
	}
	if mutate != nil {
		mutate(&config)
	}
	w, err := sink.NewWriter(config, targets)
	require.NoError(t, err)
	t.Cleanup(w.Disconnect)
	return w
}

// eventually polls cond from the test goroutine
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func row(id int32, name string) column.Row {
	return column.Row{column.Int32(id), column.Bytes([]byte(name))}
}

func TestWriter_TailScenario(t *testing.T) {
	fake := newFakeTarantool()
	fake.setPosition(uint64(0), "mysql-bin.000001", uint64(4), uint64(0), int64(0))

	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	p0, err := w.ReadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Position{Name: "mysql-bin.000001", Offset: 4}, p0)
	assert.Equal(t, p0, w.Committed())

	p1 := common.Position{Name: "mysql-bin.000001", Offset: 500}

	// Insert A, Insert B (filtered upstream), Commit, Delete A
	require.NoError(t, w.Apply(common.ChangeRecord{Position: p0, Database: "shop", Table: "orders", Operation: common.OpInsert, Row: row(1, "A")}))
	require.NoError(t, w.Sync(false))
	require.NoError(t, w.Apply(common.ChangeRecord{Position: p1, Operation: common.OpPositionOnly}))
	require.NoError(t, w.Sync(false))
	require.NoError(t, w.Apply(common.ChangeRecord{Position: p1, Database: "shop", Table: "orders", Operation: common.OpDelete, Row: row(1, "A")}))
	require.NoError(t, w.Sync(true))

	eventually(t, func() bool { return len(fake.requestsFor(iproto16.CodeReplace, positionSpace)) == 1 }, "position commit")

	writes := fake.requestsFor(iproto16.CodeReplace, ordersSpace)
	require.Len(t, writes, 1)
	assert.Equal(t, []interface{}{int64(1), "A"}, writes[0].tuple())

	deletes := fake.requestsFor(iproto16.CodeDelete, ordersSpace)
	require.Len(t, deletes, 1)
	key, ok := deletes[0].body[iproto16.KeyKey].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{int64(1)}, key)

	commit := fake.requestsFor(iproto16.CodeReplace, positionSpace)[0].tuple()
	require.Len(t, commit, 5)
	assert.Equal(t, "mysql-bin.000001", commit[1])
	offset, _ := encoding.AsUint64(commit[2])
	assert.Equal(t, uint64(500), offset)

	assert.Equal(t, p1, w.Committed())
	assert.Equal(t, p1, w.Latest())
}

func TestWriter_ReadPositionUnknown(t *testing.T) {
	fake := newFakeTarantool()
	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	pos, err := w.ReadPosition(ctx)
	require.NoError(t, err)
	assert.True(t, pos.IsZero())

	// snapshot records carry no position and never cause a commit
	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpInsert, Row: row(1, "A")}))
	require.NoError(t, w.Sync(true))

	eventually(t, func() bool { return len(fake.requestsFor(iproto16.CodeReplace, ordersSpace)) == 1 }, "snapshot write")
	assert.Empty(t, fake.requestsFor(iproto16.CodeReplace, positionSpace))
	assert.True(t, w.Committed().IsZero())
}

func TestWriter_ReadPositionTextFields(t *testing.T) {
	fake := newFakeTarantool()
	fake.setPosition(uint64(0), "mysql-bin.000002", "107", "3", "1700000000")

	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	pos, err := w.ReadPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Position{Name: "mysql-bin.000002", Offset: 107}, pos)
}

func TestWriter_ReadPositionShortTuple(t *testing.T) {
	fake := newFakeTarantool()
	fake.setPosition(uint64(0), "mysql-bin.000002")

	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	pos, err := w.ReadPosition(ctx)
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}

func drainUntilIdle(t *testing.T, w *sink.Writer) error {
	t.Helper()
	var err error
	eventually(t, func() bool {
		_, err = w.DrainReplies()
		return err != nil || w.InFlight() == 0
	}, "replies")
	return err
}

func TestWriter_RejectedReplyIsLogged(t *testing.T) {
	fake := newFakeTarantool()
	fake.setReject(ordersSpace, 3)

	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))
	_, err := w.ReadPosition(ctx)
	require.NoError(t, err)

	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpInsert, Row: row(1, "A")}))
	require.NoError(t, w.Sync(true))

	assert.NoError(t, drainUntilIdle(t, w))
	assert.True(t, w.Connected())
}

func TestWriter_RejectedReplyDisconnects(t *testing.T) {
	fake := newFakeTarantool()
	fake.setReject(ordersSpace, 3)

	w := newWriter(t, fake, func(c *sink.WriterConfig) { c.DisconnectOnError = true })
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))
	_, err := w.ReadPosition(ctx)
	require.NoError(t, err)

	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpInsert, Row: row(1, "A")}))
	require.NoError(t, w.Sync(true))

	err = drainUntilIdle(t, w)
	assert.ErrorIs(t, err, sink.ErrWriteRejected)
	assert.ErrorContains(t, err, "Duplicate key exists")
}

func TestWriter_MappingErrors(t *testing.T) {
	fake := newFakeTarantool()
	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	err := w.Apply(common.ChangeRecord{Database: "shop", Table: "customers", Operation: common.OpInsert, Row: row(1, "A")})
	assert.ErrorIs(t, err, sink.ErrMapping)

	err = w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpInsert, Row: column.Row{column.Int32(1)}})
	assert.ErrorIs(t, err, sink.ErrMapping)
	assert.ErrorContains(t, err, "out of range")

	// deletes only need the key
	assert.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpDelete, Row: column.Row{column.Int32(1)}}))
}

func TestWriter_GlobTarget(t *testing.T) {
	fake := newFakeTarantool()
	w := newWriter(t, fake, nil,
		ordersTarget(),
		sink.Target{Database: "shop", Table: "orders_*", Space: 601, Tuple: []int{0}, Keys: []int{0}},
	)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders_2024", Operation: common.OpUpdate, Row: row(9, "Z")}))
	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpUpdate, Row: row(8, "Y")}))
	require.NoError(t, w.Sync(true))

	eventually(t, func() bool { return len(fake.requestsFor(iproto16.CodeReplace, 601)) == 1 }, "glob write")
	assert.Equal(t, []interface{}{int64(9)}, fake.requestsFor(iproto16.CodeReplace, 601)[0].tuple())
	eventually(t, func() bool { return len(fake.requestsFor(iproto16.CodeReplace, ordersSpace)) == 1 }, "literal write")
}

func TestWriter_UpdateKeyChange(t *testing.T) {
	fake := newFakeTarantool()
	w := newWriter(t, fake, nil)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	// same key: a single replace
	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpUpdate,
		Before: row(1, "A"), Row: row(1, "B")}))
	// moved key: delete the old row, then replace
	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpUpdate,
		Before: row(1, "B"), Row: row(2, "B")}))
	require.NoError(t, w.Sync(true))

	eventually(t, func() bool { return len(fake.requestsFor(iproto16.CodeReplace, ordersSpace)) == 2 }, "replaces")
	deletes := fake.requestsFor(iproto16.CodeDelete, ordersSpace)
	require.Len(t, deletes, 1)
	assert.Equal(t, []interface{}{int64(1)}, deletes[0].body[iproto16.KeyKey])

	replaces := fake.requestsFor(iproto16.CodeReplace, ordersSpace)
	assert.Equal(t, []interface{}{int64(2), "B"}, replaces[1].tuple())
	assert.True(t, deletes[0].sync < replaces[1].sync, "delete is sent first")
}

func TestWriter_CallOverride(t *testing.T) {
	target := ordersTarget()
	target.DeleteCall = "orders_delete"

	fake := newFakeTarantool()
	w := newWriter(t, fake, nil, target)
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	require.NoError(t, w.Apply(common.ChangeRecord{Database: "shop", Table: "orders", Operation: common.OpDelete, Row: row(5, "E")}))
	require.NoError(t, w.Sync(true))

	eventually(t, func() bool { return len(fake.requestsWithCode(iproto16.CodeCall)) == 1 }, "call")
	call := fake.requestsWithCode(iproto16.CodeCall)[0]
	assert.Equal(t, "orders_delete", call.body[iproto16.KeyFunction])
	assert.Equal(t, []interface{}{int64(5)}, call.tuple())
	assert.Empty(t, fake.requestsWithCode(iproto16.CodeDelete))
}

func TestWriter_PingWhenDue(t *testing.T) {
	fake := newFakeTarantool()
	w := newWriter(t, fake, func(c *sink.WriterConfig) { c.PingInterval = time.Millisecond })
	ctx := context.Background()
	require.NoError(t, w.Connect(ctx))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.Sync(false))
	eventually(t, func() bool { return len(fake.requestsWithCode(iproto16.CodePing)) >= 1 }, "ping")
}

func TestWriter_ConnectThrottled(t *testing.T) {
	fake := newFakeTarantool()
	w := newWriter(t, fake, func(c *sink.WriterConfig) { c.ConnectRetry = time.Hour })

	require.NoError(t, w.Connect(context.Background()))
	w.Disconnect()
	assert.False(t, w.Connected())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Connect(ctx), sink.ErrThrottled)
	assert.Equal(t, 1, fake.dialCount())
}

func TestWriter_NotConnected(t *testing.T) {
	w := newWriter(t, newFakeTarantool(), nil)

	assert.ErrorIs(t, w.Apply(common.ChangeRecord{Operation: common.OpPositionOnly}), sink.ErrNotConnected)
	assert.ErrorIs(t, w.Sync(true), sink.ErrNotConnected)
	_, err := w.ReadPosition(context.Background())
	assert.ErrorIs(t, err, sink.ErrNotConnected)
	_, err = w.DrainReplies()
	assert.ErrorIs(t, err, sink.ErrNotConnected)
}

func TestNewWriter_Validation(t *testing.T) {
	_, err := sink.NewWriter(sink.WriterConfig{Protocol: "1.7", Address: "x:1"}, nil)
	assert.ErrorContains(t, err, "unknown tarantool protocol")

	_, err = sink.NewWriter(sink.WriterConfig{Protocol: iproto16.Name}, nil)
	assert.Error(t, err)

	_, err = sink.NewWriter(sink.WriterConfig{Protocol: iproto16.Name, Address: "x:1"},
		[]sink.Target{{Database: "shop", Table: "orders_["}})
	assert.Error(t, err)

	assert.Equal(t, []string{"1.5", "1.6"}, sink.Protocols())
}
