package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatchdog(timeout time.Duration, fired *atomic.Int32) *Watchdog {
	w := New(timeout, func() { fired.Add(1) })
	w.poll = 5 * time.Millisecond
	return w
}

func TestWatchdog_FiresWithoutPings(t *testing.T) {
	var fired atomic.Int32
	w := newTestWatchdog(30*time.Millisecond, &fired)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// fires once
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestWatchdog_PingsKeepItQuiet(t *testing.T) {
	var fired atomic.Int32
	w := newTestWatchdog(100*time.Millisecond, &fired)
	w.Start()

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Ping()
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	assert.Equal(t, int32(0), fired.Load())
}

func TestWatchdog_ZeroTimeoutDisables(t *testing.T) {
	var fired atomic.Int32
	w := newTestWatchdog(0, &fired)
	w.Start()
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	assert.Equal(t, int32(0), fired.Load())
}

func TestWatchdog_StopIsIdempotent(t *testing.T) {
	w := New(time.Minute, func() {})
	w.Start()
	w.Stop()
	w.Stop()
}

func TestWatchdog_Expired(t *testing.T) {
	w := New(time.Second, func() {})
	now := time.Unix(0, w.lastPing.Load())
	assert.False(t, w.expired(now.Add(500*time.Millisecond)))
	assert.True(t, w.expired(now.Add(2*time.Second)))
}
