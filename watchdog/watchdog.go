// Package watchdog terminates a stalled process. Both pipeline stages ping
// it; when no ping arrives within the timeout the timeout handler runs.
package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout = 60 * time.Second
	pollInterval   = time.Second
)

type Watchdog struct {
	timeout   time.Duration
	onTimeout func()
	poll      time.Duration

	lastPing atomic.Int64
	fired    atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New returns a stopped watchdog. onTimeout defaults to a fatal log. A zero
// timeout disables the watchdog.
func New(timeout time.Duration, onTimeout func()) *Watchdog {
	if onTimeout == nil {
		onTimeout = func() {
			log.Fatal().Dur("timeout", timeout).Msg("Replication stalled, exiting")
		}
	}
	w := &Watchdog{
		timeout:   timeout,
		onTimeout: onTimeout,
		poll:      pollInterval,
		stopCh:    make(chan struct{}),
	}
	w.Ping()
	return w
}

// Ping records liveness. Safe to call from any goroutine.
func (w *Watchdog) Ping() {
	w.lastPing.Store(time.Now().UnixNano())
}

func (w *Watchdog) Start() {
	if w.timeout <= 0 {
		log.Info().Msg("Watchdog disabled")
		return
	}
	w.Ping()
	w.wg.Add(1)
	go w.loop()
}

func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if !w.expired(time.Now()) {
				continue
			}
			if w.fired.Swap(true) {
				return
			}
			log.Error().
				Dur("timeout", w.timeout).
				Time("last_ping", time.Unix(0, w.lastPing.Load())).
				Msg("ping timeout detected by watchdog")
			w.onTimeout()
			return
		}
	}
}

func (w *Watchdog) expired(now time.Time) bool {
	return now.Sub(time.Unix(0, w.lastPing.Load())) > w.timeout
}
