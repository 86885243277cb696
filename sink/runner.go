package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replicatord/replicatord/delivery"
	"github.com/replicatord/replicatord/state"
	"github.com/replicatord/replicatord/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default wait for the next queued record per loop iteration
	DefaultPollTimeout = 100 * time.Millisecond
	// Upper bound on waiting for outstanding replies at shutdown
	DefaultShutdownWait = 2 * time.Second
)

// RunnerConfig configures the sink worker
type RunnerConfig struct {
	Writer       *Writer
	Channel      *delivery.Channel
	State        *state.State
	PollTimeout  time.Duration
	ShutdownWait time.Duration
}

// Runner owns the Writer and drives it from a single goroutine. Each
// connection restores the position and notifies the driver, then waits for
// the driver's release before moving records from the channel to Tarantool
// until the connection fails or the runner is stopped.
type Runner struct {
	config RunnerConfig
	syncCh chan chan error

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	errMu sync.Mutex
	err   error
}

func NewRunner(config RunnerConfig) (*Runner, error) {
	if config.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if config.Channel == nil {
		return nil, fmt.Errorf("delivery channel is required")
	}
	if config.State == nil {
		return nil, fmt.Errorf("state is required")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.ShutdownWait <= 0 {
		config.ShutdownWait = DefaultShutdownWait
	}

	r := &Runner{
		config: config,
		syncCh: make(chan chan error),
		doneCh: make(chan struct{}),
	}
	close(r.doneCh)

	config.State.SetHooks(config.Writer.ReadPosition, r.RequestSync)
	return r, nil
}

// Start launches the worker goroutine
func (r *Runner) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.doneCh = make(chan struct{})
	r.running.Store(true)

	log.Info().
		Str("address", r.config.Writer.config.Address).
		Str("protocol", r.config.Writer.proto.Name()).
		Msg("Starting sink runner")

	go r.run(ctx, r.doneCh)
}

// Stop drains queued records, forces a final commit and disconnects
func (r *Runner) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Load() {
		return
	}

	log.Info().Msg("Stopping sink runner")

	r.cancel()
	<-r.doneCh
	r.running.Store(false)

	log.Info().Str("committed", r.config.Writer.Committed().String()).Msg("Sink runner stopped")
}

// Done is closed when the worker goroutine exits
func (r *Runner) Done() <-chan struct{} {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	return r.doneCh
}

// Err is the fatal error that ended the runner, if any
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	r.err = err
}

// RequestSync asks the worker for a forced commit and waits for the result
func (r *Runner) RequestSync(ctx context.Context) error {
	done := r.Done()
	reply := make(chan error, 1)

	select {
	case r.syncCh <- reply:
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	w := r.config.Writer
	for {
		if ctx.Err() != nil {
			return
		}
		r.rejectSyncs()

		if err := w.Connect(ctx); err != nil {
			if !errors.Is(err, ErrThrottled) && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Tarantool connect failed")
			}
			continue
		}
		r.config.State.ConnectionOpened()
		telemetry.SinkConnected.Set(1)

		err := r.serve(ctx)

		w.Disconnect()
		r.config.State.ConnectionClosed()
		telemetry.SinkConnected.Set(0)

		if err == nil {
			return
		}
		if errors.Is(err, ErrMapping) {
			log.Error().Err(err).Msg("Sink stopped on unmappable record")
			r.setErr(err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		telemetry.SinkReconnects.Inc()
		log.Warn().Err(err).Msg("Tarantool connection lost, reconnecting")
		if err := r.config.Channel.Notify(ctx, delivery.Status{Kind: delivery.Disconnected}); err != nil {
			return
		}
	}
}

// serve runs one connection. It returns nil only after a clean shutdown.
func (r *Runner) serve(ctx context.Context) error {
	w := r.config.Writer
	ch := r.config.Channel

	pos, err := r.config.State.Restore(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("binlog", pos.String()).Msg("Restored binlog position from Tarantool")

	// records still queued belong to the capture that ran before this
	// connection; wait for the driver to discard them
	ready := make(chan struct{})
	if err := ch.Notify(ctx, delivery.Status{Kind: delivery.Connected, Position: pos, Ready: ready}); err != nil {
		return nil
	}
	if !r.awaitHandoff(ctx, ready) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case reply := <-r.syncCh:
			err := w.Sync(true)
			r.commit()
			reply <- err
			if err != nil {
				return err
			}
		default:
		}

		if rec, ok := ch.Receive(r.config.PollTimeout); ok {
			if err := w.Apply(rec); err != nil {
				return err
			}
		}
		if err := w.Sync(false); err != nil {
			return err
		}
		r.commit()
		if _, err := w.DrainReplies(); err != nil {
			return err
		}
	}
}

// awaitHandoff blocks until ready is closed; false means ctx ended first
func (r *Runner) awaitHandoff(ctx context.Context, ready <-chan struct{}) bool {
	for {
		select {
		case <-ready:
			return true
		case reply := <-r.syncCh:
			reply <- ErrNotConnected
		case <-ctx.Done():
			return false
		}
	}
}

// shutdown applies whatever is still queued, forces a commit and waits a
// bounded time for the outstanding replies
func (r *Runner) shutdown() error {
	w := r.config.Writer
	for {
		rec, ok := r.config.Channel.Receive(0)
		if !ok {
			break
		}
		if err := w.Apply(rec); err != nil {
			return err
		}
	}
	if err := w.Sync(true); err != nil {
		return err
	}
	r.commit()

	deadline := time.Now().Add(r.config.ShutdownWait)
	for w.InFlight() > 0 && time.Now().Before(deadline) {
		if _, err := w.DrainReplies(); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (r *Runner) commit() {
	if c := r.config.Writer.Committed(); !c.IsZero() {
		r.config.State.SetCommitted(c)
	}
}

// rejectSyncs answers pending sync requests while disconnected
func (r *Runner) rejectSyncs() {
	for {
		select {
		case reply := <-r.syncCh:
			reply <- ErrNotConnected
		default:
			return
		}
	}
}
