// Package replicator drives the two pipeline stages. The sink runner owns
// the Tarantool connection and reports its state; on every (re)connect the
// daemon restarts capture from the position the sink durably holds.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/replicatord/replicatord/capture"
	"github.com/replicatord/replicatord/common"
	"github.com/replicatord/replicatord/delivery"
	"github.com/replicatord/replicatord/state"
	"github.com/rs/zerolog/log"
)

const DefaultPingInterval = time.Second

var ErrRunnerExited = errors.New("sink runner exited")

// Sequence is an open capture sequence
type Sequence interface {
	Next(ctx context.Context) (common.ChangeRecord, error)
	Stop()
}

// OpenFunc opens a capture sequence at from; a zero position means snapshot
type OpenFunc func(ctx context.Context, from common.Position) (Sequence, error)

// Runner is the sink stage
type Runner interface {
	Start(ctx context.Context)
	Stop()
	Done() <-chan struct{}
	Err() error
}

type Pinger interface {
	Ping()
}

type Deps struct {
	Open     OpenFunc
	Runner   Runner
	Channel  *delivery.Channel
	State    *state.State
	Watchdog Pinger // optional

	// PingInterval paces watchdog pings while capture is idle
	PingInterval time.Duration
}

// PipelineOpener adapts a capture pipeline to OpenFunc
func PipelineOpener(p *capture.Pipeline) OpenFunc {
	return func(ctx context.Context, from common.Position) (Sequence, error) {
		seq, err := p.Open(ctx, from)
		if err != nil {
			return nil, err
		}
		return seq, nil
	}
}

type captureRun struct {
	seq    Sequence
	cancel context.CancelFunc
	done   chan struct{}
}

type Daemon struct {
	deps    Deps
	errCh   chan error
	capture *captureRun

	mu       sync.Mutex
	restarts int
}

func New(deps Deps) (*Daemon, error) {
	if deps.Open == nil {
		return nil, fmt.Errorf("capture opener is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("sink runner is required")
	}
	if deps.Channel == nil {
		return nil, fmt.Errorf("delivery channel is required")
	}
	if deps.State == nil {
		deps.State = state.New()
	}
	if deps.PingInterval <= 0 {
		deps.PingInterval = DefaultPingInterval
	}
	return &Daemon{deps: deps, errCh: make(chan error, 1)}, nil
}

// Run replicates until ctx ends or a stage fails fatally. Cancelling ctx is
// a clean shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	runner := d.deps.Runner
	runner.Start(ctx)

	ticker := time.NewTicker(d.deps.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down replication")
			d.stopCapture()
			runner.Stop()
			return nil

		case <-runner.Done():
			d.stopCapture()
			if ctx.Err() != nil {
				return nil
			}
			if err := runner.Err(); err != nil {
				return fmt.Errorf("sink: %w", err)
			}
			return ErrRunnerExited

		case err := <-d.errCh:
			d.stopCapture()
			runner.Stop()
			return fmt.Errorf("capture: %w", err)

		case st := <-d.deps.Channel.Statuses():
			if err := d.handleStatus(ctx, st); err != nil {
				d.stopCapture()
				runner.Stop()
				return err
			}

		case <-ticker.C:
			// an idle daemon waiting for the sink is alive; a running
			// capture pings for itself
			if d.capture == nil {
				d.ping()
			}
		}
	}
}

func (d *Daemon) handleStatus(ctx context.Context, st delivery.Status) error {
	switch st.Kind {
	case delivery.Connected:
		d.stopCapture()
		if n := d.deps.Channel.Reset(); n > 0 {
			log.Info().Int("records", n).Msg("Dropped undelivered records, capture restarts from the sink position")
		}
		st.Release()
		return d.startCapture(ctx, st.Position)

	case delivery.Disconnected:
		log.Warn().Msg("Sink disconnected, pausing capture")
		d.stopCapture()
	}
	return nil
}

func (d *Daemon) startCapture(ctx context.Context, from common.Position) error {
	d.ping()
	seq, err := d.deps.Open(ctx, from)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("capture: open at %s: %w", from, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	run := &captureRun{seq: seq, cancel: cancel, done: make(chan struct{})}
	d.capture = run

	d.mu.Lock()
	d.restarts++
	d.mu.Unlock()

	d.deps.State.SetProcessing(true)
	log.Info().Str("binlog", from.String()).Msg("Capture started")

	go d.pump(cctx, run)
	return nil
}

// pump moves records from the sequence into the delivery channel
func (d *Daemon) pump(ctx context.Context, run *captureRun) {
	defer close(run.done)

	for {
		rec, err := run.seq.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			select {
			case d.errCh <- err:
			default:
			}
			return
		}
		if err := d.deps.Channel.Send(ctx, rec); err != nil {
			return
		}
	}
}

func (d *Daemon) stopCapture() {
	run := d.capture
	if run == nil {
		return
	}
	d.capture = nil

	run.seq.Stop()
	run.cancel()
	<-run.done
	d.deps.State.SetProcessing(false)
	log.Debug().Msg("Capture stopped")
}

func (d *Daemon) ping() {
	if d.deps.Watchdog != nil {
		d.deps.Watchdog.Ping()
	}
}

// Restarts counts capture sequences opened so far
func (d *Daemon) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}
