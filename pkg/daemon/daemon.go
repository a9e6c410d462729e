package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// Coordinator is the membership coordinator driven by the daemon
type Coordinator interface {
	Dispatch(ctx context.Context, ev *events.Event) error
	Snapshot(ctx context.Context) (metrics.Snapshot, error)
	State(ctx context.Context) (*types.ClusterState, error)
	Status(ctx context.Context) (types.UnitStatus, error)
	PendingRemovals(ctx context.Context) ([]string, error)
}

// Leadership is the leadership flag the daemon updates on behalf of the
// host runtime
type Leadership interface {
	IsLeader() bool
	Set(leader bool) bool
}

// Options configures a daemon
type Options struct {
	// Listen is the address of the HTTP endpoint
	Listen string
	// StatusInterval is the period of update-status events
	StatusInterval time.Duration
	// CollectInterval is the period of metrics collection
	CollectInterval time.Duration
}

// Daemon receives host events over HTTP and dispatches them one at a time
type Daemon struct {
	coordinator Coordinator
	leader      Leadership
	opts        Options

	broker    *events.Broker
	sub       events.Subscriber
	collector *metrics.Collector
	server    *http.Server
	mux       *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a daemon around coordinator
func New(coordinator Coordinator, leader Leadership, opts Options) *Daemon {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		coordinator: coordinator,
		leader:      leader,
		opts:        opts,
		broker:      events.NewBroker(),
		collector:   metrics.NewCollector(coordinator, opts.CollectInterval),
		mux:         http.NewServeMux(),
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithComponent("daemon"),
	}
	d.routes()
	return d
}

// Handler returns the HTTP handler of the daemon
func (d *Daemon) Handler() http.Handler {
	return d.mux
}

// Start begins dispatching events and serving HTTP. It returns once the
// listener is bound.
func (d *Daemon) Start() error {
	metrics.RegisterComponent("coordinator", true, "")

	d.broker.Start()
	d.sub = d.broker.Subscribe()

	d.wg.Add(1)
	go d.run()
	d.collector.Start()

	if d.opts.Listen == "" {
		return nil
	}

	ln, err := net.Listen("tcp", d.opts.Listen)
	if err != nil {
		d.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", d.opts.Listen, err)
	}

	d.server = &http.Server{
		Handler:      d.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	d.logger.Info().Str("addr", ln.Addr().String()).Msg("Daemon started")
	return nil
}

// Stop shuts the HTTP server down and waits for the event in flight
func (d *Daemon) Stop(ctx context.Context) error {
	var err error
	if d.server != nil {
		err = d.server.Shutdown(ctx)
	}
	d.collector.Stop()
	d.broker.Stop()
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("Daemon stopped")
	return err
}

// Publish queues a host event for dispatch
func (d *Daemon) Publish(ev *events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if !d.broker.Publish(ev) {
		return errors.New("daemon is stopped")
	}
	return nil
}

// run dispatches queued events and periodic update-status events. Events
// never overlap, each runs to completion before the next.
func (d *Daemon) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-d.sub:
			if !ok {
				return
			}
			d.dispatch(ev)
		case <-ticker.C:
			d.dispatch(events.New(events.UpdateStatus))
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Daemon) dispatch(ev *events.Event) {
	err := d.coordinator.Dispatch(d.ctx, ev)
	if err != nil {
		d.logger.Error().Err(err).Str("event", ev.String()).Msg("Event dispatch failed")
	}
	metrics.RecordDispatch(string(ev.Kind), err)
}
