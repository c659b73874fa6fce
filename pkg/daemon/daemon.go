package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/substrateops/foreman/pkg/api"
	"github.com/substrateops/foreman/pkg/bus"
	"github.com/substrateops/foreman/pkg/config"
	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/metrics"
	"github.com/substrateops/foreman/pkg/monitor"
	"github.com/substrateops/foreman/pkg/persist"
	"github.com/substrateops/foreman/pkg/scheduler"
	"github.com/substrateops/foreman/pkg/session"
	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

// Daemon wires the coordination components together and owns their
// lifecycle. Start order follows the dependency chain (persistence, store,
// bus, sessions, API, monitor); Stop unwinds it in reverse.
type Daemon struct {
	cfg     *config.Config
	version string

	registry *metrics.Registry
	store    *store.Store
	engine   *persist.Engine
	bus      *bus.Bus
	sched    *scheduler.Scheduler
	mon      *monitor.Monitor
	hub      *session.Hub
	api      *api.Server
	wsServer *http.Server

	apiErr <-chan error
	wsErr  chan error

	logger zerolog.Logger
}

// New creates an unstarted daemon.
func New(cfg *config.Config, version string) *Daemon {
	return &Daemon{
		cfg:     cfg,
		version: version,
		wsErr:   make(chan error, 1),
		logger:  log.WithComponent("daemon"),
	}
}

// Start brings every component up. On error the components already running
// are stopped again.
func (d *Daemon) Start() error {
	d.registry = metrics.NewRegistry()
	d.store = store.New(store.WithPersistErrorHandler(func(err error) {
		metrics.PersistFailuresTotal.Inc()
		d.logger.Error().Err(err).Msg("Persistence write failed")
	}))

	d.engine = persist.New(persist.Config{
		Strategy:         persist.Strategy(d.cfg.Persistence),
		SnapshotInterval: d.cfg.SnapshotInterval(),
		SnapshotPath:     d.cfg.SnapshotPath,
		WALPath:          d.cfg.WALPath,
		WALSyncInterval:  d.cfg.WALSyncInterval(),
		MetricsSource:    d.metricsSnapshot,
		OnError: func(err error) {
			metrics.PersistFailuresTotal.Inc()
		},
	}, d.store)
	d.store.SetRecorder(d.engine)

	if err := d.restore(); err != nil {
		return err
	}
	if err := d.engine.Start(); err != nil {
		return fmt.Errorf("starting persistence engine: %w", err)
	}

	d.bus = bus.New(bus.Config{
		ProcessingInterval: d.cfg.ProcessingInterval(),
		MaxQueueSize:       d.cfg.MaxQueueSize,
	})
	d.bus.Start()

	d.sched = scheduler.New(d.store,
		scheduler.WithBus(d.bus),
		scheduler.WithRegistry(d.registry),
		scheduler.WithMaxTasksPerWorker(d.cfg.MaxTasksPerWorker),
		scheduler.WithAssignmentHook(func(workerID string, task *types.Task) {
			if d.hub != nil {
				d.hub.PushAssignment(workerID, task)
			}
		}),
	)

	d.mon = monitor.New(monitor.Config{
		HeartbeatInterval: d.cfg.HeartbeatInterval(),
		HeartbeatTimeout:  d.cfg.HeartbeatTimeout(),
	}, d.store, d.sched, monitor.WithBus(d.bus))

	d.hub = session.NewHub(d.store, d.sched, d.mon, d.cfg.HeartbeatInterval())
	d.hub.Start()
	if err := d.startWS(); err != nil {
		d.teardown(context.Background())
		return err
	}

	d.api = api.NewServer(api.Config{
		Host:    d.cfg.Host,
		Port:    d.cfg.HTTPPort,
		Version: d.version,
	}, api.Deps{
		Store:     d.store,
		Scheduler: d.sched,
		Monitor:   d.mon,
		Engine:    d.engine,
		Bus:       d.bus,
		Registry:  d.registry,
	})
	apiErr, err := d.api.Start()
	if err != nil {
		d.teardown(context.Background())
		return err
	}
	d.apiErr = apiErr

	d.mon.Start()
	d.logger.Info().
		Str("version", d.version).
		Str("persistence", d.cfg.Persistence).
		Int("http_port", d.cfg.HTTPPort).
		Int("ws_port", d.cfg.WSPort).
		Msg("Daemon started")
	return nil
}

// restore loads the persisted snapshot plus any newer WAL entries into the
// store before anything else can mutate it.
func (d *Daemon) restore() error {
	snap, entries, err := d.engine.Load()
	if err != nil {
		return fmt.Errorf("loading persisted state: %w", err)
	}
	if snap != nil {
		d.store.LoadSnapshot(snap)
		d.logger.Info().
			Int("workers", len(snap.Workers)).
			Int("tasks", len(snap.Tasks)).
			Msg("State restored from snapshot")
	}
	replayed := 0
	for _, entry := range entries {
		if err := d.store.ApplyWALOp(entry.Operation); err != nil {
			d.logger.Warn().Err(err).Msg("Skipping unreplayable WAL entry")
			continue
		}
		replayed++
	}
	if replayed > 0 {
		d.logger.Info().Int("entries", replayed).Msg("WAL replayed")
	}
	return nil
}

func (d *Daemon) startWS() error {
	mux := http.NewServeMux()
	mux.Handle("/ws", d.hub)
	d.wsServer = &http.Server{
		Addr:        net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.WSPort)),
		Handler:     mux,
		ReadTimeout: 0, // sessions are long-lived
	}
	ln, err := net.Listen("tcp", d.wsServer.Addr)
	if err != nil {
		return fmt.Errorf("binding session listener: %w", err)
	}
	go func() {
		if err := d.wsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.wsErr <- err
		}
		close(d.wsErr)
	}()
	d.logger.Info().Str("addr", d.wsServer.Addr).Msg("Session listener ready")
	return nil
}

// Run starts the daemon and blocks until the context is cancelled or a
// listener fails, then stops everything within the shutdown budget.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-d.apiErr:
	case serveErr = <-d.wsErr:
	}
	if serveErr != nil {
		d.logger.Error().Err(serveErr).Msg("Listener failed")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout())
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		return err
	}
	return serveErr
}

// Stop shuts components down in reverse start order: stop accepting work,
// close sessions, drain the bus, flush persistence, release ports.
func (d *Daemon) Stop(ctx context.Context) error {
	d.logger.Info().Msg("Daemon stopping")
	err := d.teardown(ctx)
	d.logger.Info().Msg("Daemon stopped")
	return err
}

func (d *Daemon) teardown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.mon != nil {
		d.mon.Stop()
	}
	if d.api != nil {
		keep(d.api.Stop(ctx))
	}
	if d.wsServer != nil {
		keep(d.wsServer.Shutdown(ctx))
	}
	if d.hub != nil {
		d.hub.Stop()
	}
	if d.bus != nil {
		d.bus.Flush(ctx)
		d.bus.Stop()
	}
	if d.engine != nil {
		keep(d.engine.Stop())
	}
	if d.store != nil {
		d.store.Close()
	}
	return firstErr
}

func (d *Daemon) metricsSnapshot() *types.MetricsSnapshot {
	_, activeWorkers, _, activeTasks := d.store.Counts()
	var busMetrics *types.BusMetrics
	if d.bus != nil {
		busMetrics = d.bus.Metrics()
	}
	return d.registry.Snapshot(activeWorkers, activeTasks, busMetrics, d.engine.Metrics())
}
