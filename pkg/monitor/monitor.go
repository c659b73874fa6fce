package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/substrateops/foreman/pkg/bus"
	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/metrics"
	"github.com/substrateops/foreman/pkg/scheduler"
	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

// Defaults for unset Config fields.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
)

// Bus event types published by the monitor.
const (
	EventWorkerTimeout = "worker-timeout"
)

// Config holds liveness monitor configuration.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
}

// Monitor watches worker heartbeats. A worker whose heartbeat gap exceeds the
// timeout is marked offline and its unfinished tasks return to pending for
// reassignment.
type Monitor struct {
	cfg   Config
	store *store.Store
	sched *scheduler.Scheduler
	bus   *bus.Bus

	clock  func() int64
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBus attaches the message bus for timeout events.
func WithBus(b *bus.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// WithClock overrides the wall-clock source (epoch ms). Used by tests.
func WithClock(clock func() int64) Option {
	return func(m *Monitor) { m.clock = clock }
}

// New creates a liveness monitor.
func New(cfg Config, st *store.Store, sched *scheduler.Scheduler, opts ...Option) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		cfg:    cfg,
		store:  st,
		sched:  sched,
		clock:  types.NowMS,
		logger: log.WithComponent("monitor"),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the periodic heartbeat sweep.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().
		Dur("interval", m.cfg.HeartbeatInterval).
		Dur("timeout", m.cfg.HeartbeatTimeout).
		Msg("Liveness monitor started")
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep checks every non-offline worker's heartbeat gap once and expires the
// stale ones. Returns the ids of workers marked offline. Exposed for tests
// and for a forced check on demand.
func (m *Monitor) Sweep() []string {
	timeoutMS := m.cfg.HeartbeatTimeout.Milliseconds()
	var expired []string

	for _, w := range m.store.ListWorkers() {
		if w.Status == types.WorkerStatusOffline {
			continue
		}
		if m.clock()-w.LastHeartbeatAt <= timeoutMS {
			continue
		}
		reassigned, err := m.expireWorker(w.ID, timeoutMS)
		if err != nil {
			m.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("Failed to expire worker")
			continue
		}
		expired = append(expired, w.ID)
		metrics.WorkerTimeoutsTotal.Inc()
		m.publish(EventWorkerTimeout, map[string]any{"workerId": w.ID}, types.PriorityHigh)
		for _, taskID := range reassigned {
			metrics.TasksReassignedTotal.Inc()
			m.publish(scheduler.EventTaskReassigned, map[string]any{"taskId": taskID, "previousWorker": w.ID}, types.PriorityHigh)
		}
		m.logger.Warn().
			Str("worker_id", w.ID).
			Int("reassigned", len(reassigned)).
			Msg("Worker heartbeat timed out")
	}

	if len(expired) > 0 && m.sched != nil {
		m.sched.DrainPending()
	}
	return expired
}

// expireWorker transitions one worker to offline and returns its unfinished
// tasks to pending. The gap is re-checked inside the transaction so a
// heartbeat racing the sweep wins.
func (m *Monitor) expireWorker(workerID string, timeoutMS int64) ([]string, error) {
	var reassigned []string
	err := m.store.Update(func(tx *store.Tx) error {
		worker, err := tx.GetWorker(workerID)
		if err != nil {
			return err
		}
		if worker.Status == types.WorkerStatusOffline {
			return nil
		}
		now := m.clock()
		if now-worker.LastHeartbeatAt <= timeoutMS {
			return nil
		}

		reassigned = scheduler.ReassignWorkerTasks(tx, workerID)

		w := worker.Clone()
		w.Status = types.WorkerStatusOffline
		w.LastSeenAt = now
		w.ActiveTaskCount = 0
		tx.SetWorker(w)
		return nil
	})
	return reassigned, err
}

// Heartbeat records a liveness report from a worker. The status refreshes to
// busy or idle from the active count, except for workers in the error state,
// which only an operator may move.
func (m *Monitor) Heartbeat(workerID string) (*types.Worker, error) {
	var out *types.Worker
	err := m.store.Update(func(tx *store.Tx) error {
		worker, err := tx.GetWorker(workerID)
		if err != nil {
			return err
		}
		now := tx.Now()
		w := worker.Clone()
		w.LastHeartbeatAt = now
		w.LastSeenAt = now
		if w.Status != types.WorkerStatusError {
			if w.ActiveTaskCount > 0 {
				w.Status = types.WorkerStatusBusy
			} else {
				w.Status = types.WorkerStatusIdle
			}
		}
		tx.SetWorker(w)
		out = w.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Monitor) publish(eventType string, payload map[string]any, priority types.Priority) {
	if m.bus == nil {
		return
	}
	if _, err := m.bus.Publish(eventType, payload, bus.PublishOptions{Priority: priority, Sender: "monitor"}); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish liveness event")
	}
}
