package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/substrateops/foreman/pkg/types"
)

// DefaultLatencyWindow bounds the sliding latency sample ring.
const DefaultLatencyWindow = 1000

// Registry maintains the daemon-scoped counters behind the operator metrics
// snapshot. One instance lives for the lifetime of the daemon; no state
// leaks across instances.
type Registry struct {
	start time.Time

	operations     atomic.Int64
	tasksProcessed atomic.Int64
	tasksFailed    atomic.Int64

	mu      sync.Mutex
	samples []float64
	next    int
	filled  int
}

// NewRegistry creates a registry with the default latency window.
func NewRegistry() *Registry {
	return &Registry{
		start:   time.Now(),
		samples: make([]float64, DefaultLatencyWindow),
	}
}

// RecordOperation counts one state-changing operation.
func (r *Registry) RecordOperation() {
	r.operations.Add(1)
	OperationsTotal.Inc()
}

// RecordLatency adds a sample to the sliding window.
func (r *Registry) RecordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	r.mu.Lock()
	r.samples[r.next] = ms
	r.next = (r.next + 1) % len(r.samples)
	if r.filled < len(r.samples) {
		r.filled++
	}
	r.mu.Unlock()
}

// TaskProcessed counts one completed task.
func (r *Registry) TaskProcessed() {
	r.tasksProcessed.Add(1)
	TasksProcessedTotal.Inc()
}

// TaskFailed counts one failed task.
func (r *Registry) TaskFailed() {
	r.tasksFailed.Add(1)
	TasksFailedTotal.Inc()
}

// Operations returns the operation count so far.
func (r *Registry) Operations() int64 {
	return r.operations.Load()
}

func (r *Registry) latency() (avg float64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 {
		return 0, 0
	}
	sum := 0.0
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / float64(r.filled), r.filled
}

// Snapshot assembles the observable metrics surface. Entity counts come from
// the caller (the store owns them); bus and persistence sub-metrics are
// optional.
func (r *Registry) Snapshot(activeWorkers, activeTasks int, busMetrics *types.BusMetrics, persistMetrics *types.PersistMetrics) *types.MetricsSnapshot {
	elapsed := time.Since(r.start)
	ops := r.operations.Load()
	opsPerSec := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		opsPerSec = float64(ops) / secs
	}
	avg, n := r.latency()

	WorkersActive.Set(float64(activeWorkers))
	TasksActive.Set(float64(activeTasks))
	if busMetrics != nil {
		for priority, depth := range busMetrics.QueueDepth {
			BusQueueDepth.WithLabelValues(priority).Set(float64(depth))
		}
	}

	return &types.MetricsSnapshot{
		Operations:          ops,
		OperationsPerSec:    opsPerSec,
		ActiveWorkers:       activeWorkers,
		ActiveTasks:         activeTasks,
		TotalTasksProcessed: r.tasksProcessed.Load(),
		TotalTasksFailed:    r.tasksFailed.Load(),
		AvgLatencyMS:        avg,
		LatencySamples:      n,
		UptimeMS:            elapsed.Milliseconds(),
		Bus:                 busMetrics,
		Persistence:         persistMetrics,
	}
}
