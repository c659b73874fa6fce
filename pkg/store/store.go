package store

import (
	"sort"
	"sync"
	"time"

	"github.com/substrateops/foreman/pkg/types"
)

// Collection names. Every change event carries one of these.
const (
	CollectionWorkers     = "workers"
	CollectionTasks       = "tasks"
	CollectionAssignments = "assignments"
	CollectionWorkerTasks = "workerTasks"
	CollectionMetadata    = "metadata"
)

// Recorder receives committed mutations for durable logging. Implemented by
// the write-ahead-log persistence engine; nil for snapshot-only or
// memory-only operation.
type Recorder interface {
	Record(ops []types.WALOp, timestamp int64) error
}

// Store is the authoritative in-memory state. All mutations run inside a
// transaction under a single exclusive write lock; readers proceed
// concurrently between writes. Change events are emitted post-commit in
// mutation order.
type Store struct {
	mu sync.RWMutex

	workers     map[string]*types.Worker
	tasks       map[string]*types.Task
	assignments map[string]string
	workerTasks map[string]types.StringSet
	metadata    map[string]any
	timestamps  map[string]int64

	broker   *Broker
	recorder Recorder

	// onPersistError is invoked when forwarding committed operations to the
	// recorder fails. In-memory state is authoritative and never reverted.
	onPersistError func(error)

	clockMu sync.Mutex
	clock   func() int64
	lastTS  int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall-clock source (epoch ms). Used by tests.
func WithClock(clock func() int64) Option {
	return func(s *Store) { s.clock = clock }
}

// WithRecorder attaches a durable mutation recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithPersistErrorHandler sets the observer for recorder failures.
func WithPersistErrorHandler(fn func(error)) Option {
	return func(s *Store) { s.onPersistError = fn }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		workers:     make(map[string]*types.Worker),
		tasks:       make(map[string]*types.Task),
		assignments: make(map[string]string),
		workerTasks: make(map[string]types.StringSet),
		metadata:    make(map[string]any),
		timestamps:  map[string]int64{"startedAt": time.Now().UnixMilli()},
		broker:      NewBroker(),
		clock:       types.NowMS,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.broker.Start()
	return s
}

// SetRecorder attaches a durable mutation recorder after construction. Used
// when the recorder itself needs the store as its snapshot source.
func (s *Store) SetRecorder(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Close stops change-event distribution.
func (s *Store) Close() {
	s.broker.Stop()
}

// Now returns the store's monotone-guarded wall clock in epoch ms. Equal
// readings are bumped so mutation timestamps never move backwards.
func (s *Store) Now() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	now := s.clock()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

// Subscribe registers a change-event subscriber.
func (s *Store) Subscribe() Subscriber {
	return s.broker.Subscribe()
}

// Unsubscribe removes a change-event subscriber.
func (s *Store) Unsubscribe(sub Subscriber) {
	s.broker.Unsubscribe(sub)
}

// GetWorker returns a copy-safe reference to the worker, or NotFound.
func (s *Store) GetWorker(id string) (*types.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, types.NotFound("worker", id)
	}
	return w, nil
}

// HasWorker reports whether the worker exists.
func (s *Store) HasWorker(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[id]
	return ok
}

// ListWorkers returns all workers sorted by id.
func (s *Store) ListWorkers() []*types.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetTask returns the task, or NotFound.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, types.NotFound("task", id)
	}
	return t, nil
}

// HasTask reports whether the task exists.
func (s *Store) HasTask(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

// ListTasks returns all tasks sorted by id.
func (s *Store) ListTasks() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assignment returns the worker currently responsible for the task.
func (s *Store) Assignment(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.assignments[taskID]
	return w, ok
}

// Assignments returns a copy of the full assignment relation.
func (s *Store) Assignments() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.assignments))
	for k, v := range s.assignments {
		out[k] = v
	}
	return out
}

// WorkerTaskIDs returns the sorted task ids currently assigned to the worker.
func (s *Store) WorkerTaskIDs(workerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerTasks[workerID].Slice()
}

// Meta returns a metadata value.
func (s *Store) Meta(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.metadata[key]
	return v, ok
}

// Metadata returns a copy of the metadata collection.
func (s *Store) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Counts returns entity totals used by metrics and the state endpoint:
// workers, non-offline workers, tasks, and non-terminal tasks.
func (s *Store) Counts() (workers, activeWorkers, tasks, activeTasks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers = len(s.workers)
	for _, w := range s.workers {
		if w.Status == types.WorkerStatusIdle || w.Status == types.WorkerStatusBusy {
			activeWorkers++
		}
	}
	tasks = len(s.tasks)
	for _, t := range s.tasks {
		if !t.Terminal() {
			activeTasks++
		}
	}
	return workers, activeWorkers, tasks, activeTasks
}

// MaterializeSnapshot deep-copies the full state into its serialized form.
// Safe to call concurrently with writers; the copy is taken under the read
// lock so it observes a committed, consistent point.
func (s *Store) MaterializeSnapshot() *types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &types.Snapshot{
		Workers:     make(map[string]*types.Worker, len(s.workers)),
		Tasks:       make(map[string]*types.Task, len(s.tasks)),
		Assignments: make(map[string]string, len(s.assignments)),
		WorkerTasks: make(map[string][]string, len(s.workerTasks)),
		Metadata:    make(map[string]any, len(s.metadata)),
		Timestamps:  make(map[string]int64, len(s.timestamps)),
	}
	for id, w := range s.workers {
		snap.Workers[id] = w.Clone()
	}
	for id, t := range s.tasks {
		snap.Tasks[id] = t.Clone()
	}
	for k, v := range s.assignments {
		snap.Assignments[k] = v
	}
	for k, set := range s.workerTasks {
		snap.WorkerTasks[k] = set.Slice()
	}
	for k, v := range s.metadata {
		snap.Metadata[k] = v
	}
	for k, v := range s.timestamps {
		snap.Timestamps[k] = v
	}
	snap.SnapshotTimestamp = time.UnixMilli(s.clock()).UTC().Format(time.RFC3339Nano)
	return snap
}

// LoadSnapshot replaces all in-memory state with the snapshot contents.
// Intended for startup restore before any other component runs; no change
// events are emitted.
func (s *Store) LoadSnapshot(snap *types.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers = make(map[string]*types.Worker, len(snap.Workers))
	for id, w := range snap.Workers {
		s.workers[id] = w.Clone()
	}
	s.tasks = make(map[string]*types.Task, len(snap.Tasks))
	for id, t := range snap.Tasks {
		s.tasks[id] = t.Clone()
	}
	s.assignments = make(map[string]string, len(snap.Assignments))
	for k, v := range snap.Assignments {
		s.assignments[k] = v
	}
	s.workerTasks = make(map[string]types.StringSet, len(snap.WorkerTasks))
	for k, ids := range snap.WorkerTasks {
		s.workerTasks[k] = types.NewStringSet(ids...)
	}
	s.metadata = make(map[string]any, len(snap.Metadata))
	for k, v := range snap.Metadata {
		s.metadata[k] = v
	}
	if snap.Timestamps != nil {
		s.timestamps = make(map[string]int64, len(snap.Timestamps))
		for k, v := range snap.Timestamps {
			s.timestamps[k] = v
		}
	}
}
