package scheduler

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/substrateops/foreman/pkg/bus"
	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/metrics"
	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

// DefaultMaxTasksPerWorker caps concurrent assignments per worker.
const DefaultMaxTasksPerWorker = 5

// Lifecycle event types published on the message bus.
const (
	EventTaskAssigned       = "task-assigned"
	EventTaskCompleted      = "task-completed"
	EventTaskFailed         = "task-failed"
	EventTaskCancelled      = "task-cancelled"
	EventTaskReassigned     = "task-reassigned"
	EventWorkerRegistered   = "worker-registered"
	EventWorkerUnregistered = "worker-unregistered"
)

// AssignmentHook is invoked after a committed assignment, outside the store
// lock. The session layer uses it to push task_assigned frames.
type AssignmentHook func(workerID string, task *types.Task)

// Scheduler owns task placement and the task lifecycle transitions driven by
// workers. Every mutation runs in a single store transaction.
type Scheduler struct {
	store      *store.Store
	bus        *bus.Bus
	registry   *metrics.Registry
	maxTasks   int
	onAssigned AssignmentHook
	logger     zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus attaches the message bus for lifecycle events.
func WithBus(b *bus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithRegistry attaches the metrics registry.
func WithRegistry(r *metrics.Registry) Option {
	return func(s *Scheduler) { s.registry = r }
}

// WithAssignmentHook sets the post-commit assignment callback.
func WithAssignmentHook(fn AssignmentHook) Option {
	return func(s *Scheduler) { s.onAssigned = fn }
}

// WithMaxTasksPerWorker overrides the per-worker assignment cap.
func WithMaxTasksPerWorker(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxTasks = n
		}
	}
}

// New creates a scheduler over the given store.
func New(st *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		maxTasks: DefaultMaxTasksPerWorker,
		logger:   log.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssignRequest describes a task to place.
type AssignRequest struct {
	TaskID               string
	PreferredWorker      string
	Priority             types.Priority
	RequiredCapabilities []string
	Payload              map[string]any
}

// AssignTask materializes the task and places it on a worker.
//
// With no preferred worker the candidate set is every worker that is idle or
// busy, below the assignment cap, and whose capabilities cover the task's
// requirements; the least-loaded candidate wins, ties broken by lexicographic
// worker id. When no candidate exists the task is still created and left
// pending, and ErrNoWorkersAvailable is returned alongside it.
//
// A preferred worker is validated strictly (exists, online, capacity,
// capabilities); on rejection nothing is created.
func (s *Scheduler) AssignTask(req AssignRequest) (*types.Task, error) {
	if req.TaskID == "" {
		return nil, types.Invalid("task id is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, types.Invalid("unknown priority %q", string(priority))
	}

	tx := s.store.Begin()

	task, err := s.materializeTask(tx, req, priority)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	worker, err := s.selectWorker(tx, task, req.PreferredWorker)
	if err != nil {
		if req.PreferredWorker == "" && errors.Is(err, types.ErrNoWorkersAvailable) {
			// No capacity anywhere: keep the task pending for a later drain.
			if cerr := tx.Commit(); cerr != nil {
				return nil, cerr
			}
			s.recordOperation()
			return task.Clone(), types.ErrNoWorkersAvailable
		}
		tx.Rollback()
		return nil, err
	}

	s.bind(tx, task, worker)
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.recordOperation()
	assigned := task.Clone()
	s.publish(EventTaskAssigned, map[string]any{"taskId": task.ID, "workerId": worker.ID}, types.PriorityHigh)
	if s.onAssigned != nil {
		s.onAssigned(worker.ID, assigned)
	}
	s.logger.Info().Str("task_id", task.ID).Str("worker_id", worker.ID).Msg("Task assigned")
	return assigned, nil
}

func (s *Scheduler) materializeTask(tx *store.Tx, req AssignRequest, priority types.Priority) (*types.Task, error) {
	if existing, err := tx.GetTask(req.TaskID); err == nil {
		if existing.Terminal() {
			return nil, types.Precondition("task %q already finished", req.TaskID)
		}
		if existing.Status != types.TaskStatusPending {
			return nil, types.Precondition("task %q already assigned to %q", req.TaskID, existing.AssignedTo)
		}
		return existing.Clone(), nil
	}
	task := &types.Task{
		ID:                   req.TaskID,
		Status:               types.TaskStatusPending,
		RequiredCapabilities: types.NewStringSet(req.RequiredCapabilities...),
		Priority:             priority,
		Payload:              req.Payload,
		CreatedAt:            tx.Now(),
	}
	tx.SetTask(task.Clone())
	return task, nil
}

func (s *Scheduler) selectWorker(tx *store.Tx, task *types.Task, preferred string) (*types.Worker, error) {
	if preferred != "" {
		w, err := tx.GetWorker(preferred)
		if err != nil {
			return nil, err
		}
		if w.Status == types.WorkerStatusOffline {
			return nil, types.ErrWorkerOffline
		}
		if w.Status == types.WorkerStatusError {
			return nil, types.Precondition("worker %q is in error state", preferred)
		}
		if w.ActiveTaskCount >= s.maxTasks {
			return nil, types.ErrWorkerAtCapacity
		}
		if !task.RequiredCapabilities.IsSubsetOf(w.Capabilities) {
			return nil, types.ErrCapabilityMismatch
		}
		return w, nil
	}

	var best *types.Worker
	for _, w := range tx.Workers() {
		if w.Status != types.WorkerStatusIdle && w.Status != types.WorkerStatusBusy {
			continue
		}
		if w.ActiveTaskCount >= s.maxTasks {
			continue
		}
		if !task.RequiredCapabilities.IsSubsetOf(w.Capabilities) {
			continue
		}
		// Workers iterate in id order, so strict less keeps the
		// lexicographic tie-break deterministic.
		if best == nil || w.ActiveTaskCount < best.ActiveTaskCount {
			best = w
		}
	}
	if best == nil {
		return nil, types.ErrNoWorkersAvailable
	}
	return best, nil
}

// bind applies the assignment mutations. Caller commits.
func (s *Scheduler) bind(tx *store.Tx, task *types.Task, worker *types.Worker) {
	now := tx.Now()

	task.Status = types.TaskStatusAssigned
	task.AssignedTo = worker.ID
	task.AssignedAt = now
	task.LastUpdateAt = now
	// Each placement starts a fresh progress run, including a reassignment
	// of a task that already reported progress elsewhere.
	task.Progress = 0
	tx.SetTask(task.Clone())

	tx.SetAssignment(task.ID, worker.ID)

	set := tx.WorkerTasks(worker.ID)
	set.Add(task.ID)
	tx.SetWorkerTasks(worker.ID, set)

	w := worker.Clone()
	w.ActiveTaskCount++
	w.Status = types.WorkerStatusBusy
	tx.SetWorker(w)
}

// Complete marks a task finished with a result. workerID, when non-empty,
// must match the current assignee.
func (s *Scheduler) Complete(taskID, workerID string, result any) (*types.Task, error) {
	task, err := s.finish(taskID, workerID, types.TaskStatusCompleted, result, "")
	if err != nil {
		return nil, err
	}
	if s.registry != nil {
		s.registry.TaskProcessed()
	}
	s.publish(EventTaskCompleted, map[string]any{"taskId": taskID, "workerId": task.AssignedTo}, types.PriorityNormal)
	return task, nil
}

// Fail marks a task failed with a reason. workerID, when non-empty, must
// match the current assignee.
func (s *Scheduler) Fail(taskID, workerID, reason string) (*types.Task, error) {
	task, err := s.finish(taskID, workerID, types.TaskStatusFailed, nil, reason)
	if err != nil {
		return nil, err
	}
	if s.registry != nil {
		s.registry.TaskFailed()
	}
	s.publish(EventTaskFailed, map[string]any{"taskId": taskID, "workerId": task.AssignedTo, "error": reason}, types.PriorityNormal)
	return task, nil
}

func (s *Scheduler) finish(taskID, workerID string, status types.TaskStatus, result any, reason string) (*types.Task, error) {
	var out *types.Task
	err := s.store.Update(func(tx *store.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Terminal() {
			return types.Precondition("task %q already finished", taskID)
		}
		assignee, assigned := tx.Assignment(taskID)
		if !assigned {
			return types.Precondition("task %q is not assigned", taskID)
		}
		if workerID != "" && workerID != assignee {
			return types.Precondition("task %q is assigned to %q, not %q", taskID, assignee, workerID)
		}

		now := tx.Now()
		t := task.Clone()
		t.Status = status
		t.LastUpdateAt = now
		if status == types.TaskStatusCompleted {
			t.Result = result
			t.Progress = 100
			t.CompletedAt = now
		} else {
			t.Error = reason
			t.FailedAt = now
		}
		tx.SetTask(t)
		out = t.Clone()

		releaseAssignment(tx, taskID, assignee, status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordOperation()
	s.logger.Info().Str("task_id", taskID).Str("status", string(status)).Msg("Task finished")
	return out, nil
}

// releaseAssignment removes the task from the worker's load accounting after
// it leaves the assigned or in_progress state.
func releaseAssignment(tx *store.Tx, taskID, workerID string, status types.TaskStatus) {
	tx.DeleteAssignment(taskID)

	set := tx.WorkerTasks(workerID)
	set.Remove(taskID)
	if set.Len() == 0 {
		tx.DeleteWorkerTasks(workerID)
	} else {
		tx.SetWorkerTasks(workerID, set)
	}

	worker, err := tx.GetWorker(workerID)
	if err != nil {
		return
	}
	w := worker.Clone()
	if w.ActiveTaskCount > 0 {
		w.ActiveTaskCount--
	}
	switch status {
	case types.TaskStatusCompleted:
		w.CompletedCount++
	case types.TaskStatusFailed:
		w.FailedCount++
	}
	if w.ActiveTaskCount == 0 && w.Status == types.WorkerStatusBusy {
		w.Status = types.WorkerStatusIdle
	}
	tx.SetWorker(w)
}

// UpdateProgress records a progress report from the current assignee. Reports
// from any other worker, for a task that is not assigned or in_progress, or
// that would move progress backwards are dropped without error so stale or
// reordered updates cannot corrupt state.
func (s *Scheduler) UpdateProgress(taskID, workerID string, progress int) (*types.Task, error) {
	if progress < 0 || progress > 100 {
		return nil, types.Invalid("progress %d out of range [0,100]", progress)
	}
	var out *types.Task
	changed := false
	err := s.store.Update(func(tx *store.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusAssigned && task.Status != types.TaskStatusInProgress {
			out = task.Clone()
			return nil
		}
		if assignee, _ := tx.Assignment(taskID); workerID != "" && workerID != assignee {
			out = task.Clone()
			return nil
		}
		if task.Status == types.TaskStatusInProgress && progress < task.Progress {
			out = task.Clone()
			return nil
		}
		t := task.Clone()
		t.Status = types.TaskStatusInProgress
		t.Progress = progress
		t.LastUpdateAt = tx.Now()
		tx.SetTask(t)
		out = t.Clone()
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.recordOperation()
	}
	return out, nil
}

// Cancel terminates a task without a result. A pending task is simply marked
// cancelled; an assigned one also releases its worker.
func (s *Scheduler) Cancel(taskID string) (*types.Task, error) {
	var out *types.Task
	err := s.store.Update(func(tx *store.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Terminal() {
			return types.Precondition("task %q already finished", taskID)
		}

		t := task.Clone()
		t.Status = types.TaskStatusCancelled
		t.AssignedTo = ""
		t.LastUpdateAt = tx.Now()
		tx.SetTask(t)
		out = t.Clone()

		if assignee, ok := tx.Assignment(taskID); ok {
			releaseAssignment(tx, taskID, assignee, types.TaskStatusCancelled)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordOperation()
	s.publish(EventTaskCancelled, map[string]any{"taskId": taskID}, types.PriorityNormal)
	s.logger.Info().Str("task_id", taskID).Msg("Task cancelled")
	return out, nil
}

// DrainPending tries to place every pending task, most urgent first and FIFO
// within a priority tier. Returns the number of tasks placed. Called after
// worker registration and heartbeat recovery.
func (s *Scheduler) DrainPending() int {
	pending := make([]*types.Task, 0)
	for _, t := range s.store.ListTasks() {
		if t.Status == types.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	sortPending(pending)

	placed := 0
	for _, t := range pending {
		if _, err := s.AssignTask(AssignRequest{TaskID: t.ID}); err != nil {
			if errors.Is(err, types.ErrNoWorkersAvailable) {
				continue
			}
			s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to place pending task")
			continue
		}
		placed++
	}
	return placed
}

func sortPending(tasks []*types.Task) {
	// Insertion sort keeps the creation-time FIFO within equal priorities.
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[j-1], tasks[j]
			if a.Priority.Rank() < b.Priority.Rank() ||
				(a.Priority.Rank() == b.Priority.Rank() && a.CreatedAt <= b.CreatedAt) {
				break
			}
			tasks[j-1], tasks[j] = b, a
		}
	}
}

func (s *Scheduler) recordOperation() {
	if s.registry != nil {
		s.registry.RecordOperation()
	}
}

func (s *Scheduler) publish(eventType string, payload map[string]any, priority types.Priority) {
	if s.bus == nil {
		return
	}
	payload["timestamp"] = time.Now().UnixMilli()
	if _, err := s.bus.Publish(eventType, payload, bus.PublishOptions{Priority: priority, Sender: "scheduler"}); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish lifecycle event")
	}
}
