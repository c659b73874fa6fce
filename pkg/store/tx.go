package store

import (
	"fmt"
	"sort"

	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/types"
)

// Tx is a multi-operation transaction. It holds the store's exclusive write
// lock from Begin until Commit or Rollback, so at most one transaction is in
// flight at any time. Mutations apply to the live maps immediately; an undo
// log captures the previous value of every touched key so Rollback can
// restore them.
//
// A goroutine must never call Begin while it already holds an open Tx.
type Tx struct {
	s       *Store
	undo    []undoEntry
	ops     []types.WALOp
	changes []types.Change
	now     int64
	done    bool
}

type undoEntry struct {
	collection string
	key        string
	existed    bool
	prev       any
}

// Begin opens a transaction, blocking until the write lock is acquired.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	return &Tx{s: s, now: s.Now()}
}

// Update runs fn inside a transaction, committing on nil and rolling back on
// error. This is the preferred entry point for multi-step mutations.
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx := s.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Now returns the timestamp captured at Begin. All mutations within one
// transaction share it.
func (tx *Tx) Now() int64 {
	return tx.now
}

// Commit forwards the operation batch to the persistence recorder, enqueues
// the buffered change events, and then releases the write lock. The recorder
// append and the broker enqueue both happen before the lock drops, so
// concurrent commits record and publish in mutation order; both are
// in-memory handoffs and the actual I/O stays off-lock. A recorder failure
// is reported through the persist-error handler but never reverts in-memory
// state.
func (tx *Tx) Commit() error {
	if tx.done {
		return types.Precondition("transaction already finished")
	}
	tx.done = true

	var perr error
	if tx.s.recorder != nil && len(tx.ops) > 0 {
		if err := tx.s.recorder.Record(tx.ops, tx.now); err != nil {
			perr = fmt.Errorf("recording committed operations: %w", err)
		}
	}
	for _, change := range tx.changes {
		tx.s.broker.Publish(change)
	}
	tx.s.mu.Unlock()

	if perr != nil {
		if tx.s.onPersistError != nil {
			tx.s.onPersistError(perr)
		} else {
			log.Errorf("persistence record failed", perr)
		}
	}
	return nil
}

// Rollback restores every captured previous value and discards the pending
// operations and change events.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	// Undo in reverse so repeated touches of one key resolve to the oldest.
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		tx.restore(u)
	}
	tx.s.mu.Unlock()
}

func (tx *Tx) restore(u undoEntry) {
	switch u.collection {
	case CollectionWorkers:
		if u.existed {
			tx.s.workers[u.key] = u.prev.(*types.Worker)
		} else {
			delete(tx.s.workers, u.key)
		}
	case CollectionTasks:
		if u.existed {
			tx.s.tasks[u.key] = u.prev.(*types.Task)
		} else {
			delete(tx.s.tasks, u.key)
		}
	case CollectionAssignments:
		if u.existed {
			tx.s.assignments[u.key] = u.prev.(string)
		} else {
			delete(tx.s.assignments, u.key)
		}
	case CollectionWorkerTasks:
		if u.existed {
			tx.s.workerTasks[u.key] = u.prev.(types.StringSet)
		} else {
			delete(tx.s.workerTasks, u.key)
		}
	case CollectionMetadata:
		if u.existed {
			tx.s.metadata[u.key] = u.prev
		} else {
			delete(tx.s.metadata, u.key)
		}
	}
}

func (tx *Tx) record(collection, key string, existed bool, prev any, op types.ChangeOp, value any) {
	tx.undo = append(tx.undo, undoEntry{collection: collection, key: key, existed: existed, prev: prev})
	walType := "set"
	if op == types.ChangeOpDelete {
		walType = "delete"
	}
	tx.ops = append(tx.ops, types.WALOp{Type: walType, Collection: collection, Key: key, Value: value})
	tx.changes = append(tx.changes, types.Change{Collection: collection, Key: key, Op: op, Value: value})
}

func changeOpFor(existed bool) types.ChangeOp {
	if existed {
		return types.ChangeOpUpdate
	}
	return types.ChangeOpSet
}

// GetWorker reads a worker inside the transaction.
func (tx *Tx) GetWorker(id string) (*types.Worker, error) {
	w, ok := tx.s.workers[id]
	if !ok {
		return nil, types.NotFound("worker", id)
	}
	return w, nil
}

// Workers returns all workers sorted by id, read inside the transaction.
func (tx *Tx) Workers() []*types.Worker {
	out := make([]*types.Worker, 0, len(tx.s.workers))
	for _, w := range tx.s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns all tasks sorted by id, read inside the transaction.
func (tx *Tx) Tasks() []*types.Task {
	out := make([]*types.Task, 0, len(tx.s.tasks))
	for _, t := range tx.s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetWorker writes a worker record.
func (tx *Tx) SetWorker(w *types.Worker) {
	prev, existed := tx.s.workers[w.ID]
	tx.record(CollectionWorkers, w.ID, existed, prev, changeOpFor(existed), w)
	tx.s.workers[w.ID] = w
}

// DeleteWorker removes a worker record.
func (tx *Tx) DeleteWorker(id string) {
	prev, existed := tx.s.workers[id]
	if !existed {
		return
	}
	tx.record(CollectionWorkers, id, true, prev, types.ChangeOpDelete, nil)
	delete(tx.s.workers, id)
}

// GetTask reads a task inside the transaction.
func (tx *Tx) GetTask(id string) (*types.Task, error) {
	t, ok := tx.s.tasks[id]
	if !ok {
		return nil, types.NotFound("task", id)
	}
	return t, nil
}

// SetTask writes a task record.
func (tx *Tx) SetTask(t *types.Task) {
	prev, existed := tx.s.tasks[t.ID]
	tx.record(CollectionTasks, t.ID, existed, prev, changeOpFor(existed), t)
	tx.s.tasks[t.ID] = t
}

// DeleteTask removes a task record.
func (tx *Tx) DeleteTask(id string) {
	prev, existed := tx.s.tasks[id]
	if !existed {
		return
	}
	tx.record(CollectionTasks, id, true, prev, types.ChangeOpDelete, nil)
	delete(tx.s.tasks, id)
}

// Assignment reads the assignment relation inside the transaction.
func (tx *Tx) Assignment(taskID string) (string, bool) {
	w, ok := tx.s.assignments[taskID]
	return w, ok
}

// SetAssignment records that workerID is responsible for taskID.
func (tx *Tx) SetAssignment(taskID, workerID string) {
	prev, existed := tx.s.assignments[taskID]
	tx.record(CollectionAssignments, taskID, existed, prev, changeOpFor(existed), workerID)
	tx.s.assignments[taskID] = workerID
}

// DeleteAssignment removes the assignment for taskID.
func (tx *Tx) DeleteAssignment(taskID string) {
	prev, existed := tx.s.assignments[taskID]
	if !existed {
		return
	}
	tx.record(CollectionAssignments, taskID, true, prev, types.ChangeOpDelete, nil)
	delete(tx.s.assignments, taskID)
}

// WorkerTasks returns a mutable copy of the worker's task index. Write it
// back with SetWorkerTasks to take effect.
func (tx *Tx) WorkerTasks(workerID string) types.StringSet {
	return tx.s.workerTasks[workerID].Clone()
}

// SetWorkerTasks replaces the worker's task index.
func (tx *Tx) SetWorkerTasks(workerID string, set types.StringSet) {
	prev, existed := tx.s.workerTasks[workerID]
	tx.record(CollectionWorkerTasks, workerID, existed, prev, changeOpFor(existed), set.Slice())
	tx.s.workerTasks[workerID] = set
}

// DeleteWorkerTasks drops the worker's task index.
func (tx *Tx) DeleteWorkerTasks(workerID string) {
	prev, existed := tx.s.workerTasks[workerID]
	if !existed {
		return
	}
	tx.record(CollectionWorkerTasks, workerID, true, prev, types.ChangeOpDelete, nil)
	delete(tx.s.workerTasks, workerID)
}

// MergeMeta shallow-merges fields into an existing metadata map value. A
// missing key, or one holding a non-map value, is replaced wholesale.
func (tx *Tx) MergeMeta(key string, fields map[string]any) {
	prev, existed := tx.s.metadata[key]
	merged := make(map[string]any, len(fields))
	if m, ok := prev.(map[string]any); ok {
		for k, v := range m {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	tx.record(CollectionMetadata, key, existed, prev, changeOpFor(existed), merged)
	tx.s.metadata[key] = merged
}

// Clear empties a collection, emitting a single clear event instead of one
// delete per key.
func (tx *Tx) Clear(collection string) error {
	switch collection {
	case CollectionWorkers:
		for id, w := range tx.s.workers {
			tx.undo = append(tx.undo, undoEntry{collection: collection, key: id, existed: true, prev: w})
		}
		tx.s.workers = make(map[string]*types.Worker)
	case CollectionTasks:
		for id, t := range tx.s.tasks {
			tx.undo = append(tx.undo, undoEntry{collection: collection, key: id, existed: true, prev: t})
		}
		tx.s.tasks = make(map[string]*types.Task)
	case CollectionAssignments:
		for k, v := range tx.s.assignments {
			tx.undo = append(tx.undo, undoEntry{collection: collection, key: k, existed: true, prev: v})
		}
		tx.s.assignments = make(map[string]string)
	case CollectionWorkerTasks:
		for k, set := range tx.s.workerTasks {
			tx.undo = append(tx.undo, undoEntry{collection: collection, key: k, existed: true, prev: set})
		}
		tx.s.workerTasks = make(map[string]types.StringSet)
	case CollectionMetadata:
		for k, v := range tx.s.metadata {
			tx.undo = append(tx.undo, undoEntry{collection: collection, key: k, existed: true, prev: v})
		}
		tx.s.metadata = make(map[string]any)
	default:
		return types.Invalid("unknown collection %q", collection)
	}
	tx.ops = append(tx.ops, types.WALOp{Type: "clear", Collection: collection})
	tx.changes = append(tx.changes, types.Change{Collection: collection, Op: types.ChangeOpClear})
	return nil
}

// SetMeta writes an opaque metadata value.
func (tx *Tx) SetMeta(key string, value any) {
	prev, existed := tx.s.metadata[key]
	tx.record(CollectionMetadata, key, existed, prev, changeOpFor(existed), value)
	tx.s.metadata[key] = value
}

// DeleteMeta removes a metadata value.
func (tx *Tx) DeleteMeta(key string) {
	prev, existed := tx.s.metadata[key]
	if !existed {
		return
	}
	tx.record(CollectionMetadata, key, true, prev, types.ChangeOpDelete, nil)
	delete(tx.s.metadata, key)
}

// ApplyWALOp replays one write-ahead-log operation during startup recovery.
// Values arrive as decoded JSON and are coerced to their typed form.
func (s *Store) ApplyWALOp(op types.WALOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Type {
	case "set":
		return s.applyWALSet(op)
	case "delete":
		switch op.Collection {
		case CollectionWorkers:
			delete(s.workers, op.Key)
		case CollectionTasks:
			delete(s.tasks, op.Key)
		case CollectionAssignments:
			delete(s.assignments, op.Key)
		case CollectionWorkerTasks:
			delete(s.workerTasks, op.Key)
		case CollectionMetadata:
			delete(s.metadata, op.Key)
		default:
			return types.Invalid("unknown collection %q in WAL", op.Collection)
		}
		return nil
	case "clear":
		switch op.Collection {
		case CollectionWorkers:
			s.workers = make(map[string]*types.Worker)
		case CollectionTasks:
			s.tasks = make(map[string]*types.Task)
		case CollectionAssignments:
			s.assignments = make(map[string]string)
		case CollectionWorkerTasks:
			s.workerTasks = make(map[string]types.StringSet)
		case CollectionMetadata:
			s.metadata = make(map[string]any)
		default:
			return types.Invalid("unknown collection %q in WAL", op.Collection)
		}
		return nil
	default:
		return types.Invalid("unknown WAL operation %q", op.Type)
	}
}

func (s *Store) applyWALSet(op types.WALOp) error {
	switch op.Collection {
	case CollectionWorkers:
		w, err := decodeAs[types.Worker](op.Value)
		if err != nil {
			return err
		}
		s.workers[op.Key] = w
	case CollectionTasks:
		t, err := decodeAs[types.Task](op.Value)
		if err != nil {
			return err
		}
		s.tasks[op.Key] = t
	case CollectionAssignments:
		id, ok := op.Value.(string)
		if !ok {
			return types.Invalid("assignment value for %q is not a string", op.Key)
		}
		s.assignments[op.Key] = id
	case CollectionWorkerTasks:
		ids, err := decodeStringSlice(op.Value)
		if err != nil {
			return err
		}
		s.workerTasks[op.Key] = types.NewStringSet(ids...)
	case CollectionMetadata:
		s.metadata[op.Key] = op.Value
	default:
		return types.Invalid("unknown collection %q in WAL", op.Collection)
	}
	return nil
}
