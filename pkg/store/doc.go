/*
Package store provides Foreman's authoritative in-memory state with
transactional mutation and change events.

The store owns five keyed collections: workers, tasks, assignments (task id
to worker id), workerTasks (the per-worker inverse index), and opaque
metadata. All mutations run inside a transaction that holds a single
exclusive write lock; readers proceed concurrently between writes.

# Transactions

	err := s.Update(func(tx *store.Tx) error {
		task, err := tx.GetTask(id)
		if err != nil {
			return err
		}
		task.Status = types.TaskStatusAssigned
		tx.SetTask(task)
		tx.SetAssignment(task.ID, workerID)
		return nil
	})

On begin the transaction captures rollback snapshots (the previous value of
every key it touches). Commit forwards the operation batch to the attached
persistence recorder and emits the buffered change events in mutation order.
Rollback restores the captured values and discards everything pending.
Persistence failures during commit are surfaced through the configured
handler but never revert in-memory state; the store is authoritative.

# Change events

Every mutation produces a Change{collection, key, operation} carrying a
reference to the new value. Events reach in-process subscribers in mutation
order through a single dispatch goroutine. Consumers must treat the value as
immutable until the next event for the same key.

Collections are unordered by design; list accessors sort materialized views
by id for deterministic output. Timestamps come from a monotone-guarded wall
clock shared by every mutation in a transaction.
*/
package store
