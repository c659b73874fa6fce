package scheduler

import (
	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

// RegisterRequest describes a worker joining the fleet.
type RegisterRequest struct {
	WorkerID     string
	Capabilities []string
	Metadata     map[string]any
}

// RegisterWorker adds a worker, or refreshes an existing one on
// re-registration. A re-register keeps the worker's counters and task index;
// capabilities and metadata are replaced with the new announcement. After
// commit, pending tasks are drained onto the refreshed fleet.
func (s *Scheduler) RegisterWorker(req RegisterRequest) (*types.Worker, error) {
	if req.WorkerID == "" {
		return nil, types.Invalid("worker id is required")
	}

	var out *types.Worker
	err := s.store.Update(func(tx *store.Tx) error {
		now := tx.Now()
		if existing, err := tx.GetWorker(req.WorkerID); err == nil {
			w := existing.Clone()
			w.Capabilities = types.NewStringSet(req.Capabilities...)
			w.Metadata = req.Metadata
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
		}
		w := &types.Worker{
			ID:              req.WorkerID,
			Capabilities:    types.NewStringSet(req.Capabilities...),
			Status:          types.WorkerStatusIdle,
			Metadata:        req.Metadata,
			RegisteredAt:    now,
			LastHeartbeatAt: now,
			LastSeenAt:      now,
		}
		tx.SetWorker(w)
		out = w.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordOperation()
	s.publish(EventWorkerRegistered, map[string]any{"workerId": req.WorkerID}, types.PriorityNormal)
	s.logger.Info().Str("worker_id", req.WorkerID).Msg("Worker registered")
	s.DrainPending()
	return out, nil
}

// UnregisterWorker removes a worker from the fleet. Its unfinished tasks
// return to pending with reassignment lineage so a later drain can place
// them elsewhere.
func (s *Scheduler) UnregisterWorker(workerID, reason string) ([]string, error) {
	var reassigned []string
	err := s.store.Update(func(tx *store.Tx) error {
		if _, err := tx.GetWorker(workerID); err != nil {
			return err
		}
		reassigned = ReassignWorkerTasks(tx, workerID)
		tx.DeleteWorker(workerID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordOperation()
	payload := map[string]any{"workerId": workerID}
	if reason != "" {
		payload["reason"] = reason
	}
	s.publish(EventWorkerUnregistered, payload, types.PriorityNormal)
	for _, taskID := range reassigned {
		s.publish(EventTaskReassigned, map[string]any{"taskId": taskID, "previousWorker": workerID}, types.PriorityHigh)
	}
	s.logger.Info().Str("worker_id", workerID).Str("reason", reason).Int("reassigned", len(reassigned)).Msg("Worker unregistered")
	s.DrainPending()
	return reassigned, nil
}

// ReassignWorkerTasks returns every unfinished task held by the worker to
// pending, recording the previous worker and the reassignment time, and
// clears the worker's task index. The worker record itself is untouched;
// callers decide whether to mark it offline or delete it. Returns the
// reassigned task ids.
func ReassignWorkerTasks(tx *store.Tx, workerID string) []string {
	now := tx.Now()
	var reassigned []string
	for _, taskID := range tx.WorkerTasks(workerID).Slice() {
		task, err := tx.GetTask(taskID)
		if err != nil || task.Terminal() {
			continue
		}
		t := task.Clone()
		t.Status = types.TaskStatusPending
		t.AssignedTo = ""
		t.PreviousWorker = workerID
		t.ReassignedAt = now
		t.LastUpdateAt = now
		tx.SetTask(t)
		tx.DeleteAssignment(taskID)
		reassigned = append(reassigned, taskID)
	}
	tx.DeleteWorkerTasks(workerID)
	return reassigned
}
