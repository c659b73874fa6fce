package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/substrateops/foreman/pkg/scheduler"
	"github.com/substrateops/foreman/pkg/types"
)

type registerWorkerRequest struct {
	WorkerID     string         `json:"workerId"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type unregisterWorkerRequest struct {
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason,omitempty"`
}

type taskData struct {
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty"`
	Priority             types.Priority `json:"priority,omitempty"`
	Payload              map[string]any `json:"payload,omitempty"`
}

type assignTaskRequest struct {
	TaskID   string    `json:"taskId"`
	WorkerID string    `json:"workerId,omitempty"`
	TaskData *taskData `json:"taskData,omitempty"`
}

type completeTaskRequest struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId,omitempty"`
	Result   any    `json:"result,omitempty"`
}

type failTaskRequest struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type cancelTaskRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.cfg.Version,
		"uptimeMs": time.Since(s.start).Milliseconds(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	workers, activeWorkers, tasks, activeTasks := s.deps.Store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"workers":     s.deps.Store.ListWorkers(),
		"tasks":       s.deps.Store.ListTasks(),
		"assignments": s.deps.Store.Assignments(),
		"metadata":    s.deps.Store.Metadata(),
		"counts": map[string]int{
			"workers":       workers,
			"activeWorkers": activeWorkers,
			"tasks":         tasks,
			"activeTasks":   activeTasks,
		},
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	_, activeWorkers, _, activeTasks := s.deps.Store.Counts()
	var busMetrics *types.BusMetrics
	if s.deps.Bus != nil {
		busMetrics = s.deps.Bus.Metrics()
	}
	var persistMetrics *types.PersistMetrics
	if s.deps.Engine != nil {
		persistMetrics = s.deps.Engine.Metrics()
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot(activeWorkers, activeTasks, busMetrics, persistMetrics))
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, types.NotFound("component", "bus"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Bus.Metrics())
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.deps.Scheduler.RegisterWorker(scheduler.RegisterRequest{
		WorkerID:     req.WorkerID,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "worker": worker})
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	var req unregisterWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reassigned, err := s.deps.Scheduler.UnregisterWorker(req.WorkerID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reassignedTasks": reassigned})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.deps.Store.ListWorkers()})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.deps.Store.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	assign := scheduler.AssignRequest{TaskID: req.TaskID, PreferredWorker: req.WorkerID}
	if req.TaskData != nil {
		assign.RequiredCapabilities = req.TaskData.RequiredCapabilities
		assign.Priority = req.TaskData.Priority
		assign.Payload = req.TaskData.Payload
	}
	task, err := s.deps.Scheduler.AssignTask(assign)
	if err != nil {
		// The task may have been created pending even though placement
		// failed; the error body is authoritative either way.
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":               true,
		"assignedWorkerId": task.AssignedTo,
		"task":             task,
	})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.deps.Scheduler.Complete(req.TaskID, req.WorkerID, req.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req failTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.deps.Scheduler.Fail(req.TaskID, req.WorkerID, req.Error)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.deps.Scheduler.Cancel(req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Store.ListTasks()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Store.GetTask(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, errors.New("persistence engine not configured"))
		return
	}
	if err := s.deps.Engine.Snapshot(); err != nil {
		writeError(w, err)
		return
	}
	workers, _, tasks, _ := s.deps.Store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"path":      s.deps.Engine.SnapshotPath(),
		"timestamp": types.NowMS(),
		"counts":    map[string]int{"workers": workers, "tasks": tasks},
	})
}
