package scheduler

import (
	"fmt"
	"testing"

	"github.com/containerd/errdefs"
	"pgregory.net/rapid"

	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

// Random operation sequences must keep the assignment bookkeeping
// consistent: every assigned or in_progress task appears in exactly one
// worker's index with a matching assignment row, worker active counts equal
// their index sizes and respect the cap, and every placement satisfies the
// capability requirement.
func TestAssignmentInvariants(t *testing.T) {
	const maxTasks = 3
	capabilities := []string{"dev", "sec", "ops"}

	rapid.Check(t, func(t *rapid.T) {
		st := store.New()
		defer st.Close()
		s := New(st, WithMaxTasksPerWorker(maxTasks))

		workerIDs := []string{"w1", "w2", "w3"}
		taskIDs := []string{"t1", "t2", "t3", "t4", "t5", "t6"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0:
				id := rapid.SampledFrom(workerIDs).Draw(t, "register")
				caps := rapid.SliceOfDistinct(rapid.SampledFrom(capabilities), rapid.ID[string]).Draw(t, "caps")
				if _, err := s.RegisterWorker(RegisterRequest{WorkerID: id, Capabilities: caps}); err != nil {
					t.Fatalf("register: %v", err)
				}
			case 1:
				id := rapid.SampledFrom(workerIDs).Draw(t, "unregister")
				if _, err := s.UnregisterWorker(id, ""); err != nil && !isExpected(err) {
					t.Fatalf("unregister: %v", err)
				}
			case 2:
				id := rapid.SampledFrom(taskIDs).Draw(t, "assign")
				caps := rapid.SliceOfDistinct(rapid.SampledFrom(capabilities), rapid.ID[string]).Draw(t, "reqs")
				if _, err := s.AssignTask(AssignRequest{TaskID: id, RequiredCapabilities: caps}); err != nil && !isExpected(err) {
					t.Fatalf("assign: %v", err)
				}
			case 3:
				id := rapid.SampledFrom(taskIDs).Draw(t, "complete")
				if _, err := s.Complete(id, "", nil); err != nil && !isExpected(err) {
					t.Fatalf("complete: %v", err)
				}
			case 4:
				id := rapid.SampledFrom(taskIDs).Draw(t, "fail")
				if _, err := s.Fail(id, "", "induced"); err != nil && !isExpected(err) {
					t.Fatalf("fail: %v", err)
				}
			case 5:
				id := rapid.SampledFrom(taskIDs).Draw(t, "cancel")
				if _, err := s.Cancel(id); err != nil && !isExpected(err) {
					t.Fatalf("cancel: %v", err)
				}
			}
			checkInvariants(t, st, maxTasks)
		}
	})
}

// isExpected filters the failures a random walk legitimately produces:
// nothing placeable, unknown ids, and transitions from the wrong state.
func isExpected(err error) bool {
	return errdefs.IsResourceExhausted(err) ||
		errdefs.IsNotFound(err) ||
		errdefs.IsFailedPrecondition(err)
}

func checkInvariants(t *rapid.T, st *store.Store, maxTasks int) {
	assignments := st.Assignments()

	for _, task := range st.ListTasks() {
		assignee, hasAssignment := assignments[task.ID]
		switch task.Status {
		case types.TaskStatusAssigned, types.TaskStatusInProgress:
			if !hasAssignment {
				t.Fatalf("task %s is %s but has no assignment", task.ID, task.Status)
			}
			if task.AssignedTo != assignee {
				t.Fatalf("task %s assignedTo %q but assignment says %q", task.ID, task.AssignedTo, assignee)
			}
			holders := 0
			for _, w := range st.ListWorkers() {
				for _, id := range st.WorkerTaskIDs(w.ID) {
					if id == task.ID {
						holders++
						if w.ID != assignee {
							t.Fatalf("task %s indexed under %s, assigned to %s", task.ID, w.ID, assignee)
						}
					}
				}
			}
			if holders != 1 {
				t.Fatalf("task %s appears in %d worker indexes", task.ID, holders)
			}

			worker, err := st.GetWorker(assignee)
			if err != nil {
				t.Fatalf("assignee %s missing: %v", assignee, err)
			}
			if !task.RequiredCapabilities.IsSubsetOf(worker.Capabilities) {
				t.Fatalf("task %s requirements %v exceed worker %s capabilities %v",
					task.ID, task.RequiredCapabilities.Slice(), worker.ID, worker.Capabilities.Slice())
			}
		default:
			if hasAssignment {
				t.Fatalf("task %s is %s but still has an assignment", task.ID, task.Status)
			}
			if (task.Status == types.TaskStatusPending || task.Status == types.TaskStatusCancelled) && task.AssignedTo != "" {
				t.Fatalf("task %s is %s but assignedTo is %q", task.ID, task.Status, task.AssignedTo)
			}
		}
	}

	for _, w := range st.ListWorkers() {
		indexed := len(st.WorkerTaskIDs(w.ID))
		if indexed != w.ActiveTaskCount {
			t.Fatalf("worker %s activeTaskCount %d but index holds %d", w.ID, w.ActiveTaskCount, indexed)
		}
		if w.ActiveTaskCount > maxTasks {
			t.Fatalf("worker %s over capacity: %d", w.ID, w.ActiveTaskCount)
		}
	}
}
