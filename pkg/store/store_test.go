package store

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/substrateops/foreman/pkg/types"
)

func recvChange(t *testing.T, sub Subscriber) types.Change {
	t.Helper()
	select {
	case change := <-sub:
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return types.Change{}
	}
}

func TestCommitEmitsChangesInOrder(t *testing.T) {
	s := New()
	defer s.Close()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	err := s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Status: types.WorkerStatusIdle})
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusPending})
		tx.SetAssignment("t1", "w1")
		return nil
	})
	require.NoError(t, err)

	first := recvChange(t, sub)
	require.Equal(t, CollectionWorkers, first.Collection)
	require.Equal(t, types.ChangeOpSet, first.Op)

	second := recvChange(t, sub)
	require.Equal(t, CollectionTasks, second.Collection)

	third := recvChange(t, sub)
	require.Equal(t, CollectionAssignments, third.Collection)
	require.Equal(t, "t1", third.Key)
	require.Equal(t, "w1", third.Value)
}

func TestSecondWriteIsUpdate(t *testing.T) {
	s := New()
	defer s.Close()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1"})
		return nil
	}))
	require.Equal(t, types.ChangeOpSet, recvChange(t, sub).Op)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Status: types.WorkerStatusBusy})
		return nil
	}))
	require.Equal(t, types.ChangeOpUpdate, recvChange(t, sub).Op)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.DeleteWorker("w1")
		return nil
	}))
	require.Equal(t, types.ChangeOpDelete, recvChange(t, sub).Op)
}

func TestConcurrentCommitsRecordInOrder(t *testing.T) {
	var recorded []int64
	rec := recorderFunc(func(ops []types.WALOp, _ int64) error {
		for _, op := range ops {
			recorded = append(recorded, op.Value.(int64))
		}
		return nil
	})
	s := New(WithRecorder(rec))
	defer s.Close()

	// The counter increments inside the transaction, under the write lock,
	// so recorder batches must arrive in strictly issued order even with
	// writers racing on the commit path.
	var seq atomic.Int64
	var wg sync.WaitGroup
	const perWriter = 200
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = s.Update(func(tx *Tx) error {
					tx.SetMeta("seq", seq.Add(1))
					return nil
				})
			}
		}()
	}
	wg.Wait()

	require.Len(t, recorded, 4*perWriter)
	for i, v := range recorded {
		require.Equal(t, int64(i+1), v)
	}
}

func TestMergeMeta(t *testing.T) {
	s := New()
	defer s.Close()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetMeta("build", map[string]any{"branch": "main", "commit": "abc"})
		return nil
	}))
	recvChange(t, sub)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.MergeMeta("build", map[string]any{"commit": "def", "dirty": true})
		return nil
	}))
	change := recvChange(t, sub)
	require.Equal(t, types.ChangeOpUpdate, change.Op)

	v, ok := s.Meta("build")
	require.True(t, ok)
	m := v.(map[string]any)
	require.Equal(t, "main", m["branch"])
	require.Equal(t, "def", m["commit"])
	require.Equal(t, true, m["dirty"])

	// Merging into an absent key behaves like a set.
	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.MergeMeta("fresh", map[string]any{"a": 1})
		return nil
	}))
	require.Equal(t, types.ChangeOpSet, recvChange(t, sub).Op)
}

func TestClearCollection(t *testing.T) {
	s := New()
	defer s.Close()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusPending})
		tx.SetTask(&types.Task{ID: "t2", Status: types.TaskStatusCompleted})
		return nil
	}))
	recvChange(t, sub)
	recvChange(t, sub)

	require.NoError(t, s.Update(func(tx *Tx) error {
		return tx.Clear(CollectionTasks)
	}))

	// One clear event, not one delete per key.
	change := recvChange(t, sub)
	require.Equal(t, types.ChangeOpClear, change.Op)
	require.Equal(t, CollectionTasks, change.Collection)
	require.Empty(t, s.ListTasks())

	require.Error(t, s.Update(func(tx *Tx) error {
		return tx.Clear("bogus")
	}))
}

func TestClearRollsBack(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusPending})
		return nil
	}))

	boom := errors.New("boom")
	err := s.Update(func(tx *Tx) error {
		require.NoError(t, tx.Clear(CollectionTasks))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, s.HasTask("t1"))
}

func TestUpdateRollbackRestoresState(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Status: types.WorkerStatusIdle})
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusPending})
		return nil
	}))

	boom := errors.New("boom")
	err := s.Update(func(tx *Tx) error {
		w, err := tx.GetWorker("w1")
		require.NoError(t, err)
		busy := w.Clone()
		busy.Status = types.WorkerStatusBusy
		tx.SetWorker(busy)
		tx.DeleteTask("t1")
		tx.SetWorker(&types.Worker{ID: "w2"})
		tx.SetAssignment("t1", "w1")
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWorker("w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerStatusIdle, w.Status)
	require.True(t, s.HasTask("t1"))
	require.False(t, s.HasWorker("w2"))
	_, ok := s.Assignment("t1")
	require.False(t, ok)
}

func TestRollbackEmitsNoEvents(t *testing.T) {
	s := New()
	defer s.Close()

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	_ = s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1"})
		return errors.New("abort")
	})

	select {
	case change := <-sub:
		t.Fatalf("unexpected change event: %+v", change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNowIsMonotone(t *testing.T) {
	fixed := int64(1000)
	s := New(WithClock(func() int64 { return fixed }))
	defer s.Close()

	first := s.Now()
	second := s.Now()
	third := s.Now()
	require.Equal(t, int64(1000), first)
	require.Greater(t, second, first)
	require.Greater(t, third, second)

	fixed = 5000
	require.Equal(t, int64(5000), s.Now())
}

func TestCounts(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Status: types.WorkerStatusIdle})
		tx.SetWorker(&types.Worker{ID: "w2", Status: types.WorkerStatusBusy})
		tx.SetWorker(&types.Worker{ID: "w3", Status: types.WorkerStatusOffline})
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusPending})
		tx.SetTask(&types.Task{ID: "t2", Status: types.TaskStatusCompleted})
		return nil
	}))

	workers, activeWorkers, tasks, activeTasks := s.Counts()
	require.Equal(t, 3, workers)
	require.Equal(t, 2, activeWorkers)
	require.Equal(t, 2, tasks)
	require.Equal(t, 1, activeTasks)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Capabilities: types.NewStringSet("dev"), Status: types.WorkerStatusBusy, ActiveTaskCount: 1})
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusAssigned, AssignedTo: "w1", RequiredCapabilities: types.NewStringSet("dev")})
		tx.SetAssignment("t1", "w1")
		tx.SetWorkerTasks("w1", types.NewStringSet("t1"))
		tx.SetMeta("epoch", "7")
		return nil
	}))

	snap := s.MaterializeSnapshot()
	require.NotEmpty(t, snap.SnapshotTimestamp)

	// Same bytes a restart would read.
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	restored := &types.Snapshot{}
	require.NoError(t, json.Unmarshal(data, restored))

	fresh := New()
	defer fresh.Close()
	fresh.LoadSnapshot(restored)

	w, err := fresh.GetWorker("w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerStatusBusy, w.Status)
	require.True(t, w.Capabilities.Contains("dev"))
	require.Equal(t, 1, w.ActiveTaskCount)

	task, err := fresh.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, types.TaskStatusAssigned, task.Status)
	require.Equal(t, "w1", task.AssignedTo)

	assignee, ok := fresh.Assignment("t1")
	require.True(t, ok)
	require.Equal(t, "w1", assignee)
	require.Equal(t, []string{"t1"}, fresh.WorkerTaskIDs("w1"))

	meta, ok := fresh.Meta("epoch")
	require.True(t, ok)
	require.Equal(t, "7", meta)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Capabilities: types.NewStringSet("dev")})
		return nil
	}))

	snap := s.MaterializeSnapshot()
	snap.Workers["w1"].Capabilities.Add("mutated")

	w, err := s.GetWorker("w1")
	require.NoError(t, err)
	require.False(t, w.Capabilities.Contains("mutated"))
}

func TestApplyWALOp(t *testing.T) {
	s := New()
	defer s.Close()

	// WAL values arrive as generic decoded JSON, not typed structs.
	raw, err := json.Marshal(&types.Worker{ID: "w1", Status: types.WorkerStatusIdle, Capabilities: types.NewStringSet("dev")})
	require.NoError(t, err)
	var decoded any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.NoError(t, s.ApplyWALOp(types.WALOp{Type: "set", Collection: CollectionWorkers, Key: "w1", Value: decoded}))
	w, err := s.GetWorker("w1")
	require.NoError(t, err)
	require.True(t, w.Capabilities.Contains("dev"))

	require.NoError(t, s.ApplyWALOp(types.WALOp{Type: "set", Collection: CollectionAssignments, Key: "t1", Value: "w1"}))
	assignee, ok := s.Assignment("t1")
	require.True(t, ok)
	require.Equal(t, "w1", assignee)

	require.NoError(t, s.ApplyWALOp(types.WALOp{Type: "set", Collection: CollectionWorkerTasks, Key: "w1", Value: []any{"t1"}}))
	require.Equal(t, []string{"t1"}, s.WorkerTaskIDs("w1"))

	require.NoError(t, s.ApplyWALOp(types.WALOp{Type: "delete", Collection: CollectionWorkers, Key: "w1"}))
	require.False(t, s.HasWorker("w1"))

	require.NoError(t, s.ApplyWALOp(types.WALOp{Type: "set", Collection: CollectionMetadata, Key: "k", Value: "v"}))
	require.NoError(t, s.ApplyWALOp(types.WALOp{Type: "clear", Collection: CollectionMetadata}))
	_, ok = s.Meta("k")
	require.False(t, ok)

	require.Error(t, s.ApplyWALOp(types.WALOp{Type: "merge", Collection: CollectionWorkers, Key: "w1"}))
	require.Error(t, s.ApplyWALOp(types.WALOp{Type: "clear", Collection: "bogus"}))
	require.Error(t, s.ApplyWALOp(types.WALOp{Type: "set", Collection: "bogus", Key: "x"}))
}

func TestRecorderReceivesCommittedOps(t *testing.T) {
	var got []types.WALOp
	rec := recorderFunc(func(ops []types.WALOp, _ int64) error {
		got = append(got, ops...)
		return nil
	})
	s := New(WithRecorder(rec))
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1"})
		tx.DeleteWorker("w1")
		return nil
	}))

	require.Len(t, got, 2)
	require.Equal(t, "set", got[0].Type)
	require.Equal(t, "delete", got[1].Type)
}

func TestRecorderFailureDoesNotRevert(t *testing.T) {
	var reported error
	rec := recorderFunc(func([]types.WALOp, int64) error { return errors.New("disk full") })
	s := New(WithRecorder(rec), WithPersistErrorHandler(func(err error) { reported = err }))
	defer s.Close()

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1"})
		return nil
	}))

	require.True(t, s.HasWorker("w1"))
	require.Error(t, reported)
}

type recorderFunc func(ops []types.WALOp, timestamp int64) error

func (f recorderFunc) Record(ops []types.WALOp, timestamp int64) error { return f(ops, timestamp) }
