package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/substrateops/foreman/pkg/store"
	"github.com/substrateops/foreman/pkg/types"
)

func populatedStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New()
	t.Cleanup(s.Close)
	require.NoError(t, s.Update(func(tx *store.Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Capabilities: types.NewStringSet("dev"), Status: types.WorkerStatusBusy, ActiveTaskCount: 1})
		tx.SetWorker(&types.Worker{ID: "w2", Capabilities: types.NewStringSet("sec"), Status: types.WorkerStatusIdle})
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusAssigned, AssignedTo: "w1", RequiredCapabilities: types.NewStringSet("dev")})
		tx.SetTask(&types.Task{ID: "t2", Status: types.TaskStatusCompleted})
		tx.SetAssignment("t1", "w1")
		tx.SetWorkerTasks("w1", types.NewStringSet("t1"))
		return nil
	}))
	return s
}

func TestSnapshotRestartRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := populatedStore(t)

	engine := New(Config{
		Strategy:     StrategySnapshot,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}, src)
	require.NoError(t, engine.Snapshot())

	// Simulate a restart: a fresh engine over an empty store.
	fresh := store.New()
	defer fresh.Close()
	engine2 := New(Config{
		Strategy:     StrategySnapshot,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}, fresh)
	snap, entries, err := engine2.Load()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.NotNil(t, snap)
	fresh.LoadSnapshot(snap)

	require.Equal(t, len(src.ListWorkers()), len(fresh.ListWorkers()))
	require.Equal(t, len(src.ListTasks()), len(fresh.ListTasks()))

	for _, orig := range src.ListWorkers() {
		got, err := fresh.GetWorker(orig.ID)
		require.NoError(t, err)
		require.Equal(t, orig.Status, got.Status)
		require.True(t, orig.Capabilities.Equal(got.Capabilities))
		require.Equal(t, orig.ActiveTaskCount, got.ActiveTaskCount)
	}
	for _, orig := range src.ListTasks() {
		got, err := fresh.GetTask(orig.ID)
		require.NoError(t, err)
		require.Equal(t, orig.Status, got.Status)
		require.Equal(t, orig.AssignedTo, got.AssignedTo)
	}
	assignee, ok := fresh.Assignment("t1")
	require.True(t, ok)
	require.Equal(t, "w1", assignee)
	require.Equal(t, []string{"t1"}, fresh.WorkerTaskIDs("w1"))
}

func TestSnapshotFileShape(t *testing.T) {
	dir := t.TempDir()
	src := populatedStore(t)

	engine := New(Config{
		Strategy:     StrategySnapshot,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
	}, src)
	require.NoError(t, engine.Snapshot())

	data, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"workers", "tasks", "assignments", "workerTasks", "metadata", "timestamps", "snapshot_timestamp"} {
		require.Contains(t, raw, key)
	}
}

func TestWALRecordFlushLoad(t *testing.T) {
	dir := t.TempDir()
	src := store.New()
	defer src.Close()

	engine := New(Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      filepath.Join(dir, "wal.log"),
	}, src)
	src.SetRecorder(engine)

	require.NoError(t, src.Update(func(tx *store.Tx) error {
		tx.SetWorker(&types.Worker{ID: "w1", Status: types.WorkerStatusIdle})
		tx.SetTask(&types.Task{ID: "t1", Status: types.TaskStatusPending})
		return nil
	}))
	require.NoError(t, engine.flushWAL())

	// Restart with no snapshot: everything replays from the log.
	fresh := store.New()
	defer fresh.Close()
	engine2 := New(Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      filepath.Join(dir, "wal.log"),
	}, fresh)
	snap, entries, err := engine2.Load()
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Len(t, entries, 2)

	for _, entry := range entries {
		require.NoError(t, fresh.ApplyWALOp(entry.Operation))
	}
	require.True(t, fresh.HasWorker("w1"))
	require.True(t, fresh.HasTask("t1"))
}

func TestWALEntryShape(t *testing.T) {
	dir := t.TempDir()
	src := store.New()
	defer src.Close()

	engine := New(Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      filepath.Join(dir, "wal.log"),
	}, src)
	require.NoError(t, engine.Record([]types.WALOp{{Type: "set", Collection: "workers", Key: "w1", Value: map[string]any{"id": "w1"}}}, 1234))
	require.NoError(t, engine.flushWAL())

	data, err := os.ReadFile(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)

	var line map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &line))
	require.Contains(t, line, "operation")
	require.Contains(t, line, "timestamp")
}

func TestSnapshotTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	src := populatedStore(t)

	engine := New(Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      filepath.Join(dir, "wal.log"),
	}, src)
	require.NoError(t, engine.Record([]types.WALOp{{Type: "set", Collection: "metadata", Key: "k", Value: "v"}}, types.NowMS()))
	require.NoError(t, engine.flushWAL())

	info, err := os.Stat(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))

	require.NoError(t, engine.Snapshot())

	info, err = os.Stat(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestSnapshotRacingFlushLosesNothing(t *testing.T) {
	dir := t.TempDir()
	src := store.New()
	defer src.Close()

	cfg := Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      filepath.Join(dir, "wal.log"),
	}
	engine := New(cfg, src)
	src.SetRecorder(engine)

	// A writer hammers the store while snapshots and flushes interleave.
	// Every committed key must survive a cold reload: a flush landing ops
	// in the log between state capture and the truncate would drop them.
	const writes = 300
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < writes; i++ {
			key := fmt.Sprintf("k%03d", i)
			_ = src.Update(func(tx *store.Tx) error {
				tx.SetMeta(key, "v")
				return nil
			})
		}
	}()
	for i := 0; i < 50; i++ {
		require.NoError(t, engine.flushWAL())
		require.NoError(t, engine.Snapshot())
	}
	<-done
	require.NoError(t, engine.flushWAL())

	fresh := store.New()
	defer fresh.Close()
	snap, entries, err := New(cfg, fresh).Load()
	require.NoError(t, err)
	if snap != nil {
		fresh.LoadSnapshot(snap)
	}
	for _, entry := range entries {
		require.NoError(t, fresh.ApplyWALOp(entry.Operation))
	}
	for i := 0; i < writes; i++ {
		_, ok := fresh.Meta(fmt.Sprintf("k%03d", i))
		require.True(t, ok, "key k%03d lost across reload", i)
	}
}

func TestLoadStopsAtTornWALTail(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")

	good, err := json.Marshal(types.WALEntry{
		Operation: types.WALOp{Type: "set", Collection: "metadata", Key: "k", Value: "v"},
		Timestamp: 100,
	})
	require.NoError(t, err)
	content := append(good, '\n')
	content = append(content, []byte(`{"operation":{"type":"set","coll`)...)
	require.NoError(t, os.WriteFile(walPath, content, 0o644))

	src := store.New()
	defer src.Close()
	engine := New(Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      walPath,
	}, src)

	_, entries, err := engine.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "metadata", entries[0].Operation.Collection)
}

func TestMemoryStrategyIsNoop(t *testing.T) {
	src := store.New()
	defer src.Close()

	engine := New(Config{Strategy: StrategyMemory}, src)
	require.NoError(t, engine.Start())
	require.NoError(t, engine.Record([]types.WALOp{{Type: "set", Collection: "metadata", Key: "k"}}, 1))
	require.NoError(t, engine.Snapshot())
	snap, entries, err := engine.Load()
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Empty(t, entries)
	require.NoError(t, engine.Stop())
}

func TestFlushFailureKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	src := store.New()
	defer src.Close()

	// WAL path pointing at a directory makes the append fail.
	engine := New(Config{
		Strategy:     StrategyWAL,
		SnapshotPath: filepath.Join(dir, "snapshot.json"),
		WALPath:      dir,
	}, src)
	require.NoError(t, engine.Record([]types.WALOp{{Type: "set", Collection: "metadata", Key: "k", Value: "v"}}, 1))
	require.Error(t, engine.flushWAL())

	m := engine.Metrics()
	require.Equal(t, int64(1), m.WriteFailures)
	require.Equal(t, int64(1), m.WALAppends)
	require.Zero(t, m.WALFlushes)
}
