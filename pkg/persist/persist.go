package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"github.com/substrateops/foreman/pkg/log"
	"github.com/substrateops/foreman/pkg/metrics"
	"github.com/substrateops/foreman/pkg/types"
)

// Strategy selects how state reaches disk
type Strategy string

const (
	StrategyMemory   Strategy = "memory-only"
	StrategySnapshot Strategy = "periodic-snapshot"
	StrategyWAL      Strategy = "write-ahead-log"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyMemory, StrategySnapshot, StrategyWAL:
		return true
	}
	return false
}

// Source materializes the full state for snapshotting.
type Source interface {
	MaterializeSnapshot() *types.Snapshot
}

// Config holds persistence engine configuration
type Config struct {
	Strategy         Strategy
	SnapshotInterval time.Duration
	SnapshotPath     string
	WALPath          string
	WALSyncInterval  time.Duration

	// MetricsSource, when set, embeds a metrics snapshot in every persisted
	// snapshot. Optional.
	MetricsSource func() *types.MetricsSnapshot

	// OnError observes background write failures. Optional; failures are
	// logged either way. Persistence is best-effort and never blocks the
	// in-memory store.
	OnError func(error)
}

// Engine writes snapshots and/or a write-ahead log on a timer. All I/O is
// best-effort from the store's perspective; failures are observable through
// metrics and the error hook but never revert in-memory state.
type Engine struct {
	cfg    Config
	source Source

	mu     sync.Mutex
	buffer []types.WALEntry

	// ioMu serializes WAL file appends against snapshot capture and
	// truncation. Without it a flush can land entries in the log between
	// the state capture and the truncate, and those entries would be lost.
	ioMu sync.Mutex

	snapshots      atomic.Int64
	walAppends     atomic.Int64
	walFlushes     atomic.Int64
	writeFailures  atomic.Int64
	lastSnapshotAt atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a persistence engine for the given source.
func New(cfg Config, source Source) *Engine {
	return &Engine{
		cfg:    cfg,
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Strategy returns the configured strategy.
func (e *Engine) Strategy() Strategy {
	return e.cfg.Strategy
}

// Start launches the snapshot and WAL flush tickers appropriate for the
// configured strategy.
func (e *Engine) Start() error {
	switch e.cfg.Strategy {
	case StrategyMemory:
		return nil
	case StrategySnapshot:
		if err := e.ensureDir(e.cfg.SnapshotPath); err != nil {
			return err
		}
		e.wg.Add(1)
		go e.snapshotLoop()
	case StrategyWAL:
		if err := e.ensureDir(e.cfg.SnapshotPath); err != nil {
			return err
		}
		if err := e.ensureDir(e.cfg.WALPath); err != nil {
			return err
		}
		e.wg.Add(2)
		go e.snapshotLoop()
		go e.walLoop()
	default:
		return types.Invalid("unknown persistence strategy %q", string(e.cfg.Strategy))
	}
	return nil
}

// Stop halts the tickers, flushes any buffered WAL entries, and writes a
// final snapshot for the durable strategies.
func (e *Engine) Stop() error {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	e.wg.Wait()

	if e.cfg.Strategy == StrategyMemory {
		return nil
	}
	if e.cfg.Strategy == StrategyWAL {
		if err := e.flushWAL(); err != nil {
			e.reportError(err)
		}
	}
	if err := e.Snapshot(); err != nil {
		e.reportError(err)
		return err
	}
	return nil
}

func (e *Engine) ensureDir(path string) error {
	if path == "" {
		return types.Invalid("persistence path not configured for strategy %q", string(e.cfg.Strategy))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating persistence directory: %w", err)
	}
	return nil
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	interval := e.cfg.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Snapshot(); err != nil {
				e.reportError(err)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) walLoop() {
	defer e.wg.Done()
	interval := e.cfg.WALSyncInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.flushWAL(); err != nil {
				e.reportError(err)
			}
		case <-e.stopCh:
			return
		}
	}
}

// Record buffers committed mutations for the next WAL flush. It implements
// the store's Recorder contract and never touches disk directly; the no-op
// for non-WAL strategies keeps commits cheap.
func (e *Engine) Record(ops []types.WALOp, timestamp int64) error {
	if e.cfg.Strategy != StrategyWAL {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		e.buffer = append(e.buffer, types.WALEntry{Operation: op, Timestamp: timestamp})
		e.walAppends.Add(1)
	}
	return nil
}

// flushWAL appends buffered entries to the log file as JSON lines. On write
// failure the entries are restored to the head of the buffer for retry.
func (e *Engine) flushWAL() error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	e.mu.Lock()
	pending := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	err := e.appendWAL(pending)
	if err != nil {
		e.writeFailures.Add(1)
		e.mu.Lock()
		e.buffer = append(pending, e.buffer...)
		e.mu.Unlock()
		return fmt.Errorf("flushing WAL: %w", err)
	}
	e.walFlushes.Add(1)
	return nil
}

func (e *Engine) appendWAL(entries []types.WALEntry) error {
	f, err := os.OpenFile(e.cfg.WALPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Snapshot serializes the full state and atomically replaces the snapshot
// file (temp file, fsync, rename). For the WAL strategy a successful
// snapshot also truncates the log tail, since everything it held is now
// captured.
func (e *Engine) Snapshot() error {
	if e.cfg.Strategy == StrategyMemory {
		return nil
	}
	// Anything flushed to the log before this point is covered by the
	// capture below; nothing may reach the file until the truncate is done.
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	snap := e.source.MaterializeSnapshot()
	if e.cfg.MetricsSource != nil {
		snap.Metrics = e.cfg.MetricsSource()
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := renameio.WriteFile(e.cfg.SnapshotPath, data, 0o644); err != nil {
		e.writeFailures.Add(1)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	e.snapshots.Add(1)
	metrics.SnapshotsTotal.Inc()
	e.lastSnapshotAt.Store(types.NowMS())

	if e.cfg.Strategy == StrategyWAL {
		if err := os.Truncate(e.cfg.WALPath, 0); err != nil && !os.IsNotExist(err) {
			e.writeFailures.Add(1)
			return fmt.Errorf("truncating WAL after snapshot: %w", err)
		}
	}
	return nil
}

// SnapshotPath returns the configured snapshot file location.
func (e *Engine) SnapshotPath() string {
	return e.cfg.SnapshotPath
}

// Load reads the persisted snapshot, if any, plus the WAL entries recorded
// after it. Called once at startup before any other component runs.
func (e *Engine) Load() (*types.Snapshot, []types.WALEntry, error) {
	if e.cfg.Strategy == StrategyMemory {
		return nil, nil, nil
	}

	var snap *types.Snapshot
	data, err := os.ReadFile(e.cfg.SnapshotPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, nil, fmt.Errorf("reading snapshot: %w", err)
	default:
		snap = &types.Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, nil, fmt.Errorf("decoding snapshot: %w", err)
		}
	}

	if e.cfg.Strategy != StrategyWAL {
		return snap, nil, nil
	}

	var snapMS int64
	if snap != nil {
		if ts, err := time.Parse(time.RFC3339Nano, snap.SnapshotTimestamp); err == nil {
			snapMS = ts.UnixMilli()
		}
	}

	entries, err := e.readWAL(snapMS)
	if err != nil {
		return snap, nil, err
	}
	return snap, entries, nil
}

func (e *Engine) readWAL(afterMS int64) ([]types.WALEntry, error) {
	f, err := os.Open(e.cfg.WALPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening WAL: %w", err)
	}
	defer f.Close()

	var entries []types.WALEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), types.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry types.WALEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn tail write is expected after a crash; stop replay there.
			log.Warn("stopping WAL replay at undecodable entry")
			break
		}
		// Inclusive: a commit in the same millisecond as the snapshot may
		// not be captured in it. Replaying a captured entry is idempotent;
		// skipping an uncaptured one loses it.
		if entry.Timestamp >= afterMS {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scanning WAL: %w", err)
	}
	return entries, nil
}

// Metrics returns a point-in-time view of engine counters.
func (e *Engine) Metrics() *types.PersistMetrics {
	return &types.PersistMetrics{
		Strategy:       string(e.cfg.Strategy),
		Snapshots:      e.snapshots.Load(),
		WALAppends:     e.walAppends.Load(),
		WALFlushes:     e.walFlushes.Load(),
		WriteFailures:  e.writeFailures.Load(),
		LastSnapshotAt: e.lastSnapshotAt.Load(),
	}
}

func (e *Engine) reportError(err error) {
	log.Errorf("persistence write failed", err)
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}
