package types

// Snapshot is the serialized form of the full in-memory state. Sets are
// written as sorted arrays and reconstituted as sets on load; timestamps are
// numeric epoch milliseconds except snapshot_timestamp, which is ISO-8601.
type Snapshot struct {
	Workers           map[string]*Worker  `json:"workers"`
	Tasks             map[string]*Task    `json:"tasks"`
	Assignments       map[string]string   `json:"assignments"`
	WorkerTasks       map[string][]string `json:"workerTasks"`
	Metadata          map[string]any      `json:"metadata"`
	Timestamps        map[string]int64    `json:"timestamps"`
	SnapshotTimestamp string              `json:"snapshot_timestamp"`
	Metrics           *MetricsSnapshot    `json:"metrics,omitempty"`
}

// WALOp is a single mutation recorded in the write-ahead log.
type WALOp struct {
	Type       string `json:"type"`
	Collection string `json:"collection"`
	Key        string `json:"key,omitempty"`
	Value      any    `json:"value,omitempty"`
}

// WALEntry is one JSON line of the write-ahead log.
type WALEntry struct {
	Operation WALOp `json:"operation"`
	Timestamp int64 `json:"timestamp"`
}

// MetricsSnapshot is the observable metrics surface returned by the operator
// API and embedded in persisted snapshots.
type MetricsSnapshot struct {
	Operations          int64   `json:"operations"`
	OperationsPerSec    float64 `json:"operationsPerSecond"`
	ActiveWorkers       int     `json:"activeWorkers"`
	ActiveTasks         int     `json:"activeTasks"`
	TotalTasksProcessed int64   `json:"totalTasksProcessed"`
	TotalTasksFailed    int64   `json:"totalTasksFailed"`
	AvgLatencyMS        float64 `json:"avgLatencyMs"`
	LatencySamples      int     `json:"latencySamples"`
	UptimeMS            int64   `json:"uptimeMs"`

	Bus         *BusMetrics     `json:"bus,omitempty"`
	Persistence *PersistMetrics `json:"persistence,omitempty"`
}

// BusMetrics reports message bus internals.
type BusMetrics struct {
	QueueDepth  map[string]int `json:"queueDepthByPriority"`
	Subscribers int            `json:"subscribers"`
	PendingAcks int            `json:"pendingAcks"`
	DedupeSize  int            `json:"dedupeSize"`
	Published   int64          `json:"published"`
	Delivered   int64          `json:"delivered"`
	Expired     int64          `json:"expired"`
	Failed      int64          `json:"failed"`
}

// PersistMetrics reports persistence engine internals.
type PersistMetrics struct {
	Strategy       string `json:"strategy"`
	Snapshots      int64  `json:"snapshots"`
	WALAppends     int64  `json:"walAppends"`
	WALFlushes     int64  `json:"walFlushes"`
	WriteFailures  int64  `json:"writeFailures"`
	LastSnapshotAt int64  `json:"lastSnapshotAt,omitempty"`
}
