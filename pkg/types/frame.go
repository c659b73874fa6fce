package types

// FrameType identifies a session protocol frame
type FrameType string

// Inbound frame types (worker to daemon)
const (
	FrameRegister   FrameType = "register"
	FrameHeartbeat  FrameType = "heartbeat"
	FrameTaskUpdate FrameType = "task_update"
	FrameSubscribe  FrameType = "subscribe"
)

// Outbound frame types (daemon to worker)
const (
	FrameRegistered   FrameType = "registered"
	FrameHeartbeatAck FrameType = "heartbeat_ack"
	FrameTaskAssigned FrameType = "task_assigned"
	FrameStateChange  FrameType = "state_change"
	FrameError        FrameType = "error"
)

// MaxFrameBytes is the upper bound on a single session frame.
const MaxFrameBytes = 1 << 20

// Frame is the single envelope for all session traffic; one JSON value per
// frame, fields populated according to Type.
type Frame struct {
	Type FrameType `json:"type"`

	// register / heartbeat
	WorkerID     string         `json:"workerId,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// subscribe
	Topics []string `json:"topics,omitempty"`

	// task_update
	TaskID   string `json:"taskId,omitempty"`
	Status   string `json:"status,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`

	// task_assigned
	Task *Task `json:"task,omitempty"`

	// state_change
	Change *Change `json:"change,omitempty"`

	// registered / heartbeat_ack
	ServerTime int64 `json:"serverTime,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
