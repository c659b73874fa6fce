package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityRank(t *testing.T) {
	tests := []struct {
		priority Priority
		rank     int
	}{
		{PriorityCritical, 0},
		{PriorityHigh, 1},
		{PriorityNormal, 2},
		{PriorityLow, 3},
		{Priority("bogus"), 2},
	}
	for _, tt := range tests {
		require.Equal(t, tt.rank, tt.priority.Rank(), "priority %q", tt.priority)
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range Priorities {
		require.True(t, p.Valid())
	}
	require.False(t, Priority("urgent").Valid())
	require.False(t, Priority("").Valid())
}

func TestTaskTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, status := range terminal {
		require.True(t, (&Task{Status: status}).Terminal(), "status %q", status)
	}
	live := []TaskStatus{TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress}
	for _, status := range live {
		require.False(t, (&Task{Status: status}).Terminal(), "status %q", status)
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := &Task{
		ID:                   "t1",
		Status:               TaskStatusAssigned,
		RequiredCapabilities: NewStringSet("dev"),
		Payload:              map[string]any{"k": "v"},
	}
	clone := orig.Clone()
	clone.RequiredCapabilities.Add("sec")
	clone.Payload["k"] = "other"

	require.False(t, orig.RequiredCapabilities.Contains("sec"))
	require.Equal(t, "v", orig.Payload["k"])
}

func TestWorkerCloneIsDeep(t *testing.T) {
	orig := &Worker{
		ID:           "w1",
		Capabilities: NewStringSet("dev"),
		Metadata:     map[string]any{"region": "us"},
	}
	clone := orig.Clone()
	clone.Capabilities.Add("ops")
	clone.Metadata["region"] = "eu"

	require.False(t, orig.Capabilities.Contains("ops"))
	require.Equal(t, "us", orig.Metadata["region"])
}

func TestMessageExpired(t *testing.T) {
	msg := &Message{Timestamp: 1000, TTLMS: 500}
	require.False(t, msg.Expired(1200))
	require.False(t, msg.Expired(1500))
	require.True(t, msg.Expired(1501))

	noTTL := &Message{Timestamp: 1000}
	require.False(t, noTTL.Expired(1<<40))
}

func TestChangeTopic(t *testing.T) {
	c := Change{Collection: "tasks", Op: ChangeOpUpdate}
	require.Equal(t, "tasks:update", c.Topic())
}

func TestFrameRoundTrip(t *testing.T) {
	progress := 40
	in := Frame{
		Type:     FrameTaskUpdate,
		TaskID:   "t1",
		Status:   string(TaskStatusInProgress),
		Progress: &progress,
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Frame
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in.Type, out.Type)
	require.Equal(t, in.TaskID, out.TaskID)
	require.NotNil(t, out.Progress)
	require.Equal(t, 40, *out.Progress)
}
