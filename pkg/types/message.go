package types

// DeliveryGuarantee is the contract the message bus offers for a publish
type DeliveryGuarantee string

const (
	// AtMostOnce is fire-and-forget; no delivery tracking.
	AtMostOnce DeliveryGuarantee = "at-most-once"
	// AtLeastOnce registers a pending ack per delivery and retries on timeout.
	AtLeastOnce DeliveryGuarantee = "at-least-once"
	// ExactlyOnce is at-least-once plus receiver-side deduplication over a
	// bounded window of message ids.
	ExactlyOnce DeliveryGuarantee = "exactly-once"
)

// Message is a bus envelope. Recipient is empty for broadcast.
type Message struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Payload   any               `json:"payload,omitempty"`
	Priority  Priority          `json:"priority"`
	Sender    string            `json:"sender,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Guarantee DeliveryGuarantee `json:"guarantee"`
	TTLMS     int64             `json:"ttlMs,omitempty"`
	Attempts  int               `json:"attempts"`
}

// Expired reports whether the message aged past its TTL at the given time.
func (m *Message) Expired(nowMS int64) bool {
	return m.TTLMS > 0 && nowMS-m.Timestamp > m.TTLMS
}

// ChangeOp is the kind of mutation a change event describes
type ChangeOp string

const (
	ChangeOpSet    ChangeOp = "set"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
	ChangeOpClear  ChangeOp = "clear"
)

// Change describes a single state-store mutation. Value references the new
// value; consumers must treat it as immutable until the next event for the
// same key.
type Change struct {
	Collection string   `json:"collection"`
	Key        string   `json:"key"`
	Op         ChangeOp `json:"operation"`
	Value      any      `json:"value,omitempty"`
}

// Topic returns the subscription topic for the change, "collection:operation".
func (c Change) Topic() string {
	return c.Collection + ":" + string(c.Op)
}
