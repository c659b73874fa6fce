/*
Package bus implements Foreman's priority-tiered message bus with explicit
delivery guarantees.

Messages land in one of four FIFO subqueues (critical, high, normal, low).
A single processing loop drains up to a batch limit per tick, consulting the
subqueues in priority order and invoking subscriber callbacks synchronously.

Delivery guarantees:

  - at-most-once: fire-and-forget, no tracking.
  - at-least-once: each delivery registers a pending-ack record with a five
    second timeout; on timeout the message re-enqueues until its retry
    budget runs out, then a message-failed event fires.
  - exactly-once: at-least-once plus a dedupe set of processed message ids.
    Duplicates are acknowledged and dropped. The set is count-bounded and
    flushed wholesale past 10 000 entries, so callers relying on long-tail
    deduplication must use ids wider than the eviction window.

Publish fails with QueueFull once the pending total reaches the configured
limit, and messages older than their TTL are dropped with a message-expired
event. Subscriber panics and errors are contained and reported as
delivery-error events; they never stop the processing loop.
*/
package bus
