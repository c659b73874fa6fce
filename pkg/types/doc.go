/*
Package types defines the core data model shared across Foreman's components.

Four primary entities live here: Worker, Task, the assignment relation
(task id to worker id), and the per-worker task index. All identifiers are
opaque strings and all timestamps are epoch milliseconds from a single time
source. Capability matching is subset containment over StringSet values,
which serialize as sorted JSON arrays.

The package also carries the wire vocabulary: bus Message envelopes with
their delivery guarantees, session Frame types, state-change events, the
persisted Snapshot and write-ahead-log layouts, and the typed failure
sentinels built on containerd's errdefs kinds.
*/
package types
