/*
Package persist writes Foreman's state to disk on a timer.

Three strategies are selectable at start:

  - memory-only: no I/O at all.
  - periodic-snapshot: every snapshot interval the full state is serialized
    and atomically replaces the snapshot file (temp file + fsync + rename).
  - write-ahead-log: committed mutations buffer in memory and flush to a
    JSON-lines log file every sync interval; snapshots still run
    periodically and truncate the log on success. A failed flush restores
    the entries to the head of the buffer for retry.

On startup Load returns the latest snapshot plus any WAL entries with
timestamps newer than it, for replay into the store.

All I/O is best-effort from the store's perspective: failures are counted,
logged, and surfaced through the error hook, but the in-memory state remains
authoritative and is never blocked or reverted.
*/
package persist
