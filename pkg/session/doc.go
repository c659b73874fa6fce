/*
Package session maintains the duplex WebSocket channel between the daemon
and each worker.

One JSON frame per message, typed by the "type" field. Workers send
register, heartbeat, task_update, and subscribe; the daemon replies with
registered, heartbeat_ack, and error, and pushes task_assigned and
state_change. State changes fan out to sessions whose subscribe patterns
match the change topic ("collection:operation", or "*" for everything).

A worker id binds to at most one session. A second register for a bound id
closes the earlier socket with a going-away frame and moves the binding.
Closing a session does not change the worker's status or touch its tasks:
liveness is owned entirely by the heartbeat monitor, which marks the worker
offline and reassigns its work only once the heartbeat timeout lapses. A
quick reconnect therefore costs nothing.
*/
package session
