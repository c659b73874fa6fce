// Package monitor detects dead workers by heartbeat gap and returns their
// unfinished tasks to the pending pool. A session closing does not trigger
// reassignment by itself; the worker keeps its tasks until the heartbeat
// timeout lapses, giving it a window to reconnect.
package monitor
