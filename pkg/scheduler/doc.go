/*
Package scheduler places tasks on workers and drives the task lifecycle.

Placement is capability-based least-loaded: among workers that are idle or
busy, below the per-worker cap, and whose capability set covers the task's
requirements, the one with the fewest active tasks wins; ties break on
lexicographic worker id so placement is deterministic. A caller may pin a
preferred worker, which is validated strictly instead.

All multi-step mutations (bind, complete, fail, cancel, reassign) run inside
one store transaction so the assignment invariants hold at every commit
point: a non-terminal assigned task appears in exactly one worker's index,
and worker active counts equal the index sizes.

Tasks that could not be placed stay pending; DrainPending retries them in
priority order whenever fleet capacity changes.
*/
package scheduler
