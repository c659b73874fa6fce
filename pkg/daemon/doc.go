// Package daemon assembles the coordination components and runs them as one
// process: restore persisted state, start the store, bus, session hub,
// operator API, and liveness monitor, then unwind in reverse on shutdown.
package daemon
