// Package api exposes the operator HTTP surface: health, the materialized
// state, metrics (JSON and Prometheus), worker and task lifecycle calls, and
// a forced snapshot. Failures map error kinds to HTTP statuses and return a
// structured {"error": "..."} body.
package api
