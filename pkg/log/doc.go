/*
Package log provides structured logging for Foreman using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Components obtain child loggers carrying stable fields:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", id).Msg("task assigned")

Console output is the default; JSON output is enabled through Config for
machine ingestion.
*/
package log
