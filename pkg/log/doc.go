/*
Package log provides structured logging for binlift using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Child loggers carry correlation fields so every line emitted while processing
a job or request can be traced back to it:

	logger := log.WithJobID(job.ID)
	logger.Info().Str("stage", "disassembling").Msg("job started")

Sensitive material never reaches the logger: API keys, bearer tokens, and
uploaded binary content are redacted at the call sites that handle them.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("engine")
	logger.Info().Msg("engine started")
*/
package log
