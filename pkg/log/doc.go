/*
Package log provides structured logging for liveboard using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers carry a fixed field:

	logger := log.WithComponent("session")
	logger.Info().Uint64("thread", op).Msg("client synchronized")

Domain helpers exist for the fields that recur throughout the engine:
WithThread, WithClient, WithBoard.
*/
package log
