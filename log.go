package websocket

import (
	"github.com/pion/logging"
)

// LeveledLogger is the logging interface used throughout the client,
// aliased from pion/logging so callers can supply any LeveledLogger
// implementation (including pion's own), per spec.md's ambient "Logging"
// stack.
type LeveledLogger = logging.LeveledLogger

// LoggerFactory mints a scoped LeveledLogger per component (e.g. "conn",
// "app"), mirroring pion/logging.LoggerFactory.
type LoggerFactory = logging.LoggerFactory

// defaultLoggerFactory produces loggers that discard everything below
// warn, matching the teacher's convention of a quiet default with an
// injectable factory for callers who want verbose tracing.
var defaultLoggerFactory LoggerFactory = &logging.DefaultLoggerFactory{
	DefaultLogLevel: logging.LogLevelWarn,
}

func loggerOrDefault(l LeveledLogger, scope string) LeveledLogger {
	if l != nil {
		return l
	}
	return defaultLoggerFactory.NewLogger(scope)
}
