package mqttmesh

import (
	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	logger zerolog.Logger
	level  LogLevel
}

// NewZerologLogger creates a Logger backed by the given zerolog logger.
func NewZerologLogger(logger zerolog.Logger, level LogLevel) *ZerologLogger {
	return &ZerologLogger{
		logger: logger,
		level:  level,
	}
}

// Debug logs a debug message.
func (z *ZerologLogger) Debug(msg string, fields LogFields) {
	if z.level <= LogLevelDebug {
		z.logger.Debug().Fields(map[string]any(fields)).Msg(msg)
	}
}

// Info logs an info message.
func (z *ZerologLogger) Info(msg string, fields LogFields) {
	if z.level <= LogLevelInfo {
		z.logger.Info().Fields(map[string]any(fields)).Msg(msg)
	}
}

// Warn logs a warning message.
func (z *ZerologLogger) Warn(msg string, fields LogFields) {
	if z.level <= LogLevelWarn {
		z.logger.Warn().Fields(map[string]any(fields)).Msg(msg)
	}
}

// Error logs an error message.
func (z *ZerologLogger) Error(msg string, fields LogFields) {
	if z.level <= LogLevelError {
		z.logger.Error().Fields(map[string]any(fields)).Msg(msg)
	}
}

// WithFields returns a new logger with the given fields added to its
// context.
func (z *ZerologLogger) WithFields(fields LogFields) Logger {
	return &ZerologLogger{
		logger: z.logger.With().Fields(map[string]any(fields)).Logger(),
		level:  z.level,
	}
}

// Level returns the current log level.
func (z *ZerologLogger) Level() LogLevel {
	return z.level
}

// SetLevel sets the log level.
func (z *ZerologLogger) SetLevel(level LogLevel) {
	z.level = level
}
