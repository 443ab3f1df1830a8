package logger

import "log/slog"

// Level represents the minimum severity of records the logger emits.
type Level slog.Level

// Supported log levels, mapped onto slog's levels.
const (
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)
