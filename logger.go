package openmemory

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithUser adds a tenant field to the logger.
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("user", userID),
	}
}

// WithSector adds a sector field to the logger.
func (l *Logger) WithSector(sector string) *Logger {
	return &Logger{
		Logger: l.Logger.With("sector", sector),
	}
}

// LogAdd logs a memory add operation.
func (l *Logger) LogAdd(ctx context.Context, id string, sectors int, dedup bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "add completed",
			"id", id,
			"sectors", sectors,
			"deduplicated", dedup,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogFact logs a temporal fact write.
func (l *Logger) LogFact(ctx context.Context, subject, predicate string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "fact write failed",
			"subject", subject,
			"predicate", predicate,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "fact written",
			"subject", subject,
			"predicate", predicate,
		)
	}
}
