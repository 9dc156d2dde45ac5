// Package logger configures structured logging on log/slog. The JSON
// handler is installed as the process default, which also routes the
// stdlib log package's output through it, so component code can keep
// using log.Printf with its "[component]" prefixes.
package logger

import (
	"log/slog"
	"os"
)

// Init installs a JSON slog handler at the given level with the service
// name attached to every record, and returns the logger.
func Init(service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config log-level string to a slog.Level. Unknown
// values fall back to info; config validation rejects them upstream.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
