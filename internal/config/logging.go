package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the process logger: JSON to stdout, and additionally
// JSON to LogFile when one is configured. The returned cleanup closes the file.
func SetupLogger(cfg *Config) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	stdoutHandler := slog.NewJSONHandler(os.Stdout, opts)

	if cfg.LogFile == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open log file, using stdout only", "error", err, "file", cfg.LogFile)
		return slog.New(stdoutHandler), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, opts)
	logger := slog.New(slogmulti.Fanout(stdoutHandler, fileHandler))

	return logger, file.Close
}

// SetupLoggerWithWriters creates a fan-out logger over arbitrary writers (for testing).
func SetupLoggerWithWriters(stdout, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	return slog.New(slogmulti.Fanout(
		slog.NewJSONHandler(stdout, opts),
		slog.NewJSONHandler(file, opts),
	))
}
