package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Logger builds the process logger for c: text on stderr plus JSON lines in
// c.LogFile. An empty or unwritable LogFile leaves stderr as the only sink.
// The returned func closes the log file.
func (c Config) Logger() (*slog.Logger, func() error) {
	noop := func() error { return nil }
	if c.LogFile == "" {
		return NewLogger(os.Stderr, nil, c.LogLevel), noop
	}

	file, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := NewLogger(os.Stderr, nil, c.LogLevel)
		logger.Warn("log file unavailable, logging to stderr only", "file", c.LogFile, "error", err)
		return logger, noop
	}
	return NewLogger(os.Stderr, file, c.LogLevel), file.Close
}

// NewLogger fans records out to a text handler on console and, when file is
// non-nil, a JSON handler on file. Every record carries service=chatsync.
func NewLogger(console, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(console, opts)}
	if file != nil {
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...)).With("service", "chatsync")
}
