// Package errlog keeps an append-only file of failures, one
// `<timestamp>: <message>` line each, next to whatever the structured logger
// does with them.
//
package errlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log appends failure messages to a file.
//
// The zero value and a Log created with an empty path discard everything.
//
type Log struct {
	file   *os.File
	logger *zap.Logger
}

// Open opens (creating if needed) path for appending.
//
func Open(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open '%s': %w", path, err)
	}

	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.RFC3339TimeEncoder,
		ConsoleSeparator: ": ",
	})

	core := zapcore.NewCore(encoder, zapcore.AddSync(f), zapcore.DebugLevel)

	return &Log{
		file:   f,
		logger: zap.New(core),
	}, nil
}

// Record appends message as a single line.
//
func (l *Log) Record(message string) {
	if l == nil || l.logger == nil {
		return
	}

	l.logger.Error(message)
}

// Recordf is Record with fmt.Sprintf formatting.
//
func (l *Log) Recordf(format string, args ...interface{}) {
	l.Record(fmt.Sprintf(format, args...))
}

// Close flushes and closes the underlying file.
//
func (l *Log) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	_ = l.logger.Sync()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return nil
}
