// Package log implements support for structured logging.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Number of stack frames between the go-kit caller valuer and the code
// that invoked one of the Logger's level methods.
const callerUnwind = 5

// Logger is a structured logger.
type Logger struct {
	logger log.Logger
	level  Level
	module string
}

// NewDefaultLogger initializes a new logger instance with default settings.
// For usage outside tests, prefer RootLogger() from package `cmd/common`.
func NewDefaultLogger(module string) *Logger {
	logger, err := NewLogger(module, os.Stdout, FmtJSON, LevelInfo)
	if err != nil {
		// NewLogger only fails on an unknown format.
		panic(err)
	}
	return logger
}

// NewNopLogger returns a logger that discards everything. Intended for tests.
func NewNopLogger() *Logger {
	return &Logger{
		logger: log.NewNopLogger(),
		level:  LevelError + 1,
		module: "nop",
	}
}

// NewLogger initializes a new logger instance writing to w.
func NewLogger(module string, w io.Writer, format Format, lvl Level) (*Logger, error) {
	var logger log.Logger
	switch format {
	case FmtLogfmt:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case FmtJSON:
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("log: unsupported log format: %v", format)
	}

	logger = log.WithPrefix(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.Caller(callerUnwind),
	)

	return &Logger{
		logger: logger,
		level:  lvl,
		module: module,
	}, nil
}

func (l *Logger) emit(lvl Level, msg string, keyvals []interface{}) {
	if l.level > lvl {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	var leveled log.Logger
	switch lvl {
	case LevelDebug:
		leveled = level.Debug(l.logger)
	case LevelInfo:
		leveled = level.Info(l.logger)
	case LevelWarn:
		leveled = level.Warn(l.logger)
	default:
		leveled = level.Error(l.logger)
	}
	_ = leveled.Log(keyvals...)
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.emit(LevelDebug, msg, keyvals)
}

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.emit(LevelInfo, msg, keyvals)
}

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.emit(LevelWarn, msg, keyvals)
}

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.emit(LevelError, msg, keyvals)
}

// With returns a clone of the logger with the provided key/value pairs
// added as context for all subsequent logs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{
		logger: log.With(l.logger, keyvals...),
		level:  l.level,
		module: l.module,
	}
}

// WithModule returns a clone of the logger that reports a different module.
func (l *Logger) WithModule(module string) *Logger {
	return &Logger{
		logger: l.logger,
		level:  l.level,
		module: module,
	}
}

// Level is the logging level.
func (l *Logger) Level() Level {
	return l.level
}

// writerLogger adapts a Logger into an io.Writer, one Info line per write.
type writerLogger struct {
	logger *Logger
}

func (w writerLogger) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// WriterIntoLogger returns an io.Writer that forwards every write to the
// logger. Useful for libraries that only accept a stdlib *log.Logger.
func WriterIntoLogger(logger *Logger) io.Writer {
	return writerLogger{logger: logger}
}
