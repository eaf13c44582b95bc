// Package logger provides the minimal logging surface used throughout
// divvy: a Notice level that always reaches the user, and a Debug level
// gated behind verbose mode.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

// A Logger is deliberately small: divvy never needs structured fields,
// just a user-facing line and a debug line.
type Logger interface {
	// Notice is for messages the user should see regardless of -v.
	Notice(msg string)
	// Debug is for messages only surfaced in verbose mode.
	Debug(msg string)
}

type nullLogger struct{}

func (nullLogger) Notice(string) {}
func (nullLogger) Debug(string)  {}

// NullLogger discards everything.
var NullLogger = nullLogger{}

var (
	mu     sync.Mutex
	logger Logger = NullLogger
)

// Panicf notices the user and then panics with the same message.
func Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	current().Notice("PANIC " + msg)
	panic(msg)
}

// Noticef formats and logs at Notice level.
func Noticef(format string, v ...interface{}) {
	current().Notice(fmt.Sprintf(format, v...))
}

// Debugf formats and logs at Debug level.
func Debugf(format string, v ...interface{}) {
	current().Debug(fmt.Sprintf(format, v...))
}

func current() Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// SetLogger sets the global logger. It must be called from a single
// goroutine before the engine starts logging.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// MockLogger installs a buffer-backed logger and returns it along with a
// restore function, for tests that want to assert on log output.
func MockLogger(prefix string) (buf *bytes.Buffer, restore func()) {
	buf = &bytes.Buffer{}
	mu.Lock()
	old := logger
	mu.Unlock()
	SetLogger(New(buf, prefix))
	return buf, func() {
		SetLogger(old)
	}
}

type writerLogger struct {
	w       io.Writer
	prefix  string
	verbose bool

	buf []byte
	mu  sync.Mutex
}

// Debug only prints if verbose mode was requested for this logger, or
// DIVVY_DEBUG=1 is set in the environment.
func (l *writerLogger) Debug(msg string) {
	if l.verbose || os.Getenv("DIVVY_DEBUG") == "1" {
		l.Notice("DEBUG " + msg)
	}
}

// Notice writes a timestamped line.
func (l *writerLogger) Notice(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = l.buf[:0]
	now := time.Now().UTC()
	l.buf = now.AppendFormat(l.buf, timestampFormat)
	l.buf = append(l.buf, ' ')
	l.buf = append(l.buf, l.prefix...)
	l.buf = append(l.buf, msg...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		l.buf = append(l.buf, '\n')
	}
	l.w.Write(l.buf)
}

// New creates a Logger that writes to w, prefixing each line with prefix.
// Debug output is off unless DIVVY_DEBUG=1 is set; use NewVerbose to force
// it on regardless of the environment.
func New(w io.Writer, prefix string) Logger {
	return &writerLogger{w: w, prefix: prefix}
}

// NewVerbose is New with Debug output unconditionally enabled, for
// callers that already know -v was passed.
func NewVerbose(w io.Writer, prefix string) Logger {
	return &writerLogger{w: w, prefix: prefix, verbose: true}
}
