// Package log provides a global leveled logger with a pluggable sink. The
// default sink writes timestamped lines to stderr; applications embedding the
// library can install their own sink to forward (message, severity) pairs.
package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anomalies that are not expected to occur during normal use.
	LevelWarning              // Logs anomalies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events, such as connection state changes.
	LevelDebug                // Logs detailed radio IO
)

// A Sink receives every log message at or below the configured level. Sinks
// must not call back into this package.
type Sink func(level Level, message string)

var (
	mu          sync.Mutex
	globalLevel = LevelError
	sink        Sink
)

var labels = map[Level]string{
	LevelDebug:   "[debug]",
	LevelInfo:    "[info ]",
	LevelWarning: "[warn ]",
	LevelError:   "[error]",
}

// Label returns the bracketed severity tag used in log output.
func Label(level Level) string {
	return labels[level]
}

func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
}

// SetSink redirects log output away from stderr. Passing nil restores the
// default sink.
func SetSink(s Sink) {
	mu.Lock()
	defer mu.Unlock()
	sink = s
}

func emit(level Level, format string, a ...interface{}) {
	mu.Lock()
	enabled := level <= globalLevel
	out := sink
	mu.Unlock()
	if !enabled {
		return
	}
	msg := fmt.Sprintf(format, a...)
	if out != nil {
		out(level, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s %s\n", time.Now().Format(time.RFC3339), labels[level], msg)
}

func Debug(format string, a ...interface{}) {
	emit(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	emit(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	emit(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	emit(LevelError, format, a...)
}
