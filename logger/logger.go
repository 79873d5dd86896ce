// Package logger implements the broker's logger contract (spec §6):
// level plus format string plus varargs, thread-safe, and a valid no-op
// implementation. It is backed by github.com/hashicorp/go-hclog, the
// backend the teacher library itself supports (logger/hclog.go).
package logger

import (
	"fmt"
	"os"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

// Logger is the contract every broker subsystem logs through.
type Logger interface {
	Printf(level Level, format string, args ...any)
	WithField(key string, value any) Logger
	SetMinLevel(level Level)
}

type logger struct {
	mu     sync.Mutex
	min    Level
	fields []any
	hc     hclog.Logger
}

// New returns a Logger writing to stderr via hclog, tagged with the
// given subsystem name (spec §7: "logged ... with level and subsystem tag").
func New(subsystem string, min Level) Logger {
	return &logger{
		min: min,
		hc: hclog.New(&hclog.LoggerOptions{
			Name:   subsystem,
			Output: os.Stderr,
			Level:  toHCLevel(min),
		}),
	}
}

// NewNop returns a Logger that discards everything — the "may be a
// no-op" branch of the contract.
func NewNop() Logger { return &logger{min: NilLevel, hc: hclog.NewNullLogger()} }

func toHCLevel(l Level) hclog.Level {
	switch l {
	case PanicLevel, FatalLevel, ErrorLevel:
		return hclog.Error
	case WarnLevel:
		return hclog.Warn
	case InfoLevel:
		return hclog.Info
	case DebugLevel:
		return hclog.Debug
	default:
		return hclog.Off
	}
}

func (l *logger) Printf(level Level, format string, args ...any) {
	l.mu.Lock()
	min := l.min
	hc := l.hc
	extra := append([]any(nil), l.fields...)
	l.mu.Unlock()

	if min == NilLevel || level > min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case PanicLevel:
		hc.Error(msg, extra...)
		panic(msg)
	case FatalLevel:
		hc.Error(msg, extra...)
		os.Exit(1)
	case ErrorLevel:
		hc.Error(msg, extra...)
	case WarnLevel:
		hc.Warn(msg, extra...)
	case InfoLevel:
		hc.Info(msg, extra...)
	case DebugLevel:
		hc.Debug(msg, extra...)
	}
}

func (l *logger) WithField(key string, value any) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	nf := append(append([]any(nil), l.fields...), key, value)
	return &logger{min: l.min, fields: nf, hc: l.hc}
}

func (l *logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = level
	l.hc.SetLevel(toHCLevel(level))
}
