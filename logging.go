package nerfmarch

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
)

type Logger interface {
	DebugEnabled() bool
	SetDebug(enabled bool)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type level uint8

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

func (l level) String() string {
	return [...]string{"DEBUG", "INFO", "WARN", "ERROR"}[l]
}

// DefaultLogger writes Debug and Info lines to one stream and Warn and Error
// lines to another. Debug lines are dropped unless enabled.
type DefaultLogger struct {
	mu     sync.Mutex
	debug  bool
	prefix string
	out    *log.Logger
	err    *log.Logger
}

func NewDefaultLogger(prefix string, debug bool) *DefaultLogger {
	return NewDefaultLoggerTo(prefix, debug, os.Stdout, os.Stderr)
}

// NewDefaultLoggerTo is NewDefaultLogger with explicit destinations.
func NewDefaultLoggerTo(prefix string, debug bool, out, errOut io.Writer) *DefaultLogger {
	flags := log.LstdFlags | log.Lmicroseconds
	return &DefaultLogger{
		debug:  debug,
		prefix: prefix,
		out:    log.New(out, "", flags),
		err:    log.New(errOut, "", flags),
	}
}

func (l *DefaultLogger) DebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func (l *DefaultLogger) SetDebug(enabled bool) {
	l.mu.Lock()
	l.debug = enabled
	l.mu.Unlock()
}

func (l *DefaultLogger) emit(lv level, format string, args []any) {
	if lv == levelDebug && !l.DebugEnabled() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = fmt.Sprintf("[%s] %s: %s", l.prefix, lv, msg)
	} else {
		msg = fmt.Sprintf("%s: %s", lv, msg)
	}
	if lv >= levelWarn {
		l.err.Print(msg)
		return
	}
	l.out.Print(msg)
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.emit(levelDebug, format, args)
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	l.emit(levelInfo, format, args)
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.emit(levelWarn, format, args)
}

func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.emit(levelError, format, args)
}

// callLogger tags every line with the operation and id of one Renderer call,
// e.g. "render 3f1c...: 12 rays alive".
type callLogger struct {
	Logger
	tag string
}

func withCall(l Logger, op string, id uuid.UUID) Logger {
	return callLogger{Logger: l, tag: op + " " + id.String() + ": "}
}

func (c callLogger) Debugf(format string, args ...any) {
	if c.DebugEnabled() {
		c.Logger.Debugf(c.tag+format, args...)
	}
}

func (c callLogger) Infof(format string, args ...any) {
	c.Logger.Infof(c.tag+format, args...)
}

func (c callLogger) Warnf(format string, args ...any) {
	c.Logger.Warnf(c.tag+format, args...)
}

func (c callLogger) Errorf(format string, args ...any) {
	c.Logger.Errorf(c.tag+format, args...)
}

type nopLogger struct{}

func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) DebugEnabled() bool {
	return false
}

func (nopLogger) SetDebug(bool) {
}

func (nopLogger) Debugf(string, ...any) {
}

func (nopLogger) Infof(string, ...any) {
}

func (nopLogger) Warnf(string, ...any) {
}

func (nopLogger) Errorf(string, ...any) {
}

// orNop never returns nil.
func orNop(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return l
}
