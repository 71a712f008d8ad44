// Package logging wraps zap with the verbosity model the daemon uses:
// a main sink (stdout or a file) plus an optional relay that forwards
// log lines to whichever admin session asked for live logging.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the verbosity of a log line, ordered from silent to chatty.
type Level int

const (
	LevelNone Level = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

// ParseLevel maps the configuration and /log command words to a level.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "none":
		return LevelNone, true
	case "error":
		return LevelError, true
	case "warning":
		return LevelWarning, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	default:
		return LevelNone, false
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "none"
	}
}

// relayOff sits above every real zap level, disabling a core outright.
const relayOff = zapcore.FatalLevel + 1

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return relayOff
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch {
	case l >= zapcore.ErrorLevel:
		return LevelError
	case l == zapcore.WarnLevel:
		return LevelWarning
	case l == zapcore.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// RelayFunc receives log lines that pass the relay level.
type RelayFunc func(level Level, component, message string)

// relayCore is a zapcore.Core that forwards entries to the currently
// installed relay function. The level is adjusted at runtime by the
// /log admin command.
type relayCore struct {
	level zap.AtomicLevel

	mu sync.Mutex
	fn RelayFunc
}

func newRelayCore() *relayCore {
	return &relayCore{level: zap.NewAtomicLevelAt(relayOff)}
}

func (c *relayCore) Enabled(l zapcore.Level) bool { return c.level.Enabled(l) }

func (c *relayCore) With([]zapcore.Field) zapcore.Core { return c }

func (c *relayCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *relayCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(fromZapLevel(ent.Level), ent.LoggerName, ent.Message)
	}
	return nil
}

func (c *relayCore) Sync() error { return nil }

// Logger is the process-wide logger handed to every component.
type Logger struct {
	zl    *zap.Logger
	relay *relayCore
	file  *os.File
}

// New builds a logger writing to the given file ("" or "stdout" for
// standard output) at the given verbosity. The relay starts disabled.
func New(file string, verbosity Level) (*Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	var f *os.File
	if file != "" && file != "stdout" {
		var err error
		f, err = os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	relay := newRelayCore()
	main := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(verbosity.zapLevel()))

	return &Logger{
		zl:    zap.New(zapcore.NewTee(main, relay)),
		relay: relay,
		file:  f,
	}, nil
}

func (l *Logger) write(lvl zapcore.Level, component, format string, args []interface{}) {
	logger := l.zl
	if component != "" {
		logger = logger.Named(component)
	}
	if ce := logger.Check(lvl, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

// Debug logs a debug-level line tagged with a component name.
func (l *Logger) Debug(component, format string, args ...interface{}) {
	l.write(zapcore.DebugLevel, component, format, args)
}

func (l *Logger) Info(component, format string, args ...interface{}) {
	l.write(zapcore.InfoLevel, component, format, args)
}

func (l *Logger) Warn(component, format string, args ...interface{}) {
	l.write(zapcore.WarnLevel, component, format, args)
}

func (l *Logger) Error(component, format string, args ...interface{}) {
	l.write(zapcore.ErrorLevel, component, format, args)
}

// SetRelay installs the function receiving relayed log lines. The
// relay stays silent until SetRelayLevel enables a level.
func (l *Logger) SetRelay(fn RelayFunc) {
	l.relay.mu.Lock()
	l.relay.fn = fn
	l.relay.mu.Unlock()
}

// SetRelayLevel adjusts which lines reach the relay. LevelNone mutes
// it without removing the installed function.
func (l *Logger) SetRelayLevel(level Level) {
	l.relay.level.SetLevel(level.zapLevel())
}

// ClearRelay mutes and removes the relay target.
func (l *Logger) ClearRelay() {
	l.relay.level.SetLevel(relayOff)
	l.SetRelay(nil)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// Close flushes and releases the log file, if any.
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
