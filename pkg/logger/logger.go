// Package logger is the shim's leveled logging façade. The host process we
// are loaded into has no logging hookup for us, so everything goes through a
// process-wide default logger that InitFromConfig swaps in.
package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	ERROR LogLevel = iota
	WARN
	INFO
	DEBUG
)

// ParseLogLevel maps the config/env spelling to a level. Unknown values fall
// back to INFO so a typo never silences errors.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return ERROR
	case "warn", "warning":
		return WARN
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case ERROR:
		return "error"
	case WARN:
		return "warn"
	case DEBUG:
		return "debug"
	default:
		return "info"
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case ERROR:
		return logrus.ErrorLevel
	case WARN:
		return logrus.WarnLevel
	case DEBUG:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger wraps a logrus logger behind the printf-style API the rest of the
// shim uses.
type Logger struct {
	lr    *logrus.Logger
	level LogLevel
}

func NewLogger(level LogLevel) *Logger {
	lr := logrus.New()
	lr.SetLevel(level.logrusLevel())
	lr.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableColors:   true,
	})
	lr.SetOutput(os.Stderr)
	return &Logger{lr: lr, level: level}
}

func (l *Logger) SetOutput(w io.Writer) {
	l.lr.SetOutput(w)
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.lr.SetLevel(level.logrusLevel())
}

func (l *Logger) Level() LogLevel { return l.level }

func (l *Logger) Debug(format string, args ...interface{}) { l.lr.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.lr.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.lr.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.lr.Errorf(format, args...) }

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewLogger(INFO))
}

// SetDefaultLogger swaps the process-wide logger. Safe to call concurrently
// with logging; in-flight writes finish on the old logger.
func SetDefaultLogger(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

func Default() *Logger { return defaultLogger.Load() }

// IsDebug reports whether debug logging is on; callers use it to skip
// expensive dump formatting.
func IsDebug() bool { return Default().Level() >= DEBUG }

func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }
func Info(format string, args ...interface{})  { Default().Info(format, args...) }
func Warn(format string, args ...interface{})  { Default().Warn(format, args...) }
func Error(format string, args ...interface{}) { Default().Error(format, args...) }
