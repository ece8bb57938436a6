package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract every component depends on. Kept the same
// shape as the teacher's default logger (Info/Warn/Error/Debug plus
// formatted variants and a debug toggle) so call sites read identically;
// the default implementation is backed by logrus instead of the stdlib
// "log" package.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// LogrusLogger is the default Logger implementation.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogger builds a LogrusLogger tagged with the given component name,
// writing to stderr with the text formatter.
func NewLogger(component string) *LogrusLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &LogrusLogger{entry: base.WithField("component", component)}
}

func (l *LogrusLogger) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *LogrusLogger) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *LogrusLogger) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *LogrusLogger) Debug(v ...interface{}) { l.entry.Debug(v...) }

func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }

// ToggleDebug flips the logger between info and debug level, returning the
// new debug state.
func (l *LogrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}
