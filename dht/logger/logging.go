package logger

import "github.com/sirupsen/logrus"

// NullLogger discards every message. Used by tests and by any component
// that hasn't been given a DebugLogger explicitly.
type NullLogger struct{}

func (l *NullLogger) Debugf(format string, args ...interface{}) {}
func (l *NullLogger) Infof(format string, args ...interface{})  {}
func (l *NullLogger) Errorf(format string, args ...interface{}) {}

// LogrusLogger backs DebugLogger with a *logrus.Logger, giving every
// component structured, leveled logging instead of the teacher's bare
// log.Printf.
type LogrusLogger struct {
	*logrus.Logger
}

// NewLogrusLogger returns a DebugLogger backed by a logrus.Logger configured
// with the given level.
func NewLogrusLogger(level logrus.Level) *LogrusLogger {
	l := logrus.New()
	l.SetLevel(level)
	return &LogrusLogger{l}
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.Logger.Debugf(format, args...)
}
func (l *LogrusLogger) Infof(format string, args ...interface{}) {
	l.Logger.Infof(format, args...)
}
func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.Logger.Errorf(format, args...)
}
