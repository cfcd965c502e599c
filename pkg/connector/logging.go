package connector

import (
	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
)

// loggerFactory 把pion/dtls内部的日志转发到logrus
type loggerFactory struct {
	entry *log.Entry
}

// NewLoggerFactory 每个scope对应一个带scope字段的logrus Entry
func NewLoggerFactory(entry *log.Entry) logging.LoggerFactory {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &loggerFactory{entry: entry}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{entry: f.entry.WithField("scope", scope)}
}

type leveledLogger struct {
	entry *log.Entry
}

func (l *leveledLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *leveledLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.entry.Info(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
