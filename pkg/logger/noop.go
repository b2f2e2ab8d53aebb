package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// Logger is the structured, key/value logger used across the relay.
type Logger = sdklogging.Logger

// New builds the zap backed logger for an environment ("production" or "development").
func New(env sdklogging.LogLevel) (Logger, error) {
	return sdklogging.NewZapLogger(env)
}

// NoOpLogger discards everything. Components fall back to it when no logger is given.
type NoOpLogger struct{}

func (l *NoOpLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Infof(format string, args ...interface{})       {}
func (l *NoOpLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Debugf(format string, args ...interface{})      {}
func (l *NoOpLogger) Error(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Errorf(format string, args ...interface{})      {}
func (l *NoOpLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (l *NoOpLogger) Warnf(format string, args ...interface{})       {}
func (l *NoOpLogger) Fatal(msg string, keysAndValues ...interface{}) {}
func (l *NoOpLogger) Fatalf(format string, args ...interface{})      {}
func (l *NoOpLogger) With(keysAndValues ...interface{}) Logger       { return l }

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// EnsureLogger returns l, or a no-op logger when l is nil.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
