package common

import (
	"fmt"

	apex "github.com/apex/log"
)

// ApexLogger backs the Logger interface with an apex/log entry, so the
// decoder and analyzer logs flow through the same sink as the CLI tools.
type ApexLogger struct {
	entry apex.Interface
}

// NewApexLogger creates a Logger forwarding to the given apex/log interface.
// Pass apex's package-level log.Log to use the process-wide handler.
func NewApexLogger(entry apex.Interface) *ApexLogger {
	return &ApexLogger{entry: entry}
}

// Log logs a message with the specified severity
func (l *ApexLogger) Log(severity Severity, msg string) {
	switch severity {
	case SeverityDebug:
		l.entry.Debug(msg)
	case SeverityInfo:
		l.entry.Info(msg)
	case SeverityWarning:
		l.entry.Warn(msg)
	case SeverityError:
		l.entry.Error(msg)
	}
}

// Logf logs a formatted message with the specified severity
func (l *ApexLogger) Logf(severity Severity, format string, args ...interface{}) {
	l.Log(severity, fmt.Sprintf(format, args...))
}

// Error logs an error
func (l *ApexLogger) Error(err error) {
	if err != nil {
		l.entry.Error(err.Error())
	}
}

// Debug logs a debug message
func (l *ApexLogger) Debug(msg string) {
	l.entry.Debug(msg)
}

// Info logs an info message
func (l *ApexLogger) Info(msg string) {
	l.entry.Info(msg)
}

// Warning logs a warning message
func (l *ApexLogger) Warning(msg string) {
	l.entry.Warn(msg)
}
