// Package logging provides structured logging for browserd components.
// Every component gets its own Logger; all loggers of one process share a
// run ID so lines from a single server run can be correlated.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// Global run ID for the current process
	runID     string
	runIDOnce sync.Once
)

// getRunID returns or creates the run ID for this process.
func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// Logger writes structured log lines for a single component.
//
// All log methods (Debugf, Infof, Warnf, Errorf) write unconditionally.
// There is currently no log level filtering.
type Logger struct {
	mu        sync.Mutex
	runID     string
	component string
	out       io.Writer
}

// NewLogger creates a new logger for a specific component.
// Output goes to stderr by default; use SetOutput to redirect.
func NewLogger(component string) *Logger {
	return &Logger{
		runID:     getRunID(),
		component: component,
		out:       os.Stderr,
	}
}

// SetOutput redirects the logger's output. Mainly used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// formatEntry creates a structured log entry with timestamp, component, and level.
func (l *Logger) formatEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] %s\n", timestamp, l.component, level, message)
}

func (l *Logger) write(level, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf(format, v...)
	fmt.Fprint(l.out, l.formatEntry(level, message))
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.write("DEBUG", format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.write("INFO", format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.write("WARN", format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.write("ERROR", format, v...)
}

// RunID returns the process-wide run ID.
func (l *Logger) RunID() string {
	return l.runID
}

// GetRunID returns the current global run ID.
func GetRunID() string {
	return getRunID()
}
