// Package diagnostics implements a session-scoped file-and-console logger
// for a running hub process. Grounded on tenzoki-agen's
// atomic/logging/session.go SessionLogger, trimmed of its
// chat-application-specific fields (LogUserInput/LogAIResponse/
// LogPEVEvent) and repurposed to the operational trail a long-running hub
// needs: connect/disconnect, dispatch failures, and shutdown, independent
// of whatever logging the embedding application layers on top.
package diagnostics

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes timestamped lines to a session file and, unless quieted,
// to the console.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	console bool
	quiet   bool
}

// New opens a new session log file under dir, named after label and the
// time New was called. dir is created if missing.
func New(dir, label string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diagnostics: create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", label, time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open log file: %w", err)
	}
	return &Logger{file: f, path: path, console: true}, nil
}

// SessionPath returns the path of the underlying log file.
func (l *Logger) SessionPath() string { return l.path }

// SetQuiet suppresses console output while still writing to the file.
func (l *Logger) SetQuiet(quiet bool) {
	l.mu.Lock()
	l.quiet = quiet
	l.mu.Unlock()
}

// Close closes the underlying log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) write(level, format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s %s\n", time.Now().Format(time.RFC3339), level, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_, _ = l.file.WriteString(line)
	}
	if l.console && !l.quiet {
		fmt.Print(line)
	}
}

// Debug records a debug-level diagnostic.
func (l *Logger) Debug(format string, args ...interface{}) { l.write("DEBUG", format, args...) }

// Info records an informational diagnostic.
func (l *Logger) Info(format string, args ...interface{}) { l.write("INFO", format, args...) }

// Error records an error diagnostic.
func (l *Logger) Error(format string, args ...interface{}) { l.write("ERROR", format, args...) }

var (
	globalMu  sync.Mutex
	globalLog *Logger
)

// SetGlobal installs l as the package-level logger used by the Global*
// helpers, for code that doesn't carry a *Logger through every call site.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	globalLog = l
	globalMu.Unlock()
}

// Global returns the current package-level logger, or nil if none was set.
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLog
}

// GlobalInfo logs to the global logger if one is set, otherwise falls back
// to the standard logger so a missing SetGlobal call never silently drops
// diagnostics.
func GlobalInfo(format string, args ...interface{}) {
	if l := Global(); l != nil {
		l.Info(format, args...)
		return
	}
	log.Printf("INFO "+format, args...)
}

// GlobalError mirrors GlobalInfo for error-level diagnostics.
func GlobalError(format string, args ...interface{}) {
	if l := Global(); l != nil {
		l.Error(format, args...)
		return
	}
	log.Printf("ERROR "+format, args...)
}
