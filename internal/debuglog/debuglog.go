// Package debuglog provides the ambient file-backed logging sink shared by
// every core component, in the shape the rest of the codebase expects:
// nil-safe, timestamped, swappable between a real file and a no-op.
package debuglog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes timestamped debug lines to a file. The zero value discards
// everything, like Nop; construct with New to write to a file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating parent directories as needed) a logger backed by the
// file at path. An empty path yields a no-op logger.
func New(path string) *Logger {
	if path == "" {
		return Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Nop()
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Nop()
	}
	l := &Logger{file: f}
	l.Log("logger opened at %s", time.Now().Format(time.RFC3339))
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{}
}

// Log writes a timestamped line. Safe to call on a nil *Logger.
func (l *Logger) Log(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(l.file, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
	l.file.Sync()
}

// Close releases the underlying file, if any. Safe to call on a nil *Logger.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

var (
	pkgMu  sync.RWMutex
	pkgLog = Nop()
)

// SetDefault installs l as the package-level default sink used by
// components constructed without an explicit logger.
func SetDefault(l *Logger) {
	if l == nil {
		l = Nop()
	}
	pkgMu.Lock()
	pkgLog = l
	pkgMu.Unlock()
}

// Default returns the current package-level sink.
func Default() *Logger {
	pkgMu.RLock()
	defer pkgMu.RUnlock()
	return pkgLog
}
