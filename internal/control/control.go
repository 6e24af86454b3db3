// Package control implements an out-of-band pause/resume/kill channel for
// the Dispatch Daemon, backed by sentinel files in a watched directory
// rather than the External API — so an operator (or a shell script with no
// HTTP client) can steer dispatch by dropping a file, the way the teacher's
// NotificationManager let agents signal each other through .alphie/signals.
package control

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	pauseFile = "pause"
	killFile  = "kill"
)

// Watcher tracks pause/kill sentinel files in a directory. The zero value
// is not usable; construct with New.
type Watcher struct {
	dir string

	mu     sync.RWMutex
	paused bool
	killed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates the control directory if needed and starts watching it.
// If the underlying filesystem watcher cannot be started (e.g. inotify
// limits), New still returns a usable Watcher that falls back to checking
// the sentinel files directly on each ShouldPause/ShouldStop call.
func New(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:  dir,
		done: make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.mu.Lock()
			switch filepath.Base(event.Name) {
			case pauseFile:
				w.paused = true
			case killFile:
				w.killed = true
			}
			w.mu.Unlock()
		case <-w.watcher.Errors:
		}
	}
}

// ShouldPause reports whether dispatch ticks should be skipped: true while
// the pause sentinel file exists. It checks the file directly, covering the
// case where the watcher failed to start or missed an event, and so sees a
// Resume made by another process that removed the file.
func (w *Watcher) ShouldPause() bool {
	paused := w.fileExists(pauseFile)
	w.mu.Lock()
	w.paused = paused
	w.mu.Unlock()
	return paused
}

// ShouldStop reports whether the daemon should exit its loop entirely.
func (w *Watcher) ShouldStop() bool {
	if w.fileExists(killFile) {
		w.mu.Lock()
		w.killed = true
		w.mu.Unlock()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.killed
}

func (w *Watcher) fileExists(name string) bool {
	_, err := os.Stat(filepath.Join(w.dir, name))
	return err == nil
}

// Pause writes the pause sentinel.
func (w *Watcher) Pause() error {
	return w.writeSentinel(pauseFile)
}

// Resume clears the pause sentinel, letting the daemon tick again. It is
// not an error to resume when no pause is in effect.
func (w *Watcher) Resume() error {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	if err := os.Remove(filepath.Join(w.dir, pauseFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Kill writes the kill sentinel, signaling the daemon to stop.
func (w *Watcher) Kill() error {
	return w.writeSentinel(killFile)
}

func (w *Watcher) writeSentinel(name string) error {
	path := filepath.Join(w.dir, name)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Close stops the background watcher goroutine, if one is running.
func (w *Watcher) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
}
