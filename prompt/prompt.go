// Package prompt loads the system prompt from a file and keeps it
// fresh with an fsnotify watch, so prompt edits take effect without a
// process restart.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Load reads the prompt file once.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt: reading %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Watcher serves the current prompt text and reloads it when the file
// changes. Safe for concurrent use.
type Watcher struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	text string

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch reads path and starts watching its directory (editors often
// replace files by rename, which drops a watch on the file itself).
// The caller must Close the watcher.
func Watch(path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	text, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("prompt: starting watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("prompt: watching %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path: path,
		log:  log,
		text: text,
		fsw:  fsw,
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded prompt text.
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.text
}

// Close stops the watch. The last loaded text stays available through
// Current.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("prompt watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	text, err := Load(w.path)
	if err != nil {
		// Keep serving the previous prompt; a half-written file will
		// trigger another event when the write completes.
		w.log.Warn("prompt reload failed; keeping previous text", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := text != w.text
	w.text = text
	w.mu.Unlock()

	if changed {
		w.log.Info("prompt reloaded", "path", w.path, "bytes", len(text))
	}
}
