package ipc

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher surfaces container → host request activity. It combines fsnotify
// events with a periodic sweep so a dropped notification only delays, never
// loses, a request.
type Watcher struct {
	bus      *Bus
	interval time.Duration
	notify   func(folder string)

	mu      sync.Mutex
	folders map[string]bool
	fw      *fsnotify.Watcher
}

// NewWatcher creates a Watcher. notify is invoked (possibly concurrently
// with the sweep) with the workspace folder that has pending requests.
func NewWatcher(bus *Bus, interval time.Duration, notify func(folder string)) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{
		bus:      bus,
		interval: interval,
		notify:   notify,
		folders:  make(map[string]bool),
	}
}

// Add starts watching a workspace folder's request directories.
func (w *Watcher) Add(folder string) error {
	dir, err := w.bus.WorkspaceDir(folder)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.folders[folder] = true
	if w.fw != nil {
		for _, sub := range []string{SubMessages, SubTasks} {
			if err := w.fw.Add(filepath.Join(dir, sub)); err != nil {
				slog.Warn("ipc: watch add failed, sweep only", "folder", folder, "sub", sub, "error", err)
			}
		}
	}
	return nil
}

// Run blocks until ctx is cancelled, delivering notifications for request
// activity.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("ipc: fsnotify unavailable, sweep only", "error", err)
	} else {
		defer fw.Close()
	}

	w.mu.Lock()
	w.fw = fw
	folders := make([]string, 0, len(w.folders))
	for f := range w.folders {
		folders = append(folders, f)
	}
	w.mu.Unlock()

	if fw != nil {
		for _, f := range folders {
			for _, sub := range []string{SubMessages, SubTasks} {
				if err := fw.Add(filepath.Join(w.bus.root, f, sub)); err != nil {
					slog.Warn("ipc: watch add failed, sweep only", "folder", f, "sub", sub, "error", err)
				}
			}
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if fw != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-fw.Events:
				if !ok {
					fw = nil
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Only completed renames count; .tmp writes are ignored.
				if strings.HasSuffix(ev.Name, ".tmp") {
					continue
				}
				if folder := w.folderOf(ev.Name); folder != "" {
					w.notify(folder)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					fw = nil
					continue
				}
				slog.Warn("ipc: watch error", "error", err)
			case <-ticker.C:
				w.sweep()
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				w.sweep()
			}
		}
	}
}

// sweep notifies for every watched folder with at least one pending request.
func (w *Watcher) sweep() {
	w.mu.Lock()
	folders := make([]string, 0, len(w.folders))
	for f := range w.folders {
		folders = append(folders, f)
	}
	w.mu.Unlock()

	for _, f := range folders {
		w.notify(f)
	}
}

// folderOf extracts the workspace folder from an event path under the bus
// root, e.g. <root>/<folder>/messages/<file>.
func (w *Watcher) folderOf(path string) string {
	rel, err := filepath.Rel(w.bus.root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.folders[parts[0]] {
		return parts[0]
	}
	return ""
}
