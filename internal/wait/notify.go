package wait

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// NotifyDir watches dir and signals on the returned channel whenever an
// entry is created, written or removed. The signal is coalesced: at most one
// wake-up is pending at a time. Callers must invoke stop when done.
//
// Watching is an optimisation only; if the watch cannot be established the
// returned channel never fires and polling carries on at its interval.
func NotifyDir(dir string, logger *slog.Logger) (wake <-chan struct{}, stop func()) {
	ch := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if logger != nil {
			logger.Debug("file watch unavailable, polling only", "dir", dir, "error", err)
		}
		return ch, func() {}
	}
	if err := watcher.Add(filepath.Clean(dir)); err != nil {
		if logger != nil {
			logger.Debug("file watch unavailable, polling only", "dir", dir, "error", err)
		}
		watcher.Close()
		return ch, func() {}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Debug("file watch error", "dir", dir, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			watcher.Close()
		})
	}
}
