package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/xhad/formulary/pkg/store"
)

// Watch invalidates the cache whenever the CURRENT pointer in a file-backed
// index directory changes, including writes made by another process. The
// watcher is registered before Watch returns and stops when ctx is done.
func (q *Query) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating index watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if pointerChanged(ev) {
					q.config.Logger.Debug().Str("event", ev.String()).Msg("index pointer changed")
					q.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				q.config.Logger.Warn().Err(err).Str("dir", dir).Msg("index watcher error")
			}
		}
	}()
	return nil
}

// pointerChanged reports whether ev replaced or rewrote the CURRENT file.
// The store swaps CURRENT by rename, which shows up as a Create of the
// target name.
func pointerChanged(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != store.CurrentFile {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
