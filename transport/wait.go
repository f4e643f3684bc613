package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForFiles blocks until every name exists in dir, or ctx is done.
// dir itself must already exist.
func WaitForFiles(ctx context.Context, dir string, names ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %q: %w", dir, err)
	}

	// checked after the watch is in place so that a file created in between is not missed
	missing := map[string]bool{}
	for _, name := range names {
		_, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			missing[name] = true
			continue
		}
		if err != nil {
			return fmt.Errorf("checking %q: %w", name, err)
		}
	}

	for len(missing) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if ev.Has(fsnotify.Create) {
				delete(missing, filepath.Base(ev.Name))
			}
			if ev.Has(fsnotify.Remove) && ev.Name == dir {
				return fmt.Errorf("%q was removed", dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return fmt.Errorf("watching %q: %w", dir, err)
		}
	}
	return nil
}
