package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period Watch waits for before reporting changes.
const DefaultDebounce = 2 * time.Second

// WatchOptions configures Watch.
type WatchOptions struct {
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Watch follows product archives under dir and calls onChange with the sorted paths of archives
// that were created, written, renamed or removed, once no event arrived for Debounce.
// Files whose names are not product names are ignored. New subdirectories are followed.
// onChange errors are logged and do not stop watching. Watch returns nil when ctx ends.
func Watch(ctx context.Context, dir string, opts WatchOptions, onChange func(ctx context.Context, paths []string) error) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := addRecursive(w, dir, opts.Logger); err != nil {
		return err
	}
	opts.Logger.Info().Str("dir", dir).Dur("debounce", opts.Debounce).Msg("watching for product changes")

	timer := time.NewTimer(opts.Debounce)
	timer.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if isDir(ev.Name) {
					if err := addRecursive(w, ev.Name, opts.Logger); err != nil {
						opts.Logger.Warn().Err(err).Str("path", ev.Name).Msg("failed to follow new directory")
					}
					continue
				}
			}
			if !relevant(ev) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(opts.Debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Warn().Err(err).Msg("watcher error")

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)

			opts.Logger.Debug().Strs("paths", paths).Msg("product archives changed")
			if err := onChange(ctx, paths); err != nil {
				opts.Logger.Error().Err(err).Msg("change handler failed")
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	_, err := ParseProductFilename(filepath.Base(ev.Name))
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// addRecursive follows root and every directory below it.
func addRecursive(w *fsnotify.Watcher, root string, logger zerolog.Logger) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		logger.Debug().Str("dir", path).Msg("watching directory")
		return nil
	})
}
