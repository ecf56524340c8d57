package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchSeed calls apply with the parsed seed file every time it is
// written, until ctx is done. The directory is watched rather than the
// file so editors that replace the file on save are still seen. A seed
// that fails to parse is logged and skipped.
func WatchSeed(ctx context.Context, path string, log *zap.Logger, apply func([]SeedResource)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("seed watcher error", zap.Error(err))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			seed, err := LoadSeed(abs)
			if err != nil {
				log.Warn("seed file not applied", zap.String("file", path), zap.Error(err))
				continue
			}
			apply(seed)
		}
	}
}
