package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the config in effect after a change. err is non-nil
// when the new file failed to load; cfg is then the last good config.
type ChangeFunc func(cfg *Config, err error)

// Watch reloads the config whenever its file changes and reports each
// effective change to fn. It blocks until ctx is done. The directory is
// watched rather than the file so editors that replace the file on save are
// followed.
func (l *Loader) Watch(ctx context.Context, fn ChangeFunc) error {
	path, err := l.Path()
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	lastHash := ""
	if cfg, ok := l.Last(); ok {
		lastHash = cfg.SourceHash
	}
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("config watch error", "path", target, "err", err)
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := l.Reload()
			if err != nil {
				l.logger.Warn("config reload failed", "path", target, "err", err)
				if fn != nil {
					fn(cfg, err)
				}
				continue
			}
			if cfg.SourceHash == lastHash {
				continue
			}
			lastHash = cfg.SourceHash
			l.logger.Info("config reloaded", "path", target, "version", cfg.Version)
			if fn != nil {
				fn(cfg, nil)
			}
		}
	}
}
