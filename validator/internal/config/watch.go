package config

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors path and hot-applies the reloadable part of the config:
// log_level and the scoring section. onChange receives the running config
// with those fields replaced, and is only called when one of them changed.
//
// Every other section is fixed at startup. Edits to it are logged as
// needing a restart and otherwise ignored. A reload that fails to parse or
// validate is logged and skipped. Watch runs until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	running, err := Load(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic-save editors replace the file, which shows up as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}
			running = reload(running, next, onChange)

			// Re-add the file in case an atomic save replaced the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// reload folds the hot fields of next into running and returns the result.
func reload(running, next *Config, onChange func(*Config)) *Config {
	if sections := restartSections(running, next); len(sections) > 0 {
		slog.Warn("config: changes require a restart, not applied", "sections", sections)
	}

	if running.LogLevel == next.LogLevel && reflect.DeepEqual(running.Scoring, next.Scoring) {
		return running
	}

	updated := *running
	updated.LogLevel = next.LogLevel
	updated.Scoring = next.Scoring
	slog.Info("config: reloaded", "log_level", updated.LogLevel, "metrics", updated.Scoring.Metrics)
	onChange(&updated)
	return &updated
}

// restartSections names the startup-only sections that differ.
func restartSections(a, b *Config) []string {
	var out []string
	for _, s := range []struct {
		name string
		x, y interface{}
	}{
		{"validator", a.Validator, b.Validator},
		{"ledger", a.Ledger, b.Ledger},
		{"registry", a.Registry, b.Registry},
		{"telemetry", a.Telemetry, b.Telemetry},
		{"metrics", a.Metrics, b.Metrics},
	} {
		if !reflect.DeepEqual(s.x, s.y) {
			out = append(out, s.name)
		}
	}
	return out
}
