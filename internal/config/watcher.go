// Watcher tails config.yaml and the routing config file for changes, so
// a long-running instance can be told to reload its routing snapshot
// without a restart. Adapted from the teacher's own config watcher
// (same fsnotify wiring), repointed from agent soul/policy files to the
// bus's config.yaml and routing config.
package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

type Watcher struct {
	homeDir           string
	routingConfigPath string
	logger            *slog.Logger
	events            chan ReloadEvent
}

func NewWatcher(homeDir, routingConfigPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:           homeDir,
		routingConfigPath: routingConfigPath,
		logger:            logger,
		events:            make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{ConfigPath(w.homeDir)}
	if w.routingConfigPath != "" {
		files = append(files, w.routingConfigPath)
	}
	for _, file := range files {
		_ = fsw.Add(file)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
