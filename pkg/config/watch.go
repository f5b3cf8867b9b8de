package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDelay debounces bursts of writes from editors.
const reloadDelay = 500 * time.Millisecond

// Watch reloads the config file at path whenever it changes and passes the
// new configuration to onChange. Invalid files are logged and skipped.
// Watching stops when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so watch its directory.
	file := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", file, err)
	}

	go processEvents(ctx, watcher, file, onChange)
	return nil
}

func processEvents(ctx context.Context, watcher *fsnotify.Watcher, file string, onChange func(*Config)) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Config file changed")
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				cfg, _, err := Load(file)
				if err != nil {
					log.Error().Err(err).Str("file", file).Msg("Ignoring invalid config reload")
					return
				}
				onChange(cfg)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
