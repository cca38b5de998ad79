package vigil

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchConfig re-reads the config file when it changes on disk and applies
// the runtime-tunable fields, currently just the log level. Structural fields
// (tokens, database path, intervals already running) need a restart and are
// intentionally ignored here. Blocks until ctx is cancelled.
func WatchConfig(ctx context.Context, path string, log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config management tools
	// replace the file, which would drop a direct watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	log = log.With().Str("component", "config_watcher").Logger()
	log.Debug().Str("path", target).Msg("Watching config file for changes")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != target {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring config change: file no longer parses")
				continue
			}
			applyRuntimeConfig(cfg, log)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}

func applyRuntimeConfig(cfg *Config, log zerolog.Logger) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Ignoring invalid log level from config change")
		return
	}
	if zerolog.GlobalLevel() != level {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("log_level", level.String()).Msg("Log level changed")
	}
}
