package rules

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/opsline/anomalyd/internal/logger"
)

// Watch reloads the rules file into set whenever it changes on disk. The
// watch is placed on the parent directory because editors and config
// mounts typically replace the file by rename. Blocks until ctx is done.
func Watch(ctx context.Context, path string, set *Set, log *logger.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cond, alerts, err := LoadFile(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("rules reload failed, keeping previous rules")
				continue
			}
			set.Replace(cond, alerts)
			log.Info().Str("path", path).Msg("rules reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("rules watcher error")
		}
	}
}
