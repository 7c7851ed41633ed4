package target

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const (
	crashFileExt   = ".fuzz"
	reportFileName = "HONGGFUZZ.REPORT.TXT"
)

// WatchCrashes watches the engine workspace of the target and reports new
// crash artifacts until ctx is done or the directory is removed. It returns
// once the watch is established.
func (t *Target) WatchCrashes(ctx context.Context) error {
	dir := t.Engine.WorkspaceDir(t.Dir, t.Name)
	if err := ensureDir(dir); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("cannot watch path %s: %w", dir, err)
	}

	log := t.Log.With().Str("watch", dir).Logger()
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("file watcher error")
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				log.Trace().Str("event", ev.String()).Msg("fs event")
				if (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) && filepath.Clean(ev.Name) == filepath.Clean(dir) {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				switch base := filepath.Base(ev.Name); {
				case base == reportFileName:
					log.Info().Str("file", ev.Name).Msg("honggfuzz report updated")
				case strings.HasSuffix(base, crashFileExt):
					t.Feedback.AddCrash(t.Name, ev.Name)
				}
			}
		}
	}()
	return nil
}
