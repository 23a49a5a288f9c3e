package symbols

import (
	"context"
	"path/filepath"
	"time"

	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc receives the table parsed after the map file changed.
type ReloadFunc func(*Table)

// Watcher re-parses a map file whenever the build rewrites it.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	log      logger.Logger
}

func NewWatcher(path string, debounce time.Duration, onReload ReloadFunc, log logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		onReload: onReload,
		log:      log.With("symbols"),
	}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file so that atomic replace-by-rename is seen too.
// Bursts of events are coalesced into one reload after the debounce
// interval. Unparsable intermediate files are logged and ignored.
func (w *Watcher) Run(ctx context.Context) error {
	errFactory := errors.New()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(ErrWatchMap, err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return errFactory.Wrap(ErrWatchMap, err)
	}

	w.log.Info().Str("path", w.path).Msg("Watching map file")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.log.Debug().Str("op", ev.Op.String()).Msg("Map file event")
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("Map watcher error")

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	t, err := LoadFile(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("Ignoring unreadable map file")
		return
	}

	w.log.Info().Int("symbols", t.Len()).Msg("Map file reloaded")
	if w.onReload != nil {
		w.onReload(t)
	}
}
