package profiles

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the registry when profiles.json changes on disk, so
// external edits (or another hub writing the file) take effect without a
// restart.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher watches the directory containing the registry file. Watching
// the directory rather than the file survives atomic rename replacement.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(store.Path())); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		store:   store,
		watcher: fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	defer w.watcher.Close()

	// Editors and atomic saves emit bursts of events; debounce them.
	var pending <-chan time.Time

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.store.Path()) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("profiles watcher error")

		case <-pending:
			pending = nil
			if err := w.store.Reload(); err != nil {
				log.Error().Err(err).Msg("failed to reload profiles after file change")
			} else {
				log.Info().Msg("profile registry reloaded after file change")
			}

		case <-w.stopCh:
			return
		}
	}
}
