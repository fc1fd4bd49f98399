package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watcher calls a function when any of a set of files in one directory
// changes. Bursts of events are coalesced.
type Watcher struct {
	dir      string
	files    map[string]struct{}
	onChange func()
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher watches paths, which must share a directory.
func NewWatcher(paths []string, onChange func(), logger zerolog.Logger) *Watcher {
	w := &Watcher{
		files:    make(map[string]struct{}, len(paths)),
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   logger.With().Str("component", "config_watcher").Logger(),
	}
	for _, p := range paths {
		w.dir = filepath.Dir(p)
		w.files[filepath.Base(p)] = struct{}{}
	}
	return w
}

// SetDebounce changes the quiet period before onChange runs.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches until ctx is done. A broken watcher is recreated with backoff.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	trigger := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info().Str("dir", w.dir).Msg("configuration changed")
			w.onChange()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	for {
		if err := w.watch(ctx, trigger); err != nil {
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("config watcher stopped, restarting")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, restartBackoffMax)
	}
}

// watch runs one fsnotify watcher until it breaks or ctx is done.
func (w *Watcher) watch(ctx context.Context, trigger func()) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Debug().Str("dir", w.dir).Msg("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if _, watched := w.files[filepath.Base(ev.Name)]; !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events may have been lost.
				trigger()
				continue
			}
			w.logger.Warn().Err(err).Msg("config watch error")
		}
	}
}
