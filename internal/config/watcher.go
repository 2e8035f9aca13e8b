package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/amon-ai/amon/internal/logging"
	"github.com/amon-ai/amon/pkg/types"
)

// DefaultDebounce coalesces the bursts of events editors produce on save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads settings into a Store when a settings file changes.
// Reloads that fail to parse or validate keep the previous settings.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	load     func() (*types.Settings, error)
	files    map[string]bool
	debounce time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher watches the directories of files. load produces the new
// settings after a change.
func NewWatcher(store *Store, files []string, load func() (*types.Settings, error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	watched := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	// Watching the directory catches editors that replace the file on save.
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			logging.Debug().Err(err).Str("dir", dir).Msg("settings directory not watched")
		}
	}

	return &Watcher{
		watcher:  w,
		store:    store,
		load:     load,
		files:    watched,
		debounce: DefaultDebounce,
		log:      logging.Component("config"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetDebounce changes the debounce interval. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if abs, err := filepath.Abs(ev.Name); err == nil && w.files[abs] {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("settings watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	next, err := w.load()
	if err != nil {
		w.log.Warn().Err(err).Msg("settings reload failed, keeping previous settings")
		return
	}
	if err := w.store.Set(next); err != nil {
		w.log.Warn().Err(err).Msg("reloaded settings are invalid, keeping previous settings")
		return
	}
	w.log.Info().
		Str("mode", string(next.Agent.PermissionMode)).
		Str("backend", string(next.Agent.Backend)).
		Msg("settings reloaded")
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
