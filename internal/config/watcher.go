package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// OverridesCallback receives the freshly parsed overrides after a change
type OverridesCallback func(ToolOverrides)

// OverridesWatcher reloads the tool overrides file when it changes on disk.
// The parent directory is watched so atomic editor saves (rename over) are seen.
type OverridesWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange OverridesCallback
	done     chan struct{}
	timer    *time.Timer
	mu       sync.Mutex
	stopOnce sync.Once
}

// NewOverridesWatcher creates a watcher for path. debounce of zero uses 100ms.
func NewOverridesWatcher(path string, debounce time.Duration, onChange OverridesCallback) (*OverridesWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("tool overrides path is empty")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &OverridesWatcher{
		watcher:  watcher,
		path:     filepath.Clean(abs),
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching
func (w *OverridesWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Tool overrides watcher started")
	return nil
}

// Stop stops the watcher
func (w *OverridesWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *OverridesWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Tool overrides watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *OverridesWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.reload()
	})
}

func (w *OverridesWatcher) reload() {
	overrides, err := LoadToolOverrides(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to reload tool overrides")
		return
	}

	log.Info().Str("path", w.path).Int("providers", len(overrides)).Msg("Tool overrides reloaded")
	if w.onChange != nil {
		w.onChange(overrides)
	}
}
