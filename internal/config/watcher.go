package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigEvent represents a configuration change event.
type ConfigEvent struct {
	Path   string
	Config *Config
	Error  error
}

// Watcher reloads one config file when it changes. Editors often replace a
// file instead of writing it, so the parent directory is watched and events
// are filtered by name.
type Watcher struct {
	loader   *Loader
	path     string
	watcher  *fsnotify.Watcher
	events   chan ConfigEvent
	debounce time.Duration
	mu       sync.RWMutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewWatcher creates a new config file watcher.
func NewWatcher(loader *Loader, path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &Watcher{
		loader:   loader,
		path:     abs,
		watcher:  fsWatcher,
		events:   make(chan ConfigEvent, 10),
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Events returns the channel that receives config change events. It is
// closed after Stop.
func (w *Watcher) Events() <-chan ConfigEvent {
	return w.events
}

// Start loads the file once and begins watching it.
func (w *Watcher) Start(ctx context.Context) error {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return nil
}

// Stop closes the watcher and cleans up resources.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
		err = w.watcher.Close()
		close(w.events)
	})
	return err
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			} else if event.Op&fsnotify.Remove != 0 {
				w.emit(ctx, ConfigEvent{Path: w.path, Error: fmt.Errorf("config removed: %s", w.path)})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, ConfigEvent{Path: w.path, Error: err})

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.handleUpdate(ctx)
			}
		}
	}
}

func (w *Watcher) handleUpdate(ctx context.Context) {
	cfg, err := w.loader.Load(w.path)
	if err == nil {
		err = ValidateConfig(cfg, nil)
	}
	if err != nil {
		w.emit(ctx, ConfigEvent{
			Path:  w.path,
			Error: fmt.Errorf("failed to reload config %s: %w", w.path, err),
		})
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.emit(ctx, ConfigEvent{Path: w.path, Config: cfg})
}

func (w *Watcher) emit(ctx context.Context, ev ConfigEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
