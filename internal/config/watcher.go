package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"threadwatch/internal/logging"
)

// ChangeFunc receives the previous and the freshly loaded config whenever
// the file changes on disk.
type ChangeFunc func(old, new Config)

// Watcher reloads the config file when it is rewritten. Atomic saves
// appear as create+rename, so the watcher observes the parent directory
// and filters on the file name.
type Watcher struct {
	path    string
	current Config
	onChg   ChangeFunc
	fw      *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path. initial is the config the process
// booted with; onChange fires only when a reload succeeds.
func NewWatcher(path string, initial Config, onChange ChangeFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		current: initial,
		onChg:   onChange,
		fw:      fw,
		done:    make(chan struct{}),
	}
	return w, nil
}

// Run processes events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	log := logging.Get(logging.CategoryConfig)
	defer close(w.done)

	// Editors and our own atomic save fire several events per write;
	// debounce before reloading.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "error", err)
		case <-pending:
			pending = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnw("config reload failed", "error", err)
				continue
			}
			old := w.current
			w.current = cfg
			log.Infow("config reloaded")
			if w.onChg != nil {
				w.onChg(old, cfg)
			}
		}
	}
}

// Close stops the underlying filesystem watcher and waits for Run to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
