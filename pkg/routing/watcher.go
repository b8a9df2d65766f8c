package routing

import (
	"context"
	stderrors "errors"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher keeps the policy of a file current, reloading it when the file changes.
// A reload that fails to parse keeps the previous policy.
type Watcher struct {
	path    string
	current atomic.Pointer[Policy]

	mu      sync.Mutex
	running bool
}

// NewWatcher loads path once. Call Run to follow changes.
func NewWatcher(path string) (*Watcher, error) {
	abs := path
	if path != "" {
		var err error
		abs, err = filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrap(err, "resolve routing policy path")
		}
	}
	p, err := Load(abs)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: abs}
	w.current.Store(p)
	return w, nil
}

func (w *Watcher) Policy() *Policy {
	if w == nil {
		return nil
	}
	return w.current.Load()
}

func (w *Watcher) Path() string { return w.path }

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	p, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(p)
	log.Info().Str("component", "routing").Str("path", w.path).Int("tiers", len(p.Tiers)).Msg("routing policy loaded")
	return nil
}

// Run watches the policy's directory until ctx is done. Directories are
// watched instead of the file so editors that replace the file are handled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("routing watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create policy watcher")
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		if !stderrors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(err, "watch policy directory")
		}
		// Same as a missing file at load time: serve the empty policy.
		log.Warn().Err(err).Str("component", "routing").Str("path", w.path).Msg("routing policy directory does not exist, not watching")
		<-ctx.Done()
		return nil
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := func() {
		if err := w.Reload(); err != nil {
			log.Warn().Err(err).Str("component", "routing").Str("path", w.path).Msg("routing policy reload failed, keeping previous policy")
		}
	}

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
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("component", "routing").Msg("policy watcher error")
		}
	}
}
