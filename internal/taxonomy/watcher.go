package taxonomy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"skillforge/internal/logging"
)

// watcher re-scans the always-loaded subtrees when their files change on
// disk, so an operator hand-editing a core skill is picked up without a
// restart. Events are debounced because editors fire several writes per
// save.
type watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	pending *time.Timer
}

const rescanDebounce = 500 * time.Millisecond

func newWatcher(store *Store) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &watcher{store: store, fsw: fsw}, nil
}

func (w *watcher) start(ctx context.Context) error {
	watched := 0
	for _, subtree := range alwaysLoadedSubtrees {
		dir := filepath.Join(w.store.Root(), subtree)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := w.addRecursive(dir); err != nil {
			w.fsw.Close()
			return err
		}
		watched++
	}
	if watched == 0 {
		logging.Get(logging.CategoryTaxonomy).Debug("no always-loaded subtrees present, watcher idle")
	}

	go w.loop(ctx)
	return nil
}

func (w *watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *watcher) loop(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(event.Name)
				}
			}
			w.scheduleRescan(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryTaxonomy).Warn("watcher error: %v", err)
		}
	}
}

func (w *watcher) scheduleRescan(changed string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(rescanDebounce, func() {
		logging.Get(logging.CategoryTaxonomy).Debug("rescanning always-loaded subtrees after change to %s", changed)
		if err := w.store.scanAlwaysLoaded(); err != nil {
			logging.Get(logging.CategoryTaxonomy).Error("rescan after %s: %v", changed, err)
		}
	})
}
