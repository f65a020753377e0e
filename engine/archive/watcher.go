package archive

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"golang.org/x/exp/slices"
)

/**
 * @brief Watches the directories of file system archives and reports files
 * that disappear, so their resolved paths can be forgotten.
 */
type Watcher struct {
	fsnotify *fsnotify.Watcher
	onRemove func(a Archive, relPath string)

	mu       sync.Mutex
	roots    map[string][]Archive
	isClosed bool
	done     chan struct{}
	stopped  chan struct{}
}

func NewWatcher(onRemove func(a Archive, relPath string)) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsnotify: fsWatch,
		onRemove: onRemove,
		roots:    make(map[string][]Archive),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.start()
	return w, nil
}

// Watch starts watching root and all its sub-directories on behalf of a.
func (w *Watcher) Watch(root string, a Archive) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return errors.New("watcher already closed")
	}
	owners := w.roots[root]
	if slices.Contains(owners, a) {
		return nil
	}
	if len(owners) == 0 {
		if err := w.watchRecursive(root); err != nil {
			return err
		}
	}
	w.roots[root] = append(owners, a)
	return nil
}

// Unwatch stops watching every root registered for a.
func (w *Watcher) Unwatch(a Archive) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return
	}

	for root, owners := range w.roots {
		i := slices.Index(owners, a)
		if i < 0 {
			continue
		}
		owners = slices.Delete(owners, i, i+1)
		if len(owners) > 0 {
			w.roots[root] = owners
			continue
		}
		delete(w.roots, root)
		for _, p := range w.fsnotify.WatchList() {
			if within(root, p) && !w.covered(p) {
				// the directory may already be gone
				_ = w.fsnotify.Remove(p)
			}
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	close(w.done)
	w.mu.Unlock()

	<-w.stopped
	return w.fsnotify.Close()
}

func (w *Watcher) start() {
	defer close(w.stopped)
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			w.handleEvent(e)

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("archive watcher: %s", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(e fsnotify.Event) {
	if e.Has(fsnotify.Create) {
		if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
			w.mu.Lock()
			if !w.isClosed {
				if err := w.watchRecursive(e.Name); err != nil {
					core.LogWarn("archive watcher: cannot watch '%s': %s", e.Name, err)
				}
			}
			w.mu.Unlock()
		}
		return
	}
	if !e.Has(fsnotify.Remove) && !e.Has(fsnotify.Rename) {
		return
	}

	if w.onRemove == nil {
		return
	}
	for _, o := range w.owners(e.Name) {
		w.onRemove(o.archive, o.relPath)
	}
}

type ownedPath struct {
	archive Archive
	relPath string
}

// owners maps an absolute path to every archive whose root contains it.
func (w *Watcher) owners(name string) []ownedPath {
	w.mu.Lock()
	defer w.mu.Unlock()

	var owned []ownedPath
	for root, archives := range w.roots {
		if name == root || !within(root, name) {
			continue
		}
		rel, err := filepath.Rel(root, name)
		if err != nil {
			continue
		}
		for _, a := range archives {
			owned = append(owned, ownedPath{archive: a, relPath: filepath.ToSlash(rel)})
		}
	}
	return owned
}

// covered reports whether p lies under a root that is still watched. Must hold mu.
func (w *Watcher) covered(p string) bool {
	for root := range w.roots {
		if within(root, p) {
			return true
		}
	}
	return false
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// watchRecursive adds all directories under path to the watch list. Must hold mu.
func (w *Watcher) watchRecursive(path string) error {
	return filepath.WalkDir(path, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsnotify.Add(walkPath)
	})
}
