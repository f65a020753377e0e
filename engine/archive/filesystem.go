package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/**
 * @brief An archive backed by a directory tree. The tree lives on the OS
 * filesystem unless a billy.Filesystem (e.g. memfs) was injected.
 */
type FileSystemArchive struct {
	*resources.Base

	location string
	source   billy.Filesystem

	mu   sync.RWMutex
	fs   billy.Filesystem
	root string
}

func NewFileSystemArchive(name, location string, source billy.Filesystem) *FileSystemArchive {
	return &FileSystemArchive{
		Base:     resources.NewBase(name),
		location: location,
		source:   source,
	}
}

func (a *FileSystemArchive) Type() resources.Type     { return resources.TypeArchive }
func (a *FileSystemArchive) ArchiveType() ArchiveType { return TypeFileSystem }
func (a *FileSystemArchive) Location() string         { return a.location }

func (a *FileSystemArchive) Init(root string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fs != nil {
		return fmt.Errorf("archive '%s' at '%s': %w", a.Name(), a.root, core.ErrAlreadyInitialized)
	}

	var fs billy.Filesystem
	if a.source != nil {
		fi, err := a.source.Stat(root)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("archive '%s': root '%s' is not a directory: %w", a.Name(), root, core.ErrIO)
		}
		if fs, err = a.source.Chroot(root); err != nil {
			return fmt.Errorf("archive '%s': chroot '%s': %w: %w", a.Name(), root, core.ErrIO, err)
		}
	} else {
		fi, err := os.Stat(root)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("archive '%s': root '%s' is not an accessible directory: %w", a.Name(), root, core.ErrIO)
		}
		fs = osfs.New(root)
	}

	a.fs = fs
	a.root = root
	return nil
}

func (a *FileSystemArchive) Load(ctx context.Context) error {
	return a.Init(a.location)
}

func (a *FileSystemArchive) Unload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fs = nil
	return nil
}

func (a *FileSystemArchive) Clone(ctx context.Context) (Archive, error) {
	clone := NewFileSystemArchive(a.Name(), a.location, a.source)
	if err := clone.Init(a.location); err != nil {
		return nil, err
	}
	clone.SetSize(a.Size())
	return clone, nil
}

// Exists reports whether relPath names a regular file.
func (a *FileSystemArchive) Exists(relPath string) bool {
	p, err := cleanPath(relPath)
	if err != nil {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.fs == nil {
		return false
	}
	fi, err := a.fs.Stat(p)
	return err == nil && !fi.IsDir()
}

func (a *FileSystemArchive) Read(ctx context.Context, relPath string) ([]byte, error) {
	p, err := cleanPath(relPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs := a.filesystem()
	if fs == nil {
		return nil, fmt.Errorf("archive '%s' is not initialized: %w", a.Name(), core.ErrIO)
	}

	fi, err := fs.Stat(p)
	if err != nil {
		return nil, a.pathError("stat", p, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("archive '%s': '%s' is a directory: %w", a.Name(), p, core.ErrNotFound)
	}

	f, err := fs.Open(p)
	if err != nil {
		return nil, a.pathError("open", p, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, a.pathError("read", p, err)
	}
	return data, nil
}

// Write stores data at relPath, creating missing parent directories.
func (a *FileSystemArchive) Write(ctx context.Context, relPath string, data []byte) error {
	p, err := cleanPath(relPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fs := a.filesystem()
	if fs == nil {
		return fmt.Errorf("archive '%s' is not initialized: %w", a.Name(), core.ErrIO)
	}

	if dir := path.Dir(p); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return a.pathError("mkdir", dir, err)
		}
	}
	if err := util.WriteFile(fs, p, data, 0o644); err != nil {
		return a.pathError("write", p, err)
	}
	return nil
}

// filesystem returns the current backing filesystem. The archive lock is
// not held during I/O, so a stalled read never blocks Unload.
func (a *FileSystemArchive) filesystem() billy.Filesystem {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fs
}

// watchRoot returns the OS directory backing the archive, if any.
func (a *FileSystemArchive) watchRoot() (string, bool) {
	if a.source != nil {
		return "", false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.root, a.fs != nil
}

func (a *FileSystemArchive) pathError(op, p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive '%s': %s '%s': %w", a.Name(), op, p, core.ErrNotFound)
	}
	return fmt.Errorf("archive '%s': %s '%s': %w: %w", a.Name(), op, p, core.ErrIO, err)
}
