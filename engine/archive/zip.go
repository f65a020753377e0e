package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/klauspost/compress/zip"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

/**
 * @brief A read-only archive backed by a zip file. The central directory is
 * indexed when the archive is initialized.
 */
type ZipArchive struct {
	*resources.Base

	location string
	source   billy.Filesystem

	mu      sync.RWMutex
	closer  io.Closer
	entries map[string]*zip.File
}

func NewZipArchive(name, location string, source billy.Filesystem) *ZipArchive {
	return &ZipArchive{
		Base:     resources.NewBase(name),
		location: location,
		source:   source,
	}
}

func (a *ZipArchive) Type() resources.Type     { return resources.TypeArchive }
func (a *ZipArchive) ArchiveType() ArchiveType { return TypeZip }
func (a *ZipArchive) Location() string         { return a.location }

func (a *ZipArchive) Init(root string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.entries != nil {
		return fmt.Errorf("zip archive '%s': %w", a.Name(), core.ErrAlreadyInitialized)
	}

	var (
		files  []*zip.File
		closer io.Closer
	)
	if a.source != nil {
		f, err := a.source.Open(root)
		if err != nil {
			return fmt.Errorf("zip archive '%s': open '%s': %w: %w", a.Name(), root, core.ErrIO, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("zip archive '%s': read '%s': %w: %w", a.Name(), root, core.ErrIO, err)
		}
		r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return fmt.Errorf("zip archive '%s': parse '%s': %w: %w", a.Name(), root, core.ErrIO, err)
		}
		files = r.File
	} else {
		rc, err := zip.OpenReader(root)
		if err != nil {
			return fmt.Errorf("zip archive '%s': open '%s': %w: %w", a.Name(), root, core.ErrIO, err)
		}
		files = rc.File
		closer = rc
	}

	var size uint64
	entries := make(map[string]*zip.File, len(files))
	for _, f := range files {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		p, err := cleanPath(f.Name)
		if err != nil {
			core.LogWarn("zip archive '%s': skipping entry '%s': %s", a.Name(), f.Name, err)
			continue
		}
		entries[p] = f
		size += f.UncompressedSize64
	}

	a.entries = entries
	a.closer = closer
	a.SetSize(size)
	core.LogDebug("zip archive '%s': indexed %d entries from '%s'.", a.Name(), len(entries), root)
	return nil
}

func (a *ZipArchive) Load(ctx context.Context) error {
	return a.Init(a.location)
}

func (a *ZipArchive) Unload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if a.closer != nil {
		err = a.closer.Close()
	}
	a.closer = nil
	a.entries = nil
	return err
}

func (a *ZipArchive) Clone(ctx context.Context) (Archive, error) {
	clone := NewZipArchive(a.Name(), a.location, a.source)
	if err := clone.Init(a.location); err != nil {
		return nil, err
	}
	return clone, nil
}

func (a *ZipArchive) Exists(relPath string) bool {
	p, err := cleanPath(relPath)
	if err != nil {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.entries[p]
	return ok
}

func (a *ZipArchive) Read(ctx context.Context, relPath string) ([]byte, error) {
	p, err := cleanPath(relPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	entries := a.entries
	f, ok := entries[p]
	a.mu.RUnlock()
	if entries == nil {
		return nil, fmt.Errorf("zip archive '%s' is not initialized: %w", a.Name(), core.ErrIO)
	}
	if !ok {
		return nil, fmt.Errorf("zip archive '%s': '%s': %w", a.Name(), p, core.ErrNotFound)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("zip archive '%s': open '%s': %w: %w", a.Name(), p, core.ErrIO, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("zip archive '%s': read '%s': %w: %w", a.Name(), p, core.ErrIO, err)
	}
	return data, nil
}

func (a *ZipArchive) Write(ctx context.Context, relPath string, data []byte) error {
	return fmt.Errorf("zip archive '%s' is read-only: %w", a.Name(), core.ErrUnsupported)
}
