package archive

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
)

// ArchiveType tags a backing-store implementation. Creators are registered
// and removed under their own type, so both sides always use the same key.
type ArchiveType string

const (
	TypeFileSystem ArchiveType = "FileSystem"
	TypeZip        ArchiveType = "Zip"
)

/**
 * @brief A mounted content container. Paths given to Exists, Read and Write
 * are relative to the archive root and use forward slashes.
 */
type Archive interface {
	resources.Resource
	Clone(ctx context.Context) (Archive, error)

	// Init attaches the archive to its backing root. It must succeed before
	// any other operation and fails with core.ErrAlreadyInitialized when
	// called twice.
	Init(root string) error
	Exists(relPath string) bool
	Read(ctx context.Context, relPath string) ([]byte, error)
	Write(ctx context.Context, relPath string, data []byte) error

	ArchiveType() ArchiveType
	Location() string
}

/** @brief Creation parameters of an archive. */
type ArchiveParams struct {
	/** @brief Which registered creator builds the archive. */
	Type ArchiveType
	/** @brief Root directory or zip file. Empty means the mount name. */
	Location string
	/** @brief Optional filesystem the location is resolved against. Defaults to the OS. */
	FS billy.Filesystem
}

// cleanPath normalizes an archive-relative path. The result never starts
// with "/" and never climbs above the archive root.
func cleanPath(p string) (string, error) {
	p = strings.TrimLeft(filepath.ToSlash(p), "/")
	c := path.Clean(p)
	if p == "" || c == "." {
		return "", fmt.Errorf("empty path: %w", core.ErrInvalidParameter)
	}
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("path '%s' escapes the archive root: %w", p, core.ErrInvalidParameter)
	}
	return c, nil
}
