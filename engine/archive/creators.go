package archive

/**
 * @brief Builds archives of one backing-store type. Creators are registered
 * on the ArchiveManager under the type they report.
 */
type ArchiveCreator interface {
	Type() ArchiveType
	CreateObject(name string, params ArchiveParams) (Archive, error)
}

type FileSystemArchiveCreator struct{}

func (FileSystemArchiveCreator) Type() ArchiveType { return TypeFileSystem }

func (FileSystemArchiveCreator) CreateObject(name string, params ArchiveParams) (Archive, error) {
	return NewFileSystemArchive(name, params.Location, params.FS), nil
}

type ZipArchiveCreator struct{}

func (ZipArchiveCreator) Type() ArchiveType { return TypeZip }

func (ZipArchiveCreator) CreateObject(name string, params ArchiveParams) (Archive, error) {
	return NewZipArchive(name, params.Location, params.FS), nil
}

// DefaultCreators returns the creators for every built-in archive type.
func DefaultCreators() []ArchiveCreator {
	return []ArchiveCreator{FileSystemArchiveCreator{}, ZipArchiveCreator{}}
}
