package disklru

import (
	"io"
	"os"
	"path/filepath"
)

// WriteFile is an open file handle accepting writes. Sync flushes buffered
// data to stable storage.
type WriteFile interface {
	io.Writer
	io.Closer
	Sync() error
}

// FileSystem is the storage backend the cache engine is written against.
// Paths are forward-slash relative or absolute strings; the engine only ever
// joins its directory with flat file names.
//
// Implementations are not required to support deleting files that are still
// open for reading; the engine defers deletion of referenced files until the
// last handle closes.
type FileSystem interface {
	// Open opens the named file for reading.
	Open(name string) (io.ReadCloser, error)

	// Create opens the named file for writing, truncating it if it exists.
	Create(name string) (WriteFile, error)

	// Append opens the named file for appending, creating it if absent.
	Append(name string) (WriteFile, error)

	// Delete removes the named file. Deleting a file that does not exist
	// is not an error.
	Delete(name string) error

	// DeleteAll removes the named directory and everything under it.
	DeleteAll(name string) error

	// Rename atomically renames oldName to newName, replacing newName if
	// it exists.
	Rename(oldName, newName string) error

	// Exists reports whether the named file exists.
	Exists(name string) (bool, error)

	// Size returns the byte length of the named file.
	Size(name string) (int64, error)

	// MkdirAll creates the named directory and any missing parents.
	MkdirAll(name string) error
}

// OSFileSystem is the production FileSystem backed by the os package.
type OSFileSystem struct{}

func (OSFileSystem) Open(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func (OSFileSystem) Create(name string) (WriteFile, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (OSFileSystem) Append(name string) (WriteFile, error) {
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func (OSFileSystem) Delete(name string) error {
	err := os.Remove(name)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (OSFileSystem) DeleteAll(name string) error {
	return os.RemoveAll(name)
}

func (OSFileSystem) Rename(oldName, newName string) error {
	return os.Rename(oldName, newName)
}

func (OSFileSystem) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (OSFileSystem) Size(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (OSFileSystem) MkdirAll(name string) error {
	return os.MkdirAll(filepath.Clean(name), 0o755)
}
