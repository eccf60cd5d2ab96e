package disklru

import (
	"bytes"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// Faults holds per-operation failure hooks for MemFS. A non-nil hook that
// returns a non-nil error makes the matching operation fail with that error.
type Faults struct {
	Open   func(name string) error
	Create func(name string) error
	Append func(name string) error
	Write  func(name string) error
	Delete func(name string) error
	Rename func(oldName, newName string) error
}

// MemFS is an in-memory FileSystem used in tests. Readers obtained from Open
// see a private copy of the file's bytes, so deleting or renaming a file
// never disturbs streams that are already open.
type MemFS struct {
	mu    sync.Mutex
	files map[string][]byte

	// Faults injects failures into individual operations.
	Faults Faults
}

var errMemFSNotExist = errors.New("memfs: file does not exist")

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

func (fs *MemFS) Open(name string) (io.ReadCloser, error) {
	if hook := fs.Faults.Open; hook != nil {
		if err := hook(name); err != nil {
			return nil, err
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, ok := fs.files[path.Clean(name)]
	if !ok {
		return nil, errMemFSNotExist
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

func (fs *MemFS) Create(name string) (WriteFile, error) {
	if hook := fs.Faults.Create; hook != nil {
		if err := hook(name); err != nil {
			return nil, err
		}
	}

	name = path.Clean(name)
	fs.mu.Lock()
	fs.files[name] = nil
	fs.mu.Unlock()

	return &memWriter{fs: fs, name: name}, nil
}

func (fs *MemFS) Append(name string) (WriteFile, error) {
	if hook := fs.Faults.Append; hook != nil {
		if err := hook(name); err != nil {
			return nil, err
		}
	}

	name = path.Clean(name)
	fs.mu.Lock()
	if _, ok := fs.files[name]; !ok {
		fs.files[name] = nil
	}
	fs.mu.Unlock()

	return &memWriter{fs: fs, name: name}, nil
}

func (fs *MemFS) Delete(name string) error {
	if hook := fs.Faults.Delete; hook != nil {
		if err := hook(name); err != nil {
			return err
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, path.Clean(name))
	return nil
}

func (fs *MemFS) DeleteAll(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	prefix := path.Clean(name) + "/"
	for p := range fs.files {
		if p == path.Clean(name) || strings.HasPrefix(p, prefix) {
			delete(fs.files, p)
		}
	}
	return nil
}

func (fs *MemFS) Rename(oldName, newName string) error {
	if hook := fs.Faults.Rename; hook != nil {
		if err := hook(oldName, newName); err != nil {
			return err
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldName, newName = path.Clean(oldName), path.Clean(newName)
	data, ok := fs.files[oldName]
	if !ok {
		return errMemFSNotExist
	}
	fs.files[newName] = data
	delete(fs.files, oldName)
	return nil
}

func (fs *MemFS) Exists(name string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[path.Clean(name)]
	return ok, nil
}

func (fs *MemFS) Size(name string) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, ok := fs.files[path.Clean(name)]
	if !ok {
		return 0, errMemFSNotExist
	}
	return int64(len(data)), nil
}

func (fs *MemFS) MkdirAll(string) error { return nil }

// ListFiles returns the sorted names of every file currently stored.
func (fs *MemFS) ListFiles() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	names := make([]string, 0, len(fs.files))
	for p := range fs.files {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Contents returns a copy of the named file's bytes.
func (fs *MemFS) Contents(name string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, ok := fs.files[path.Clean(name)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

type memWriter struct {
	fs     *MemFS
	name   string
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("memfs: write on closed file")
	}
	if hook := w.fs.Faults.Write; hook != nil {
		if err := hook(w.name); err != nil {
			return 0, err
		}
	}

	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()

	if _, ok := w.fs.files[w.name]; !ok {
		// File was deleted while open; writes land nowhere, matching a
		// unix file that lost its last directory entry.
		return len(p), nil
	}
	w.fs.files[w.name] = append(w.fs.files[w.name], p...)
	return len(p), nil
}

func (w *memWriter) Sync() error { return nil }

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}
