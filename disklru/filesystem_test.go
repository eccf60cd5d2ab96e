package disklru

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOSFileSystem(t *testing.T) {
	fs := OSFileSystem{}
	dir := t.TempDir()

	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, fs.MkdirAll(sub))

	name := filepath.Join(sub, "f")
	w, err := fs.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte("one"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w, err = fs.Append(name)
	require.NoError(t, err)
	_, err = w.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err := fs.Size(name)
	require.NoError(t, err)
	require.Equal(t, int64(6), size)

	r, err := fs.Open(name)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "onetwo", string(data))

	renamed := filepath.Join(sub, "g")
	require.NoError(t, fs.Rename(name, renamed))

	ok, err := fs.Exists(name)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = fs.Exists(renamed)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fs.Delete(renamed))
	require.NoError(t, fs.Delete(renamed), "deleting a missing file is not an error")

	require.NoError(t, fs.DeleteAll(filepath.Join(dir, "a")))
	ok, err = fs.Exists(sub)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOSFileSystemCreateTruncates(t *testing.T) {
	fs := OSFileSystem{}
	name := filepath.Join(t.TempDir(), "f")

	w, err := fs.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte("long old content"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = fs.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.Open(name)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "new", string(data))
}
