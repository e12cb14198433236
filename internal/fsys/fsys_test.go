package fsys_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/fsmigrate/internal/fsys"
)

func TestClean(t *testing.T) {
	got, err := fsys.Clean("/a//b/../c/")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", got)

	_, err = fsys.Clean("relative/path")
	assert.ErrorIs(t, err, fs.ErrInvalid)
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, fsys.Depth("/"))
	assert.Equal(t, 1, fsys.Depth("/a"))
	assert.Equal(t, 3, fsys.Depth("/a/b/c.txt"))
}

func TestLocal_ReadDirAndStat(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "fido", "dat"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fido", "dat", "rk.bin"), []byte("resident key"), 0o644))
	require.NoError(t, os.Symlink("fido", filepath.Join(root, "link")))

	l := fsys.NewLocal(root)

	entries, err := l.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 1, "symlinks are not visible")
	assert.Equal(t, fsys.Entry{Name: "fido", Path: "/fido", IsDir: true}, entries[0])

	entry, err := l.Stat("/fido/dat/rk.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(12), entry.Size)
	assert.False(t, entry.IsDir)

	data, err := fsys.ReadFile(l, "/fido/dat/rk.bin")
	require.NoError(t, err)
	assert.Equal(t, "resident key", string(data))
}

func TestLocal_CreateRenamesOnClose(t *testing.T) {
	root := t.TempDir()
	l := fsys.NewLocal(root)

	require.NoError(t, fsys.MkdirAll(l, "/opcard/keys"))
	w, err := l.Create("/opcard/keys/sig.key")
	require.NoError(t, err)
	_, err = w.Write([]byte("secret"))
	require.NoError(t, err)

	// Nothing visible under the final name until Close.
	assert.NoFileExists(t, filepath.Join(root, "opcard", "keys", "sig.key"))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(root, "opcard", "keys", "sig.key"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "opcard", "keys"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not linger")
}

func TestLocal_MkdirExisting(t *testing.T) {
	l := fsys.NewLocal(t.TempDir())
	require.NoError(t, l.Mkdir("/a"))
	assert.ErrorIs(t, l.Mkdir("/a"), fs.ErrExist)
}

func TestRemoveIfExists(t *testing.T) {
	l := fsys.NewLocal(t.TempDir())
	require.NoError(t, fsys.WriteFile(l, "/stale.bin", []byte("x")))

	removed, err := fsys.RemoveIfExists(l, "/stale.bin")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = fsys.RemoveIfExists(l, "/stale.bin")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveAllIfExists(t *testing.T) {
	l := fsys.NewLocal(t.TempDir())
	require.NoError(t, fsys.MkdirAll(l, "/cache/a/b"))
	require.NoError(t, fsys.WriteFile(l, "/cache/a/one", []byte("1")))
	require.NoError(t, fsys.WriteFile(l, "/cache/a/b/two", []byte("2")))
	require.NoError(t, fsys.WriteFile(l, "/keep", []byte("k")))

	n, err := fsys.RemoveAllIfExists(l, "/cache")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = l.Stat("/cache")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = l.Stat("/keep")
	assert.NoError(t, err)

	n, err = fsys.RemoveAllIfExists(l, "/cache")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCopy(t *testing.T) {
	srcRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "a", "b"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a", "b", "f"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "top"), []byte("xy"), 0o644))

	dstRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dstRoot, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dstRoot, "top"), []byte("old content"), 0o644))

	files, n, err := fsys.Copy(fsys.NewLocal(dstRoot), fsys.NewLocal(srcRoot))
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(7), n)

	data, err := os.ReadFile(filepath.Join(dstRoot, "a", "b", "f"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	data, err = os.ReadFile(filepath.Join(dstRoot, "top"))
	require.NoError(t, err)
	assert.Equal(t, "xy", string(data))
	assert.DirExists(t, filepath.Join(dstRoot, "empty"))
}
