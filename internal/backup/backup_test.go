package backup_test

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/fsmigrate/internal/backup"
	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/event"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/fsys"
	"github.com/bamsammich/fsmigrate/internal/stats"
)

const rw = 16

var (
	fsGeo    = flash.Geometry{ReadSize: 4, WriteSize: 16, BlockSize: 256, BlockCount: 64}
	fsLayout = blockfs.Layout{Name: "v1", BlockSize: 256, BlockCount: 64}
)

func newFS(t *testing.T) *blockfs.FS {
	t.Helper()
	r := flash.MustRAM(fsGeo)
	require.NoError(t, blockfs.Format(r, fsLayout))
	f, err := blockfs.Mount(r, fsLayout)
	require.NoError(t, err)
	return f
}

// newScratch returns a RAM device of size bytes and a backend over all of it.
func newScratch(t *testing.T, size int64) (*flash.RAM, *backup.Backend) {
	t.Helper()
	r := flash.MustRAM(flash.Geometry{ReadSize: 4, WriteSize: 16, BlockSize: 256, BlockCount: int(size / 256)})
	b, err := backup.NewBackend(r, 0, size)
	require.NoError(t, err)
	return r, b
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	_, err := rand.Read(p)
	require.NoError(t, err)
	return p
}

// listTree returns every path below dir, with a trailing slash on directories.
func listTree(t *testing.T, src fsys.Source, dir string) []string {
	t.Helper()
	entries, err := src.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.IsDir {
			out = append(out, e.Path+"/")
			out = append(out, listTree(t, src, e.Path)...)
		} else {
			out = append(out, e.Path)
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	src := newFS(t)
	big := randomBytes(t, 3*backup.ChunkSize+7)
	require.NoError(t, src.Mkdir("/fido"))
	require.NoError(t, src.Mkdir("/fido/dat"))
	require.NoError(t, src.WriteFile("/fido/dat/rk.bin", big))
	require.NoError(t, src.WriteFile("/fido/empty", nil))
	require.NoError(t, src.Mkdir("/piv"))
	require.NoError(t, src.WriteFile("/counter", []byte{0, 0, 0, 42}))
	require.NoError(t, src.WriteFile("/exact", bytes.Repeat([]byte{0xFF}, backup.ChunkSize)))

	_, b := newScratch(t, 16*1024)
	bsum, err := backup.Backup(src, b, backup.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, bsum.Dirs)
	assert.Equal(t, 4, bsum.Files)
	assert.Equal(t, uint32(7), bsum.Records)

	dst := newFS(t)
	rsum, err := backup.Restore(dst, b, backup.Options{})
	require.NoError(t, err)
	assert.Equal(t, bsum.Records, rsum.Records)
	assert.Equal(t, bsum.Bytes, rsum.Bytes)
	assert.Equal(t, bsum.StreamSize, rsum.StreamSize)

	assert.Equal(t, listTree(t, src, "/"), listTree(t, dst, "/"))
	got, err := dst.ReadFile("/fido/dat/rk.bin")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	want, err := backup.Digest(src)
	require.NoError(t, err)
	have, err := backup.Digest(dst)
	require.NoError(t, err)
	assert.Equal(t, want, have)
	assert.Equal(t, want, bsum.Digest)
	assert.Equal(t, want, rsum.Digest)
}

func TestRoundTrip_SampleScenario(t *testing.T) {
	content := randomBytes(t, 37)
	src := newFS(t)
	require.NoError(t, src.Mkdir("/a"))
	require.NoError(t, src.WriteFile("/a/b.txt", content))
	require.NoError(t, src.Mkdir("/c"))

	_, b := newScratch(t, 4096)
	_, err := backup.Backup(src, b, backup.Options{})
	require.NoError(t, err)

	next := blockfs.Layout{Name: "v2", BlockSize: 512, BlockCount: 16}
	r := flash.MustRAM(fsGeo)
	require.NoError(t, blockfs.Format(r, next))
	dst, err := blockfs.Mount(r, next)
	require.NoError(t, err)
	_, err = backup.Restore(dst, b, backup.Options{})
	require.NoError(t, err)
	require.NoError(t, dst.Sync())

	assert.Equal(t, []string{"/a/", "/a/b.txt", "/c/"}, listTree(t, dst, "/"))
	got, err := dst.ReadFile("/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBackup_EmptyTree(t *testing.T) {
	_, b := newScratch(t, 1024)
	sum, err := backup.Backup(newFS(t), b, backup.Options{})
	require.NoError(t, err)
	assert.Zero(t, sum.Records)
	assert.Equal(t, backup.RecordSize(backup.KindEnd, 0, rw), sum.StreamSize)

	dst := newFS(t)
	_, err = backup.Restore(dst, b, backup.Options{})
	require.NoError(t, err)
	assert.Empty(t, listTree(t, dst, "/"))
}

func TestBackup_CapacityBoundary(t *testing.T) {
	const n = 4096
	overhead := backup.RecordSize(backup.KindFile, 0, rw) + backup.RecordSize(backup.KindEnd, 0, rw)
	fits := n - overhead

	t.Run("exact fit", func(t *testing.T) {
		src := newFS(t)
		require.NoError(t, src.WriteFile("/f", randomBytes(t, int(fits))))
		_, b := newScratch(t, n)

		sum, err := backup.Backup(src, b, backup.Options{})
		require.NoError(t, err)
		assert.Equal(t, int64(n), sum.StreamSize)
		assert.Zero(t, b.Remaining())
	})

	t.Run("one unit over", func(t *testing.T) {
		src := newFS(t)
		require.NoError(t, src.WriteFile("/f", randomBytes(t, int(fits)+rw)))

		// The scratch region is a window in the middle of a larger device so
		// that writes past its end would be visible.
		dev := flash.MustRAM(flash.Geometry{ReadSize: 4, WriteSize: 16, BlockSize: 256, BlockCount: 32})
		win, err := flash.NewWindow(dev, 1024, n)
		require.NoError(t, err)
		b, err := backup.NewBackend(win, 0, n)
		require.NoError(t, err)

		_, err = backup.Backup(src, b, backup.Options{})
		require.ErrorIs(t, err, backup.ErrCapacityExceeded)
		require.ErrorIs(t, err, backup.ErrBackendWrite)

		raw := dev.Bytes()
		assert.True(t, allErased(raw[:1024]), "bytes before the region untouched")
		assert.True(t, allErased(raw[1024+n:]), "bytes after the region untouched")

		// The file record made it; only the terminator did not fit.
		written := backup.RecordSize(backup.KindFile, fits+rw, rw)
		assert.Equal(t, written, b.Offset())
		assert.False(t, allErased(raw[1024:1024+backup.HeaderSize]))
		assert.True(t, allErased(raw[1024+written:1024+n]))
	})
}

func allErased(p []byte) bool {
	return len(bytes.TrimLeft(p, "\xff")) == 0
}

func TestBackup_TooDeep(t *testing.T) {
	src := newFS(t)
	require.NoError(t, fsys.MkdirAll(src, "/a/b/c"))
	require.NoError(t, src.WriteFile("/a/b/c/leaf", []byte("x")))

	_, b := newScratch(t, 4096)
	_, err := backup.Backup(src, b, backup.Options{MaxDepth: 2})
	assert.ErrorIs(t, err, backup.ErrTooDeep)

	_, err = b.Erase()
	require.NoError(t, err)
	_, err = backup.Backup(src, b, backup.Options{MaxDepth: 3})
	assert.NoError(t, err)
}

// shortSource reports every file one byte larger than it is.
type shortSource struct{ fsys.Source }

func (s shortSource) ReadDir(dir string) ([]fsys.Entry, error) {
	entries, err := s.Source.ReadDir(dir)
	for i := range entries {
		if !entries[i].IsDir {
			entries[i].Size++
		}
	}
	return entries, err
}

func TestBackup_SourceChanged(t *testing.T) {
	src := newFS(t)
	require.NoError(t, src.WriteFile("/f", []byte("abc")))

	_, b := newScratch(t, 4096)
	_, err := backup.Backup(shortSource{src}, b, backup.Options{})
	assert.ErrorIs(t, err, backup.ErrSourceChanged)
}

func TestBackup_EventsAndStats(t *testing.T) {
	src := newFS(t)
	require.NoError(t, src.Mkdir("/d"))
	require.NoError(t, src.WriteFile("/d/f", []byte("hello")))

	events := make(chan event.Event, 16)
	collector := stats.NewCollector()
	_, b := newScratch(t, 4096)
	_, err := backup.Backup(src, b, backup.Options{Events: events, Stats: collector})
	require.NoError(t, err)
	close(events)

	var types []event.Type
	for e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{
		event.BackupStarted, event.DirRecorded, event.FileRecorded, event.BackupComplete,
	}, types)

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.DirsRecorded)
	assert.Equal(t, int64(1), snap.FilesRecorded)
	assert.Equal(t, int64(5), snap.BytesRecorded)
}

func TestRestore_ErasedRegion(t *testing.T) {
	_, b := newScratch(t, 1024)
	_, err := backup.Restore(newFS(t), b, backup.Options{})
	assert.ErrorIs(t, err, backup.ErrNoStream)
}

func TestRestore_ToleratesExistingDirs(t *testing.T) {
	src := newFS(t)
	require.NoError(t, src.Mkdir("/a"))
	require.NoError(t, src.WriteFile("/a/f", []byte("one")))
	_, b := newScratch(t, 4096)
	_, err := backup.Backup(src, b, backup.Options{})
	require.NoError(t, err)

	dst := newFS(t)
	require.NoError(t, dst.Mkdir("/a"))
	require.NoError(t, dst.WriteFile("/a/f", []byte("stale content")))
	_, err = backup.Restore(dst, b, backup.Options{})
	require.NoError(t, err)
	_, err = backup.Restore(dst, b, backup.Options{})
	require.NoError(t, err)

	got, err := dst.ReadFile("/a/f")
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func backupOne(t *testing.T, name string, content []byte) (*flash.RAM, *backup.Backend, backup.Summary) {
	t.Helper()
	src := newFS(t)
	require.NoError(t, src.WriteFile(name, content))
	r, b := newScratch(t, 4096)
	sum, err := backup.Backup(src, b, backup.Options{})
	require.NoError(t, err)
	return r, b, sum
}

func TestRestore_CorruptHeader(t *testing.T) {
	r, b, _ := backupOne(t, "/f", []byte("hello"))
	r.Bytes()[12] ^= 0x01

	_, err := backup.Restore(newFS(t), b, backup.Options{})
	assert.ErrorIs(t, err, backup.ErrCorruptRecord)
}

func TestRestore_DigestMismatch(t *testing.T) {
	r, b, _ := backupOne(t, "/f", []byte("hello"))
	r.Bytes()[backup.HeaderSize] = 'j'

	_, err := backup.Restore(newFS(t), b, backup.Options{})
	assert.ErrorIs(t, err, backup.ErrDigestMismatch)
}

func TestRestore_MissingTerminator(t *testing.T) {
	r, b, sum := backupOne(t, "/f", []byte("hello"))
	end := sum.StreamSize - backup.HeaderSize
	raw := r.Bytes()
	for i := end; i < sum.StreamSize; i++ {
		raw[i] = flash.Erased
	}

	dst := newFS(t)
	_, err := backup.Restore(dst, b, backup.Options{})
	assert.ErrorIs(t, err, backup.ErrCorruptRecord)

	// Records before the damage were replayed.
	got, err := dst.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestRecordSize(t *testing.T) {
	assert.Equal(t, int64(320), backup.RecordSize(backup.KindDir, 0, rw))
	assert.Equal(t, int64(320+48+32), backup.RecordSize(backup.KindFile, 37, rw))
	assert.Equal(t, int64(324+48+36), backup.RecordSize(backup.KindFile, 37, 12))
}

func TestDigest_DetectsContentChange(t *testing.T) {
	a := newFS(t)
	require.NoError(t, a.WriteFile("/f", []byte("abc")))
	b := newFS(t)
	require.NoError(t, b.WriteFile("/f", []byte("abd")))

	da, err := backup.Digest(a)
	require.NoError(t, err)
	db, err := backup.Digest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
	assert.Len(t, da, 64)
}

func TestBackend(t *testing.T) {
	t.Run("pads writes to the access unit", func(t *testing.T) {
		r, b := newScratch(t, 1024)
		assert.Equal(t, rw, b.RWSize())

		n, err := b.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, int64(rw), b.Offset())
		assert.Equal(t, "hello"+strings.Repeat("\xff", rw-5), string(r.Bytes()[:rw]))

		b.Reset()
		got, err := b.Read(make([]byte, 5), 5)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
		assert.Equal(t, int64(rw), b.Offset())
	})

	t.Run("capacity exceeded leaves storage untouched", func(t *testing.T) {
		r, b := newScratch(t, 256)
		_, err := b.Write(make([]byte, 250))
		require.NoError(t, err)

		_, err = b.Write([]byte("x"))
		require.ErrorIs(t, err, backup.ErrCapacityExceeded)
		require.ErrorIs(t, err, backup.ErrBackendWrite)
		_, writes, _ := r.Counters()
		assert.Equal(t, int64(1), writes)

		_, err = b.Read(make([]byte, 1), 1)
		require.ErrorIs(t, err, backup.ErrCapacityExceeded)
		require.ErrorIs(t, err, backup.ErrBackendRead)
	})

	t.Run("short buffer", func(t *testing.T) {
		_, b := newScratch(t, 256)
		_, err := b.Read(make([]byte, 4), 5)
		assert.ErrorIs(t, err, backup.ErrBackendRead)
	})

	t.Run("erase rewinds and wipes", func(t *testing.T) {
		r, b := newScratch(t, 512)
		_, err := b.Write([]byte("secret"))
		require.NoError(t, err)

		capacity, err := b.Erase()
		require.NoError(t, err)
		assert.Equal(t, int64(512), capacity)
		assert.Zero(t, b.Offset())
		assert.True(t, allErased(r.Bytes()))
	})

	t.Run("region must be block aligned", func(t *testing.T) {
		r := flash.MustRAM(fsGeo)
		_, err := backup.NewBackend(r, 16, 256)
		assert.ErrorIs(t, err, backup.ErrRegion)
		_, err = backup.NewBackend(r, 0, fsGeo.Size()+256)
		assert.ErrorIs(t, err, backup.ErrRegion)
		_, err = backup.NewBackend(r, 0, 0)
		assert.ErrorIs(t, err, backup.ErrRegion)
	})
}
