package blockfs_test

import (
	"crypto/rand"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/flash/flashtest"
)

var (
	geo    = flash.Geometry{ReadSize: 4, WriteSize: 16, BlockSize: 256, BlockCount: 64}
	layout = blockfs.Layout{Name: "v1", BlockSize: 256, BlockCount: 64}
)

func newFormatted(t *testing.T) (*flash.RAM, *blockfs.FS) {
	t.Helper()
	r := flash.MustRAM(geo)
	require.NoError(t, blockfs.Format(r, layout))
	f, err := blockfs.Mount(r, layout)
	require.NoError(t, err)
	return r, f
}

func TestMount_Blank(t *testing.T) {
	_, err := blockfs.Mount(flash.MustRAM(geo), layout)
	assert.ErrorIs(t, err, blockfs.ErrNoFilesystem)
}

func TestFormatMount_Empty(t *testing.T) {
	_, f := newFormatted(t)
	entries, err := f.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMount_LayoutMismatch(t *testing.T) {
	r, f := newFormatted(t)
	require.NoError(t, f.WriteFile("/a", []byte("x")))
	require.NoError(t, f.Sync())

	other := blockfs.Layout{Name: "v2", BlockSize: 256, BlockCount: 32}
	_, err := blockfs.Mount(r, other)
	assert.ErrorIs(t, err, blockfs.ErrLayoutMismatch)
}

func TestLayout_Validate(t *testing.T) {
	r := flash.MustRAM(geo)
	assert.NoError(t, layout.Validate(r))
	assert.Error(t, blockfs.Layout{BlockSize: 128, BlockCount: 8}.Validate(r), "smaller than erase size")
	assert.Error(t, blockfs.Layout{BlockSize: 256, BlockCount: 128}.Validate(r), "larger than device")
	assert.Error(t, blockfs.Layout{BlockSize: 256, BlockCount: 3}.Validate(r), "too few blocks")
}

func TestTree_PersistsAcrossMount(t *testing.T) {
	r, f := newFormatted(t)

	require.NoError(t, f.Mkdir("/fido"))
	require.NoError(t, f.Mkdir("/fido/dat"))
	require.NoError(t, f.WriteFile("/fido/dat/rk.bin", []byte("resident credential")))
	require.NoError(t, f.Mkdir("/empty"))
	require.NoError(t, f.Unmount())

	f, err := blockfs.Mount(r, layout)
	require.NoError(t, err)

	entries, err := f.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/empty", entries[0].Path, "entries are ordered by name")
	assert.Equal(t, "/fido", entries[1].Path)

	data, err := f.ReadFile("/fido/dat/rk.bin")
	require.NoError(t, err)
	assert.Equal(t, "resident credential", string(data))

	st, err := f.Stat("/fido/dat/rk.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(19), st.Size)
}

func TestMkdir_Errors(t *testing.T) {
	_, f := newFormatted(t)

	require.NoError(t, f.Mkdir("/a"))
	assert.ErrorIs(t, f.Mkdir("/a"), fs.ErrExist)
	assert.ErrorIs(t, f.Mkdir("/missing/child"), fs.ErrNotExist)
	assert.ErrorIs(t, f.Mkdir("relative"), fs.ErrInvalid)

	require.NoError(t, f.WriteFile("/file", nil))
	assert.ErrorIs(t, f.Mkdir("/file/child"), blockfs.ErrNotDir)
}

func TestMkdir_Limits(t *testing.T) {
	_, f := newFormatted(t)

	dir := ""
	for range blockfs.MaxDepth {
		dir += "/d"
		require.NoError(t, f.Mkdir(dir))
	}
	assert.ErrorIs(t, f.Mkdir(dir+"/d"), blockfs.ErrTooDeep)

	long := "/" + strings.Repeat("n", blockfs.MaxPath)
	assert.ErrorIs(t, f.Mkdir(long), blockfs.ErrNameTooLong)
}

func TestCreate_Truncates(t *testing.T) {
	_, f := newFormatted(t)
	require.NoError(t, f.WriteFile("/pin", []byte("123456")))
	require.NoError(t, f.WriteFile("/pin", []byte("99")))

	data, err := f.ReadFile("/pin")
	require.NoError(t, err)
	assert.Equal(t, "99", string(data))

	require.NoError(t, f.Mkdir("/dir"))
	_, err = f.Create("/dir")
	assert.ErrorIs(t, err, blockfs.ErrIsDir)
}

func TestRemove(t *testing.T) {
	_, f := newFormatted(t)
	require.NoError(t, f.Mkdir("/d"))
	require.NoError(t, f.WriteFile("/d/f", []byte("x")))

	assert.ErrorIs(t, f.Remove("/d"), blockfs.ErrNotEmpty)
	require.NoError(t, f.Remove("/d/f"))
	require.NoError(t, f.Remove("/d"))
	assert.ErrorIs(t, f.Remove("/d"), fs.ErrNotExist)
	assert.ErrorIs(t, f.Remove("/"), fs.ErrInvalid)
}

func TestSync_NoSpace(t *testing.T) {
	_, f := newFormatted(t)

	// Incompressible content larger than a slot.
	big := make([]byte, layout.SlotCapacity()+1024)
	_, err := rand.Read(big)
	require.NoError(t, err)
	require.NoError(t, f.WriteFile("/big", big))
	assert.ErrorIs(t, f.Sync(), blockfs.ErrNoSpace)
}

func TestSync_TornCommitKeepsPreviousImage(t *testing.T) {
	r := flash.MustRAM(geo)
	require.NoError(t, blockfs.Format(r, layout))

	f, err := blockfs.Mount(r, layout)
	require.NoError(t, err)
	require.NoError(t, f.WriteFile("/key", []byte("v1")))
	require.NoError(t, f.Sync())

	// Fail the superblock write of the next commit (image write is first).
	faulty := flashtest.NewFaulty(r).FailAt(flashtest.OpWrite, 2)
	f, err = blockfs.Mount(faulty, layout)
	require.NoError(t, err)
	require.NoError(t, f.WriteFile("/key", []byte("v2")))
	require.ErrorIs(t, f.Sync(), flashtest.ErrInjected)

	f, err = blockfs.Mount(r, layout)
	require.NoError(t, err)
	data, err := f.ReadFile("/key")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestMount_FallsBackOnCorruptImage(t *testing.T) {
	r := flash.MustRAM(geo)
	require.NoError(t, blockfs.Format(r, layout))
	f, err := blockfs.Mount(r, layout)
	require.NoError(t, err)
	require.NoError(t, f.WriteFile("/a", []byte("first")))
	require.NoError(t, f.Sync()) // seq 2, slot 0
	require.NoError(t, f.WriteFile("/a", []byte("second")))
	require.NoError(t, f.Sync()) // seq 3, slot 1

	// Wipe slot 1's image behind the superblock's back.
	slot1 := int64(2+(layout.BlockCount-2)/2) * int64(layout.BlockSize)
	require.NoError(t, r.Erase(slot1, int64(layout.BlockSize)))

	f, err = blockfs.Mount(r, layout)
	require.NoError(t, err)
	data, err := f.ReadFile("/a")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestUnmount_InvalidatesHandle(t *testing.T) {
	_, f := newFormatted(t)
	require.NoError(t, f.Unmount())
	require.NoError(t, f.Unmount())
	_, err := f.ReadDir("/")
	assert.ErrorIs(t, err, blockfs.ErrUnmounted)
}

func TestUsage(t *testing.T) {
	_, f := newFormatted(t)
	used, capacity := f.Usage()
	assert.Positive(t, used)
	assert.Equal(t, layout.SlotCapacity(), capacity)
}
