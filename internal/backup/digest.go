package backup

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/fsmigrate/internal/fsys"
)

// treeHash accumulates a BLAKE3 digest over a depth-first walk. Each entry
// contributes its kind, path and length, and files their content after that.
// Two trees with the same entries in the same order hash identically.
type treeHash struct {
	h   *blake3.Hasher
	buf []byte
}

func newTreeHash() *treeHash {
	return &treeHash{h: blake3.New()}
}

func (t *treeHash) entry(kind Kind, path string, length int64) {
	t.buf = t.buf[:0]
	t.buf = append(t.buf, byte(kind))
	t.buf = binary.LittleEndian.AppendUint16(t.buf, uint16(len(path)))
	t.buf = append(t.buf, path...)
	t.buf = binary.LittleEndian.AppendUint64(t.buf, uint64(length))
	t.h.Write(t.buf)
}

// Write feeds file content.
func (t *treeHash) Write(p []byte) (int, error) {
	return t.h.Write(p)
}

func (t *treeHash) sum() string {
	return hex.EncodeToString(t.h.Sum(nil))
}

// Digest walks src depth-first in its enumeration order and returns a hex
// BLAKE3 digest of every directory, file and file content. A successful
// Backup and Restore report the digest of the tree they moved, so
// Digest(source) equals Digest(destination) after a faithful round-trip
// between filesystems with the same enumeration order.
func Digest(src fsys.Source) (string, error) {
	t := newTreeHash()
	if err := digestDir(src, "/", t); err != nil {
		return "", err
	}
	return t.sum(), nil
}

func digestDir(src fsys.Source, dir string, t *treeHash) error {
	entries, err := src.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: readdir %s: %w", ErrFilesystem, dir, err)
	}
	for _, e := range entries {
		if e.IsDir {
			t.entry(KindDir, e.Path, 0)
			if err := digestDir(src, e.Path, t); err != nil {
				return err
			}
			continue
		}

		t.entry(KindFile, e.Path, e.Size)
		r, err := src.Open(e.Path)
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", ErrFilesystem, e.Path, err)
		}
		_, err = io.Copy(t, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrFilesystem, e.Path, err)
		}
	}
	return nil
}
