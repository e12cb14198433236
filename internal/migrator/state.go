package migrator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"

	"github.com/bamsammich/fsmigrate/internal/fsys"
)

// DefaultStatePath is where FileState keeps its marker when Path is empty.
const DefaultStatePath = "/.migration/version"

// ErrCorruptState is returned when a stored version marker cannot be decoded.
var ErrCorruptState = errors.New("corrupt migration state")

// State persists the version of the last applied step.
type State interface {
	Load() (uint32, error)
	Store(version uint32) error
}

// FileState keeps the marker as a 4-byte little-endian file on a mounted
// filesystem, usually the internal one next to the data it describes.
type FileState struct {
	FS   fsys.FS
	Path string
}

func (s FileState) path() string {
	if s.Path == "" {
		return DefaultStatePath
	}
	return s.Path
}

// Load returns the stored version. A missing marker reads as 0.
func (s FileState) Load() (uint32, error) {
	data, err := fsys.ReadFile(s.FS, s.path())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", s.path(), err)
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: %s is %d bytes", ErrCorruptState, s.path(), len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Store writes version and syncs the filesystem.
func (s FileState) Store(version uint32) error {
	dir, _ := fsys.Split(s.path())
	if err := fsys.MkdirAll(s.FS, dir); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := fsys.WriteFile(s.FS, s.path(), binary.LittleEndian.AppendUint32(nil, version)); err != nil {
		return err
	}
	return s.FS.Sync()
}
