package flash

import (
	"bytes"
	"fmt"
	"os"
)

var _ Storage = (*File)(nil)

// File is a flash image backed by a regular file, used by the host tooling
// to operate on dumps of a device's internal or external flash.
type File struct {
	f   *os.File
	geo Geometry
}

// OpenFile opens the image at path, creating it erased if it does not exist.
// An existing image must be exactly geo.Size() bytes long.
func OpenFile(path string, geo Geometry) (*File, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}

	switch info.Size() {
	case geo.Size():
	case 0:
		if err := fillErased(f, geo); err != nil {
			f.Close()
			return nil, fmt.Errorf("initialize image %s: %w", path, err)
		}
	default:
		f.Close()
		return nil, fmt.Errorf("image %s is %d bytes, geometry expects %d", path, info.Size(), geo.Size())
	}

	return &File{f: f, geo: geo}, nil
}

func fillErased(f *os.File, geo Geometry) error {
	preallocate(f, geo.Size())
	block := bytes.Repeat([]byte{Erased}, geo.BlockSize)
	for i := range geo.BlockCount {
		if _, err := f.WriteAt(block, int64(i)*int64(geo.BlockSize)); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (s *File) ReadSize() int  { return s.geo.ReadSize }
func (s *File) WriteSize() int { return s.geo.WriteSize }
func (s *File) BlockSize() int { return s.geo.BlockSize }
func (s *File) Size() int64    { return s.geo.Size() }

func (s *File) Read(off int64, p []byte) error {
	if err := CheckRead(s, off, len(p)); err != nil {
		return err
	}
	if _, err := s.f.ReadAt(p, off); err != nil {
		return fmt.Errorf("read image at %d: %w", off, err)
	}
	return nil
}

// Write programs p at off. Like NOR flash, programming can only clear bits.
func (s *File) Write(off int64, p []byte) error {
	if err := CheckWrite(s, off, len(p)); err != nil {
		return err
	}
	cur := make([]byte, len(p))
	if _, err := s.f.ReadAt(cur, off); err != nil {
		return fmt.Errorf("read image at %d: %w", off, err)
	}
	for i := range cur {
		if cur[i] != Erased && p[i] != Erased {
			return fmt.Errorf("%w: byte %d", ErrNotErased, off+int64(i))
		}
		cur[i] &= p[i]
	}
	if _, err := s.f.WriteAt(cur, off); err != nil {
		return fmt.Errorf("write image at %d: %w", off, err)
	}
	return nil
}

func (s *File) Erase(off, n int64) error {
	if err := CheckErase(s, off, n); err != nil {
		return err
	}
	block := bytes.Repeat([]byte{Erased}, s.geo.BlockSize)
	for pos := off; pos < off+n; pos += int64(len(block)) {
		if _, err := s.f.WriteAt(block, pos); err != nil {
			return fmt.Errorf("erase image at %d: %w", pos, err)
		}
	}
	return nil
}

// Sync flushes the image to disk.
func (s *File) Sync() error { return s.f.Sync() }

// Close syncs and closes the image.
func (s *File) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
