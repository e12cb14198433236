// Package fsys defines the filesystem boundary the migration engine works
// against: a walkable source, a writable sink, and the small set of
// mutations migration steps need.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

// Entry describes a single filesystem entry.
type Entry struct {
	Name  string
	Path  string // absolute, slash separated
	Size  int64
	IsDir bool
}

// Source is a mounted filesystem that can be walked and read.
type Source interface {
	// ReadDir lists the immediate children of dir in the filesystem's
	// native enumeration order.
	ReadDir(dir string) ([]Entry, error)

	// Open opens a file for reading.
	Open(name string) (io.ReadCloser, error)
}

// Sink is a mounted filesystem that directories and files can be created on.
type Sink interface {
	// Mkdir creates a single directory. The parent must exist. An existing
	// entry yields an error matching fs.ErrExist.
	Mkdir(dir string) error

	// Create creates or truncates a file. The caller must close it.
	Create(name string) (io.WriteCloser, error)
}

// FS is a read-write filesystem.
type FS interface {
	Source
	Sink

	// Stat returns the entry at name, or an error matching fs.ErrNotExist.
	Stat(name string) (Entry, error)

	// Remove deletes a file or an empty directory.
	Remove(name string) error

	// Sync makes all prior mutations durable.
	Sync() error
}

// Clean validates name as an absolute slash-separated path and returns its
// canonical form.
func Clean(name string) (string, error) {
	if !strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: path %q is not absolute", fs.ErrInvalid, name)
	}
	return path.Clean(name), nil
}

// Join joins a directory and an entry name.
func Join(dir, name string) string {
	return path.Join(dir, name)
}

// Split returns the parent directory and the final element of name.
func Split(name string) (dir, base string) {
	return path.Dir(name), path.Base(name)
}

// Depth returns how many elements name has below the root.
func Depth(name string) int {
	name = strings.Trim(path.Clean(name), "/")
	if name == "" {
		return 0
	}
	return strings.Count(name, "/") + 1
}

// RemoveIfExists deletes name, treating a missing entry as success.
func RemoveIfExists(fsys FS, name string) (bool, error) {
	err := fsys.Remove(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("remove %s: %w", name, err)
	}
}

// RemoveAllIfExists deletes name and everything below it, treating a missing
// entry as success. It returns the number of entries removed.
func RemoveAllIfExists(fsys FS, name string) (int, error) {
	entry, err := fsys.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("stat %s: %w", name, err)
	}

	removed := 0
	if entry.IsDir {
		children, err := fsys.ReadDir(name)
		if err != nil {
			return 0, fmt.Errorf("readdir %s: %w", name, err)
		}
		for _, child := range children {
			n, err := RemoveAllIfExists(fsys, child.Path)
			removed += n
			if err != nil {
				return removed, err
			}
		}
	}

	ok, err := RemoveIfExists(fsys, name)
	if ok {
		removed++
	}
	return removed, err
}

// ReadFile reads the whole file at name.
func ReadFile(src Source, name string) ([]byte, error) {
	f, err := src.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile creates or truncates name with data.
func WriteFile(dst Sink, name string, data []byte) error {
	f, err := dst.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

// MkdirAll creates dir and any missing parents.
func MkdirAll(dst Sink, dir string) error {
	dir = path.Clean(dir)
	if dir == "/" {
		return nil
	}
	if err := MkdirAll(dst, path.Dir(dir)); err != nil {
		return err
	}
	if err := dst.Mkdir(dir); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}

// Copy recreates every directory and file of src on dst. Directories that
// already exist on dst are kept and files are overwritten. It returns the
// number of files and bytes copied.
func Copy(dst Sink, src Source) (files int, n int64, err error) {
	return copyDir(dst, src, "/")
}

func copyDir(dst Sink, src Source, dir string) (files int, n int64, err error) {
	entries, err := src.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("readdir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir {
			if err := dst.Mkdir(e.Path); err != nil && !errors.Is(err, fs.ErrExist) {
				return files, n, fmt.Errorf("mkdir %s: %w", e.Path, err)
			}
			f, m, err := copyDir(dst, src, e.Path)
			files += f
			n += m
			if err != nil {
				return files, n, err
			}
			continue
		}

		m, err := copyFile(dst, src, e.Path)
		if err != nil {
			return files, n, err
		}
		files++
		n += m
	}
	return files, n, nil
}

func copyFile(dst Sink, src Source, name string) (int64, error) {
	r, err := src.Open(name)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dst.Create(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("copy %s: %w", name, err)
	}
	return n, w.Close()
}
