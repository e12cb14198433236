package fsys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var _ FS = (*Local)(nil)

// Local exposes a host directory as an FS. The host tooling uses it to load
// a provisioning tree into a flash image and to dump an image for review.
// Only directories and regular files are visible.
type Local struct {
	root string
}

// NewLocal returns an FS rooted at root.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

// Root returns the host directory backing the FS.
func (l *Local) Root() string { return l.root }

func (l *Local) abs(name string) (string, error) {
	clean, err := Clean(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) ReadDir(dir string) ([]Entry, error) {
	absPath, err := l.abs(dir)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(absPath)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", absPath, err)
	}

	clean, _ := Clean(dir)
	result := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			continue
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			continue
		}
		entry := Entry{
			Name:  d.Name(),
			Path:  Join(clean, d.Name()),
			IsDir: info.IsDir(),
		}
		if !entry.IsDir {
			entry.Size = info.Size()
		}
		result = append(result, entry)
	}
	return result, nil
}

//nolint:ireturn // implements Source
func (l *Local) Open(name string) (io.ReadCloser, error) {
	absPath, err := l.abs(name)
	if err != nil {
		return nil, err
	}
	return os.Open(absPath)
}

func (l *Local) Stat(name string) (Entry, error) {
	absPath, err := l.abs(name)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Lstat(absPath)
	if err != nil {
		return Entry{}, err
	}
	clean, _ := Clean(name)
	entry := Entry{Name: info.Name(), Path: clean, IsDir: info.IsDir()}
	if !entry.IsDir {
		entry.Size = info.Size()
	}
	return entry, nil
}

func (l *Local) Mkdir(dir string) error {
	absPath, err := l.abs(dir)
	if err != nil {
		return err
	}
	return os.Mkdir(absPath, 0o700)
}

// Create writes to a temp file next to name and renames it into place on
// Close, so a reader never observes a partially written file.
//
//nolint:ireturn // implements Sink
func (l *Local) Create(name string) (io.WriteCloser, error) {
	absPath, err := l.abs(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	tmpName := fmt.Sprintf(".%s.%s.fsmigrate-tmp", base, uuid.New().String()[:8])
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp %s: %w", tmpPath, err)
	}
	return &localWriteFile{File: f, target: absPath}, nil
}

func (l *Local) Remove(name string) error {
	absPath, err := l.abs(name)
	if err != nil {
		return err
	}
	return os.Remove(absPath)
}

func (*Local) Sync() error { return nil }

type localWriteFile struct {
	*os.File
	target string
}

func (f *localWriteFile) Close() error {
	tmpPath := f.Name()
	if err := f.File.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, f.target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into %s: %w", f.target, err)
	}
	return nil
}
