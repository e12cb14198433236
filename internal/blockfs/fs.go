// Package blockfs is a small copy-on-write filesystem for the token's
// internal and external flash. The directory tree is held in memory and
// committed as a single compressed image into one of two alternating data
// slots; the superblock that points at it is written last, so a power cut
// during Sync leaves the previous image mountable.
package blockfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/fsys"
)

var (
	// ErrNoFilesystem is returned by Mount when neither superblock is valid.
	ErrNoFilesystem = errors.New("no filesystem found")

	// ErrLayoutMismatch is returned by Mount when the device holds a valid
	// filesystem written with a different layout.
	ErrLayoutMismatch = errors.New("filesystem layout mismatch")

	// ErrCorrupt is returned when a committed image fails verification.
	ErrCorrupt = errors.New("filesystem image corrupt")

	// ErrNoSpace is returned by Sync when the tree no longer fits in a slot.
	ErrNoSpace = errors.New("no space left on filesystem")

	ErrTooDeep     = errors.New("directory nesting too deep")
	ErrNameTooLong = errors.New("path too long")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrIsDir       = errors.New("is a directory")
	ErrNotDir      = errors.New("not a directory")
	ErrUnmounted   = errors.New("filesystem unmounted")
)

var _ fsys.FS = (*FS)(nil)

// FS is a mounted filesystem. It is not safe for concurrent use.
type FS struct {
	st     flash.Storage
	layout Layout
	unit   int

	root  *node
	sb    superblock
	dirty bool
	gone  bool
}

// Format erases the layout's region of st and commits an empty filesystem.
func Format(st flash.Storage, layout Layout) error {
	if err := layout.Validate(st); err != nil {
		return err
	}
	if err := st.Erase(0, layout.Size()); err != nil {
		return fmt.Errorf("erase %s: %w", layout, err)
	}
	// seq 0 is never written; the first commit lands in slot 1.
	f := &FS{
		st:     st,
		layout: layout,
		unit:   flash.AccessUnit(st),
		root:   newDir(""),
		sb:     superblock{version: formatVersion, blockSize: layout.BlockSize, blockCount: layout.BlockCount},
		dirty:  true,
	}
	return f.Sync()
}

// Mount loads the most recent committed image from st.
func Mount(st flash.Storage, layout Layout) (*FS, error) {
	if err := layout.Validate(st); err != nil {
		return nil, err
	}
	f := &FS{st: st, layout: layout, unit: flash.AccessUnit(st)}

	var candidates []superblock
	mismatch := false
	for slot := range uint32(2) {
		sb, ok, err := f.readSuperblock(slot)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if !sb.matches(layout) {
			mismatch = true
			continue
		}
		candidates = append(candidates, sb)
	}
	if len(candidates) == 0 {
		if mismatch {
			return nil, fmt.Errorf("mount %s: %w", layout, ErrLayoutMismatch)
		}
		return nil, fmt.Errorf("mount %s: %w", layout, ErrNoFilesystem)
	}
	if len(candidates) == 2 && candidates[1].seq > candidates[0].seq {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}

	var lastErr error
	for _, sb := range candidates {
		root, err := f.loadImage(sb)
		if err != nil {
			lastErr = err
			continue
		}
		f.root = root
		f.sb = sb
		return f, nil
	}
	return nil, fmt.Errorf("mount %s: %w", layout, lastErr)
}

func (f *FS) readSuperblock(slot uint32) (superblock, bool, error) {
	buf := make([]byte, flash.AlignUp(superblockSize, f.unit))
	if err := f.st.Read(f.layout.superblockOffset(slot), buf); err != nil {
		return superblock{}, false, fmt.Errorf("read superblock %d: %w", slot, err)
	}
	sb, ok := unmarshalSuperblock(buf)
	return sb, ok, nil
}

func (f *FS) loadImage(sb superblock) (*node, error) {
	if int64(sb.payloadLen) > f.layout.SlotCapacity() {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds slot", ErrCorrupt, sb.payloadLen)
	}
	buf := make([]byte, flash.AlignUp(int64(sb.payloadLen), f.unit))
	if err := f.st.Read(f.layout.slotOffset(sb.slot()), buf); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	payload := buf[:sb.payloadLen]
	if xxhash.Sum64(payload) != sb.payloadSum {
		return nil, fmt.Errorf("%w: checksum mismatch in slot %d", ErrCorrupt, sb.slot())
	}
	return decodeTree(payload)
}

// Layout returns the layout the filesystem was mounted with.
func (f *FS) Layout() Layout { return f.layout }

// Sync commits the tree if it changed since the last commit.
func (f *FS) Sync() error {
	if f.gone {
		return ErrUnmounted
	}
	if !f.dirty {
		return nil
	}

	payload, err := encodeTree(f.root)
	if err != nil {
		return err
	}
	if int64(len(payload)) > f.layout.SlotCapacity() {
		return fmt.Errorf("%w: image is %d bytes, slot holds %d", ErrNoSpace, len(payload), f.layout.SlotCapacity())
	}

	next := f.sb
	next.seq++
	next.payloadLen = uint32(len(payload))
	next.payloadSum = xxhash.Sum64(payload)

	bs := int64(f.layout.BlockSize)
	if err := f.st.Erase(f.layout.superblockOffset(next.slot()), bs); err != nil {
		return fmt.Errorf("erase superblock: %w", err)
	}
	padded := flash.AlignUp(int64(len(payload)), f.unit)
	if err := f.st.Erase(f.layout.slotOffset(next.slot()), flash.AlignUp(padded, int(bs))); err != nil {
		return fmt.Errorf("erase slot %d: %w", next.slot(), err)
	}
	buf := make([]byte, padded)
	copy(buf, payload)
	for i := len(payload); i < len(buf); i++ {
		buf[i] = flash.Erased
	}
	if err := f.st.Write(f.layout.slotOffset(next.slot()), buf); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	if err := f.st.Write(f.layout.superblockOffset(next.slot()), next.marshal(f.unit)); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}

	f.sb = next
	f.dirty = false
	return nil
}

// Unmount commits pending changes and invalidates the handle.
func (f *FS) Unmount() error {
	if f.gone {
		return nil
	}
	err := f.Sync()
	f.gone = true
	return err
}

// Usage reports the size of the last committed image and the slot capacity.
func (f *FS) Usage() (used, capacity int64) {
	return int64(f.sb.payloadLen), f.layout.SlotCapacity()
}

// lookup resolves name to a node.
func (f *FS) lookup(op, name string) (*node, string, error) {
	if f.gone {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: ErrUnmounted}
	}
	clean, err := fsys.Clean(name)
	if err != nil {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	n := f.root
	if clean == "/" {
		return n, clean, nil
	}
	for _, elem := range strings.Split(clean[1:], "/") {
		if !n.dir {
			return nil, clean, &fs.PathError{Op: op, Path: clean, Err: ErrNotDir}
		}
		child, ok := n.children[elem]
		if !ok {
			return nil, clean, &fs.PathError{Op: op, Path: clean, Err: fs.ErrNotExist}
		}
		n = child
	}
	return n, clean, nil
}

// parentFor resolves the directory that will hold a new entry at name.
func (f *FS) parentFor(op, name string) (*node, string, string, error) {
	if f.gone {
		return nil, "", "", &fs.PathError{Op: op, Path: name, Err: ErrUnmounted}
	}
	clean, err := fsys.Clean(name)
	if err != nil || clean == "/" {
		return nil, "", "", &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	switch {
	case len(clean) > MaxPath:
		return nil, "", "", &fs.PathError{Op: op, Path: clean, Err: ErrNameTooLong}
	case fsys.Depth(clean) > MaxDepth:
		return nil, "", "", &fs.PathError{Op: op, Path: clean, Err: ErrTooDeep}
	}
	dir, base := fsys.Split(clean)
	parent, _, err := f.lookup(op, dir)
	if err != nil {
		return nil, "", "", err
	}
	if !parent.dir {
		return nil, "", "", &fs.PathError{Op: op, Path: clean, Err: ErrNotDir}
	}
	return parent, base, clean, nil
}

func (f *FS) Mkdir(name string) error {
	parent, base, clean, err := f.parentFor("mkdir", name)
	if err != nil {
		return err
	}
	if _, ok := parent.children[base]; ok {
		return &fs.PathError{Op: "mkdir", Path: clean, Err: fs.ErrExist}
	}
	parent.children[base] = newDir(base)
	f.dirty = true
	return nil
}

//nolint:ireturn // implements fsys.Sink
func (f *FS) Create(name string) (io.WriteCloser, error) {
	parent, base, clean, err := f.parentFor("create", name)
	if err != nil {
		return nil, err
	}
	if existing, ok := parent.children[base]; ok && existing.dir {
		return nil, &fs.PathError{Op: "create", Path: clean, Err: ErrIsDir}
	}
	n := &node{name: base}
	parent.children[base] = n
	f.dirty = true
	return &fileWriter{fs: f, node: n}, nil
}

//nolint:ireturn // implements fsys.Source
func (f *FS) Open(name string) (io.ReadCloser, error) {
	n, clean, err := f.lookup("open", name)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return nil, &fs.PathError{Op: "open", Path: clean, Err: ErrIsDir}
	}
	return io.NopCloser(bytes.NewReader(n.data)), nil
}

func (f *FS) ReadDir(name string) ([]fsys.Entry, error) {
	n, clean, err := f.lookup("readdir", name)
	if err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, &fs.PathError{Op: "readdir", Path: clean, Err: ErrNotDir}
	}
	children := n.sortedChildren()
	entries := make([]fsys.Entry, 0, len(children))
	for _, c := range children {
		entries = append(entries, entryOf(fsys.Join(clean, c.name), c))
	}
	return entries, nil
}

func (f *FS) Stat(name string) (fsys.Entry, error) {
	n, clean, err := f.lookup("stat", name)
	if err != nil {
		return fsys.Entry{}, err
	}
	return entryOf(clean, n), nil
}

func (f *FS) Remove(name string) error {
	n, clean, err := f.lookup("remove", name)
	if err != nil {
		return err
	}
	if clean == "/" {
		return &fs.PathError{Op: "remove", Path: clean, Err: fs.ErrInvalid}
	}
	if n.dir && len(n.children) > 0 {
		return &fs.PathError{Op: "remove", Path: clean, Err: ErrNotEmpty}
	}
	dir, base := fsys.Split(clean)
	parent, _, _ := f.lookup("remove", dir)
	delete(parent.children, base)
	f.dirty = true
	return nil
}

// ReadFile returns the content of the file at name.
func (f *FS) ReadFile(name string) ([]byte, error) {
	return fsys.ReadFile(f, name)
}

// WriteFile creates or truncates name with data.
func (f *FS) WriteFile(name string, data []byte) error {
	return fsys.WriteFile(f, name, data)
}

func entryOf(p string, n *node) fsys.Entry {
	e := fsys.Entry{Name: n.name, Path: p, IsDir: n.dir}
	if !n.dir {
		e.Size = int64(len(n.data))
	}
	if p == "/" {
		e.Name = "/"
	}
	return e
}

// fileWriter accumulates writes and publishes them to the node on Close.
type fileWriter struct {
	fs     *FS
	node   *node
	buf    bytes.Buffer
	closed bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fs.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *fileWriter) Close() error {
	if w.closed {
		return fs.ErrClosed
	}
	w.closed = true
	w.node.data = bytes.Clone(w.buf.Bytes())
	w.fs.dirty = true
	return nil
}
