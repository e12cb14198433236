// Package backup streams a mounted filesystem tree into a scratch region of
// auxiliary flash and replays it onto another filesystem.
package backup

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/event"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/fsys"
	"github.com/bamsammich/fsmigrate/internal/stats"
)

var (
	// ErrFilesystem wraps failures reported by the source or destination
	// filesystem.
	ErrFilesystem = errors.New("filesystem operation failed")

	// ErrTooDeep is returned when the source tree nests deeper than allowed.
	ErrTooDeep = errors.New("source tree too deep")

	// ErrSourceChanged is returned when a file's content length differs from
	// the size its directory listing reported.
	ErrSourceChanged = errors.New("source file changed during backup")
)

// Options controls a backup or restore pass. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	Stats  *stats.Collector
	Events chan<- event.Event

	// MaxDepth bounds directory nesting, and with it the traversal stack.
	// Zero means blockfs.MaxDepth.
	MaxDepth int
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return blockfs.MaxDepth
	}
	return o.MaxDepth
}

// Summary describes a completed backup or restore pass.
type Summary struct {
	Dirs       int
	Files      int
	Bytes      int64
	Records    uint32
	StreamSize int64
	Digest     string // see Digest
}

// frame is one level of the traversal stack: the listing of a directory and
// the index of the next sibling to visit.
type frame struct {
	entries []fsys.Entry
	next    int
}

// Backup writes every directory and file of src into b as a record stream.
// Directories are recorded before their descendants; the root itself is
// implicit. Backup stops at the first error and leaves src untouched.
func Backup(src fsys.Source, b *Backend, opts Options) (Summary, error) {
	log := opts.logger()
	w := &streamWriter{
		b:     b,
		hdr:   make([]byte, flash.AlignUp(HeaderSize, b.RWSize())),
		chunk: make([]byte, chunkSize(b.RWSize())),
		tree:  newTreeHash(),
	}
	start := b.Offset()
	event.Emit(opts.Events, event.Event{Type: event.BackupStarted})

	rootEntries, err := src.ReadDir("/")
	if err != nil {
		return Summary{}, fmt.Errorf("%w: readdir /: %w", ErrFilesystem, err)
	}

	var sum Summary
	stack := newWalkStack(opts)
	stack = append(stack, frame{entries: rootEntries})
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(top.entries) {
			stack = stack[:len(stack)-1]
			continue
		}
		entry := top.entries[top.next]
		top.next++

		if !entry.IsDir {
			n, err := w.writeFile(src, entry)
			if err != nil {
				return sum, err
			}
			sum.Files++
			sum.Bytes += n
			opts.Stats.AddFilesRecorded(1)
			opts.Stats.AddBytesRecorded(n)
			event.Emit(opts.Events, event.Event{Type: event.FileRecorded, Path: entry.Path, Size: n})
			log.Debug("recorded file", "path", entry.Path, "size", n)
			continue
		}

		if len(stack) > opts.maxDepth() {
			return sum, fmt.Errorf("%w: %s exceeds depth %d", ErrTooDeep, entry.Path, opts.maxDepth())
		}
		if err := w.writeHeader(Header{Kind: KindDir, Path: entry.Path}); err != nil {
			return sum, err
		}
		children, err := src.ReadDir(entry.Path)
		if err != nil {
			return sum, fmt.Errorf("%w: readdir %s: %w", ErrFilesystem, entry.Path, err)
		}
		stack = append(stack, frame{entries: children})

		sum.Dirs++
		opts.Stats.AddDirsRecorded(1)
		event.Emit(opts.Events, event.Event{Type: event.DirRecorded, Path: entry.Path})
		log.Debug("recorded dir", "path", entry.Path)
	}

	if err := w.writeHeader(Header{Kind: KindEnd, Length: int64(w.seq)}); err != nil {
		return sum, err
	}
	sum.Records = w.seq - 1
	sum.StreamSize = b.Offset() - start
	sum.Digest = w.tree.sum()

	event.Emit(opts.Events, event.Event{Type: event.BackupComplete, Size: sum.Bytes, Total: int64(sum.Records)})
	log.Info("backup complete",
		"dirs", sum.Dirs, "files", sum.Files, "bytes", sum.Bytes, "stream_size", sum.StreamSize)
	return sum, nil
}

type streamWriter struct {
	b     *Backend
	hdr   []byte
	chunk []byte
	tree  *treeHash
	seq   uint32
}

// newWalkStack returns a stack with room for the root frame and one frame
// per directory level down to the maximum depth.
func newWalkStack(opts Options) []frame {
	return make([]frame, 0, opts.maxDepth()+1)
}

func (w *streamWriter) writeHeader(h Header) error {
	h.Seq = w.seq
	if err := h.marshal(w.hdr); err != nil {
		return err
	}
	if _, err := w.b.Write(w.hdr[:HeaderSize]); err != nil {
		return fmt.Errorf("%s record %s: %w", h.Kind, h.Path, err)
	}
	if h.Kind != KindEnd {
		w.tree.entry(h.Kind, h.Path, h.Length)
	}
	w.seq++
	return nil
}

// writeFile records entry as a header, its content in chunks, and a digest
// trailer. It returns the content length.
func (w *streamWriter) writeFile(src fsys.Source, entry fsys.Entry) (int64, error) {
	r, err := src.Open(entry.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrFilesystem, entry.Path, err)
	}
	defer r.Close()

	if err := w.writeHeader(Header{Kind: KindFile, Path: entry.Path, Length: entry.Size}); err != nil {
		return 0, err
	}

	h := blake3.New()
	remaining := entry.Size
	for remaining > 0 {
		buf := w.chunk[:min(int64(len(w.chunk)), remaining)]
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: %s shorter than %d bytes", ErrSourceChanged, entry.Path, entry.Size)
			}
			return 0, fmt.Errorf("%w: read %s: %w", ErrFilesystem, entry.Path, err)
		}
		h.Write(buf)
		w.tree.Write(buf)
		if _, err := w.b.Write(buf); err != nil {
			return 0, fmt.Errorf("content of %s: %w", entry.Path, err)
		}
		remaining -= int64(len(buf))
	}

	var probe [1]byte
	if n, _ := r.Read(probe[:]); n != 0 {
		return 0, fmt.Errorf("%w: %s longer than %d bytes", ErrSourceChanged, entry.Path, entry.Size)
	}

	if _, err := w.b.Write(h.Sum(nil)); err != nil {
		return 0, fmt.Errorf("digest of %s: %w", entry.Path, err)
	}
	return entry.Size, nil
}
