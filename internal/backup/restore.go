package backup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/fsmigrate/internal/event"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/fsys"
)

// Restore rewinds b and replays the record stream on it into dst. Directories
// that already exist are accepted. Restore stops at the End record or at the
// first error; dst may be partially populated when it fails.
func Restore(dst fsys.Sink, b *Backend, opts Options) (Summary, error) {
	log := opts.logger()
	b.Reset()
	r := &streamReader{
		b:      b,
		hdr:    make([]byte, flash.AlignUp(HeaderSize, b.RWSize())),
		chunk:  make([]byte, chunkSize(b.RWSize())),
		digest: make([]byte, flash.AlignUp(DigestSize, b.RWSize())),
		tree:   newTreeHash(),
	}
	event.Emit(opts.Events, event.Event{Type: event.RestoreStarted})

	var sum Summary
	for {
		h, err := r.next()
		if err != nil {
			return sum, err
		}

		switch h.Kind {
		case KindEnd:
			if h.Length != int64(h.Seq) {
				return sum, fmt.Errorf("%w: terminator counts %d records, read %d",
					ErrCorruptRecord, h.Length, h.Seq)
			}
			sum.Records = h.Seq
			sum.StreamSize = b.Offset()
			sum.Digest = r.tree.sum()
			event.Emit(opts.Events, event.Event{Type: event.RestoreComplete, Size: sum.Bytes, Total: int64(sum.Records)})
			log.Info("restore complete",
				"dirs", sum.Dirs, "files", sum.Files, "bytes", sum.Bytes, "stream_size", sum.StreamSize)
			return sum, nil

		case KindDir:
			if err := dst.Mkdir(h.Path); err != nil && !errors.Is(err, fs.ErrExist) {
				return sum, fmt.Errorf("%w: mkdir %s: %w", ErrFilesystem, h.Path, err)
			}
			r.tree.entry(KindDir, h.Path, 0)
			sum.Dirs++
			opts.Stats.AddDirsRestored(1)
			event.Emit(opts.Events, event.Event{Type: event.DirRestored, Path: h.Path})
			log.Debug("restored dir", "path", h.Path)

		case KindFile:
			if err := r.restoreFile(dst, h); err != nil {
				return sum, err
			}
			sum.Files++
			sum.Bytes += h.Length
			opts.Stats.AddFilesRestored(1)
			opts.Stats.AddBytesRestored(h.Length)
			event.Emit(opts.Events, event.Event{Type: event.FileRestored, Path: h.Path, Size: h.Length})
			log.Debug("restored file", "path", h.Path, "size", h.Length)
		}
	}
}

type streamReader struct {
	b      *Backend
	hdr    []byte
	chunk  []byte
	digest []byte
	tree   *treeHash
	seq    uint32
}

// next reads and validates the next header frame.
func (r *streamReader) next() (Header, error) {
	at := r.b.Offset()
	buf, err := r.b.Read(r.hdr, HeaderSize)
	if err != nil {
		return Header{}, fmt.Errorf("record %d header: %w", r.seq, err)
	}
	h, err := unmarshalHeader(buf)
	if errors.Is(err, ErrNoStream) && r.seq > 0 {
		return Header{}, fmt.Errorf("%w: stream ends at offset %d without terminator", ErrCorruptRecord, at)
	}
	if err != nil {
		return Header{}, fmt.Errorf("record %d at offset %d: %w", r.seq, at, err)
	}
	if h.Seq != r.seq {
		return Header{}, fmt.Errorf("%w: record at offset %d has sequence %d, want %d",
			ErrCorruptRecord, at, h.Seq, r.seq)
	}
	r.seq++
	return h, nil
}

func (r *streamReader) restoreFile(dst fsys.Sink, h Header) error {
	w, err := dst.Create(h.Path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrFilesystem, h.Path, err)
	}
	if err := r.copyContent(w, h); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrFilesystem, h.Path, err)
	}
	return nil
}

func (r *streamReader) copyContent(w io.Writer, h Header) error {
	r.tree.entry(KindFile, h.Path, h.Length)
	hash := blake3.New()
	remaining := h.Length
	for remaining > 0 {
		n := int(min(int64(len(r.chunk)), remaining))
		buf, err := r.b.Read(r.chunk, n)
		if err != nil {
			return fmt.Errorf("content of %s: %w", h.Path, err)
		}
		hash.Write(buf)
		r.tree.Write(buf)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrFilesystem, h.Path, err)
		}
		remaining -= int64(n)
	}

	want, err := r.b.Read(r.digest, DigestSize)
	if err != nil {
		return fmt.Errorf("digest of %s: %w", h.Path, err)
	}
	if !bytes.Equal(hash.Sum(nil), want) {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, h.Path)
	}
	return nil
}
