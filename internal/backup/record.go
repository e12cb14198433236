package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/tinylib/msgp/msgp"

	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/fsys"
)

// Record stream layout. Every record starts with a fixed-size header frame:
//
//	[2-byte body length (LE)][8-byte xxhash64 of body (LE)][body][0xFF padding]
//
// where body is the msgpack array [kind, path, length, seq]. File records
// are followed by length content bytes and a BLAKE3 digest of the content.
// The stream ends with an End record whose length is the number of records
// before it.
const (
	HeaderSize = 320
	DigestSize = 32

	// ChunkSize is the transfer size for file content. It is rounded up to
	// the backend's RWSize so that only the final chunk of a file is padded.
	ChunkSize = 512

	headerPrefix = 10
)

var (
	// ErrNoStream is returned when the scratch region holds no record stream.
	ErrNoStream = errors.New("no record stream in scratch region")

	// ErrCorruptRecord is returned for malformed or out-of-sequence records.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrDigestMismatch is returned when restored content does not match the
	// digest recorded at backup time.
	ErrDigestMismatch = errors.New("record content digest mismatch")
)

// Kind identifies a record.
type Kind uint8

const (
	KindDir Kind = iota + 1
	KindFile
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Header is the decoded header frame of a record.
type Header struct {
	Path   string
	Length int64
	Seq    uint32
	Kind   Kind
}

func (h Header) marshal(buf []byte) error {
	body := msgp.AppendArrayHeader(nil, 4)
	body = msgp.AppendUint8(body, uint8(h.Kind))
	body = msgp.AppendString(body, h.Path)
	body = msgp.AppendInt64(body, h.Length)
	body = msgp.AppendUint32(body, h.Seq)
	if headerPrefix+len(body) > HeaderSize {
		return fmt.Errorf("header for %s: %d bytes exceeds frame", h.Path, len(body))
	}

	for i := range buf {
		buf[i] = flash.Erased
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(body)))
	binary.LittleEndian.PutUint64(buf[2:10], xxhash.Sum64(body))
	copy(buf[headerPrefix:], body)
	return nil
}

func unmarshalHeader(buf []byte) (Header, error) {
	if isErased(buf) {
		return Header{}, ErrNoStream
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	if n == 0 || headerPrefix+n > HeaderSize {
		return Header{}, fmt.Errorf("%w: header body length %d", ErrCorruptRecord, n)
	}
	body := buf[headerPrefix : headerPrefix+n]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(buf[2:10]) {
		return Header{}, fmt.Errorf("%w: header checksum mismatch", ErrCorruptRecord)
	}

	h, err := decodeHeaderBody(body)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	switch h.Kind {
	case KindDir, KindFile:
		if clean, err := fsys.Clean(h.Path); err != nil || clean != h.Path || clean == "/" {
			return Header{}, fmt.Errorf("%w: bad path %q", ErrCorruptRecord, h.Path)
		}
		if h.Length < 0 || (h.Kind == KindDir && h.Length != 0) {
			return Header{}, fmt.Errorf("%w: bad length %d for %s", ErrCorruptRecord, h.Length, h.Kind)
		}
	case KindEnd:
	default:
		return Header{}, fmt.Errorf("%w: unknown kind %d", ErrCorruptRecord, h.Kind)
	}
	return h, nil
}

func decodeHeaderBody(b []byte) (Header, error) {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return Header{}, err
	}
	if sz != 4 {
		return Header{}, fmt.Errorf("header has %d fields, want 4", sz)
	}
	var h Header
	var kind uint8
	if kind, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return Header{}, err
	}
	h.Kind = Kind(kind)
	if h.Path, b, err = msgp.ReadStringBytes(b); err != nil {
		return Header{}, err
	}
	if h.Length, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return Header{}, err
	}
	if h.Seq, _, err = msgp.ReadUint32Bytes(b); err != nil {
		return Header{}, err
	}
	return h, nil
}

func isErased(b []byte) bool {
	return len(bytes.TrimLeft(b, "\xff")) == 0
}

// chunkSize is ChunkSize rounded up to rw.
func chunkSize(rw int) int {
	return int(flash.AlignUp(ChunkSize, rw))
}

// RecordSize returns the number of scratch bytes a record occupies for a
// backend with the given RWSize. length is the file content length and is
// ignored for other kinds.
func RecordSize(kind Kind, length int64, rw int) int64 {
	size := flash.AlignUp(HeaderSize, rw)
	if kind == KindFile {
		size += flash.AlignUp(length, rw) + flash.AlignUp(DigestSize, rw)
	}
	return size
}
