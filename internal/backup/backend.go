package backup

import (
	"errors"
	"fmt"

	"github.com/bamsammich/fsmigrate/internal/flash"
)

var (
	ErrBackendWrite = errors.New("scratch backend write failed")
	ErrBackendRead  = errors.New("scratch backend read failed")
	ErrBackendErase = errors.New("scratch backend erase failed")

	// ErrCapacityExceeded is joined with ErrBackendWrite or ErrBackendRead
	// when an access would run past the end of the scratch region.
	ErrCapacityExceeded = errors.New("scratch region capacity exceeded")

	// ErrRegion is returned for scratch regions that are misaligned or do not
	// fit on the device.
	ErrRegion = errors.New("invalid scratch region")
)

// Backend is a byte-addressable cursor over a reserved region of auxiliary
// flash. Every access is padded to RWSize so the cursor always sits on an
// aligned offset. A Backend is owned by one backup or restore at a time.
type Backend struct {
	st      flash.Storage
	initial int64
	offset  int64
	length  int64
	rw      int
}

// NewBackend reserves [offset, offset+length) of st. The region must be
// aligned to the device's erase blocks.
func NewBackend(st flash.Storage, offset, length int64) (*Backend, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: empty region", ErrRegion)
	}
	if err := flash.CheckErase(st, offset, length); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegion, err)
	}
	return &Backend{
		st:      st,
		initial: offset,
		offset:  offset,
		length:  length,
		rw:      flash.AccessUnit(st),
	}, nil
}

// RWSize is the alignment every access is padded to.
func (b *Backend) RWSize() int { return b.rw }

// Capacity is the size of the scratch region in bytes.
func (b *Backend) Capacity() int64 { return b.length }

// Offset is the cursor position relative to the start of the region.
func (b *Backend) Offset() int64 { return b.offset - b.initial }

// Remaining is the number of bytes left before the end of the region.
func (b *Backend) Remaining() int64 { return b.initial + b.length - b.offset }

// Write pads p to RWSize and programs it at the cursor. It returns len(p),
// not the padded length.
func (b *Backend) Write(p []byte) (int, error) {
	padded := flash.AlignUp(int64(len(p)), b.rw)
	if padded > b.Remaining() {
		return 0, fmt.Errorf("%w: %w: %d bytes at offset %d, %d remaining",
			ErrBackendWrite, ErrCapacityExceeded, padded, b.Offset(), b.Remaining())
	}

	buf := p
	if int64(len(p)) != padded {
		buf = make([]byte, padded)
		copy(buf, p)
		for i := len(p); i < len(buf); i++ {
			buf[i] = flash.Erased
		}
	}
	if err := b.st.Write(b.offset, buf); err != nil {
		return 0, fmt.Errorf("%w: at offset %d: %w", ErrBackendWrite, b.Offset(), err)
	}
	b.offset += padded
	return len(p), nil
}

// Read reads n bytes at the cursor into buf and returns buf[:n]. The cursor
// advances by n rounded up to RWSize. buf must hold at least n bytes.
func (b *Backend) Read(buf []byte, n int) ([]byte, error) {
	if n < 0 || n > len(buf) {
		return nil, fmt.Errorf("%w: %d bytes requested into a %d byte buffer", ErrBackendRead, n, len(buf))
	}
	padded := flash.AlignUp(int64(n), b.rw)
	if padded > b.Remaining() {
		return nil, fmt.Errorf("%w: %w: %d bytes at offset %d, %d remaining",
			ErrBackendRead, ErrCapacityExceeded, padded, b.Offset(), b.Remaining())
	}

	if int64(len(buf)) >= padded {
		if err := b.st.Read(b.offset, buf[:padded]); err != nil {
			return nil, fmt.Errorf("%w: at offset %d: %w", ErrBackendRead, b.Offset(), err)
		}
	} else {
		tmp := make([]byte, padded)
		if err := b.st.Read(b.offset, tmp); err != nil {
			return nil, fmt.Errorf("%w: at offset %d: %w", ErrBackendRead, b.Offset(), err)
		}
		copy(buf, tmp[:n])
	}
	b.offset += padded
	return buf[:n], nil
}

// Erase wipes the whole region and rewinds the cursor. It returns the
// region's capacity.
func (b *Backend) Erase() (int64, error) {
	if err := b.st.Erase(b.initial, b.length); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBackendErase, err)
	}
	b.offset = b.initial
	return b.length, nil
}

// Reset rewinds the cursor without touching the region's content.
func (b *Backend) Reset() {
	b.offset = b.initial
}
