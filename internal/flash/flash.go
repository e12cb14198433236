package flash

import (
	"errors"
	"fmt"
)

// Erased is the value of every byte in a freshly erased block.
const Erased byte = 0xFF

var (
	// ErrUnaligned is returned when an offset or length does not respect the
	// device's read, write or erase granularity.
	ErrUnaligned = errors.New("unaligned flash access")

	// ErrOutOfBounds is returned for accesses past the end of the device.
	ErrOutOfBounds = errors.New("flash access out of bounds")

	// ErrNotErased is returned when programming bytes that were not erased first.
	ErrNotErased = errors.New("programming non-erased flash")
)

// Storage is a flash device addressed in bytes. Reads, writes and erases
// must be aligned to ReadSize, WriteSize and BlockSize respectively.
type Storage interface {
	ReadSize() int
	WriteSize() int
	BlockSize() int

	// Size returns the device capacity in bytes.
	Size() int64

	Read(off int64, p []byte) error
	Write(off int64, p []byte) error
	Erase(off, n int64) error
}

// Geometry describes the access granularities and size of a flash device.
type Geometry struct {
	ReadSize   int `toml:"read_size"`
	WriteSize  int `toml:"write_size"`
	BlockSize  int `toml:"block_size"`
	BlockCount int `toml:"block_count"`
}

// Size returns the total capacity in bytes.
func (g Geometry) Size() int64 {
	return int64(g.BlockSize) * int64(g.BlockCount)
}

// Validate checks that the granularities are positive and nest inside a block.
func (g Geometry) Validate() error {
	switch {
	case g.ReadSize <= 0 || g.WriteSize <= 0 || g.BlockSize <= 0:
		return fmt.Errorf("geometry %+v: sizes must be positive", g)
	case g.BlockCount <= 0:
		return fmt.Errorf("geometry %+v: block count must be positive", g)
	case g.BlockSize%g.ReadSize != 0 || g.BlockSize%g.WriteSize != 0:
		return fmt.Errorf("geometry %+v: read and write sizes must divide the block size", g)
	}
	return nil
}

func checkAccess(st Storage, off, n int64, align int) error {
	if off < 0 || n < 0 || off+n > st.Size() {
		return fmt.Errorf("%w: [%d, %d) on %d-byte device", ErrOutOfBounds, off, off+n, st.Size())
	}
	if off%int64(align) != 0 || n%int64(align) != 0 {
		return fmt.Errorf("%w: [%d, %d) with granularity %d", ErrUnaligned, off, off+n, align)
	}
	return nil
}

// CheckRead validates a read access against st.
func CheckRead(st Storage, off int64, n int) error {
	return checkAccess(st, off, int64(n), st.ReadSize())
}

// CheckWrite validates a write access against st.
func CheckWrite(st Storage, off int64, n int) error {
	return checkAccess(st, off, int64(n), st.WriteSize())
}

// CheckErase validates an erase access against st.
func CheckErase(st Storage, off, n int64) error {
	return checkAccess(st, off, n, st.BlockSize())
}

// AccessUnit is the smallest length that is both a valid read and a valid
// write on st.
func AccessUnit(st Storage) int {
	a, b := st.ReadSize(), st.WriteSize()
	return a / gcd(a, b) * b
}

// AlignUp rounds n up to the next multiple of unit.
func AlignUp(n int64, unit int) int64 {
	u := int64(unit)
	return (n + u - 1) / u * u
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
