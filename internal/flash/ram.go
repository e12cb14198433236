package flash

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

var _ Storage = (*RAM)(nil)

// RAM is an in-memory NOR flash. Erased bytes read as 0xFF and a byte can
// only be programmed once per erase cycle.
type RAM struct {
	geo  Geometry
	data []byte

	reads  atomic.Int64
	writes atomic.Int64
	erases atomic.Int64
}

// NewRAM returns an erased in-memory device with the given geometry.
func NewRAM(geo Geometry) (*RAM, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	data := bytes.Repeat([]byte{Erased}, int(geo.Size()))
	return &RAM{geo: geo, data: data}, nil
}

// MustRAM is NewRAM for static geometries that are known to be valid.
func MustRAM(geo Geometry) *RAM {
	r, err := NewRAM(geo)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *RAM) ReadSize() int  { return r.geo.ReadSize }
func (r *RAM) WriteSize() int { return r.geo.WriteSize }
func (r *RAM) BlockSize() int { return r.geo.BlockSize }
func (r *RAM) Size() int64    { return int64(len(r.data)) }

func (r *RAM) Read(off int64, p []byte) error {
	if err := CheckRead(r, off, len(p)); err != nil {
		return err
	}
	r.reads.Add(1)
	copy(p, r.data[off:])
	return nil
}

func (r *RAM) Write(off int64, p []byte) error {
	if err := CheckWrite(r, off, len(p)); err != nil {
		return err
	}
	dst := r.data[off : off+int64(len(p))]
	for i, b := range dst {
		if b != Erased && p[i] != Erased {
			return fmt.Errorf("%w: byte %d", ErrNotErased, off+int64(i))
		}
	}
	r.writes.Add(1)
	for i, b := range p {
		dst[i] &= b
	}
	return nil
}

func (r *RAM) Erase(off, n int64) error {
	if err := CheckErase(r, off, n); err != nil {
		return err
	}
	r.erases.Add(1)
	for i := off; i < off+n; i++ {
		r.data[i] = Erased
	}
	return nil
}

// Bytes exposes the raw device contents. Writing to it bypasses the
// program-once rule, which tests use to simulate bit rot.
func (r *RAM) Bytes() []byte { return r.data }

// Counters reports how many read, write and erase operations succeeded.
func (r *RAM) Counters() (reads, writes, erases int64) {
	return r.reads.Load(), r.writes.Load(), r.erases.Load()
}
