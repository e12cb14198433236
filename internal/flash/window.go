package flash

import "fmt"

var _ Storage = (*Window)(nil)

// Window exposes the byte range [off, off+n) of a parent device as a device
// of its own. The range must be block aligned on the parent.
type Window struct {
	parent Storage
	off    int64
	n      int64
}

// NewWindow returns a view of st starting at off and spanning n bytes.
func NewWindow(st Storage, off, n int64) (*Window, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: empty window", ErrOutOfBounds)
	}
	if err := CheckErase(st, off, n); err != nil {
		return nil, fmt.Errorf("window [%d, %d): %w", off, off+n, err)
	}
	return &Window{parent: st, off: off, n: n}, nil
}

func (w *Window) ReadSize() int  { return w.parent.ReadSize() }
func (w *Window) WriteSize() int { return w.parent.WriteSize() }
func (w *Window) BlockSize() int { return w.parent.BlockSize() }
func (w *Window) Size() int64    { return w.n }

// Offset returns the start of the window on the parent device.
func (w *Window) Offset() int64 { return w.off }

func (w *Window) Read(off int64, p []byte) error {
	if err := CheckRead(w, off, len(p)); err != nil {
		return err
	}
	return w.parent.Read(w.off+off, p)
}

func (w *Window) Write(off int64, p []byte) error {
	if err := CheckWrite(w, off, len(p)); err != nil {
		return err
	}
	return w.parent.Write(w.off+off, p)
}

func (w *Window) Erase(off, n int64) error {
	if err := CheckErase(w, off, n); err != nil {
		return err
	}
	return w.parent.Erase(w.off+off, n)
}
