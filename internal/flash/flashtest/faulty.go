// Package flashtest provides storage wrappers for exercising failure paths.
package flashtest

import (
	"errors"
	"sync"

	"github.com/bamsammich/fsmigrate/internal/flash"
)

// ErrInjected is returned by a Faulty device when a configured fault fires.
var ErrInjected = errors.New("injected flash fault")

// Op identifies a storage operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpErase
)

// Faulty wraps a device and fails the Nth call of an operation (1-based),
// and every call after it when Sticky is set.
type Faulty struct {
	flash.Storage

	mu     sync.Mutex
	failAt map[Op]int
	calls  map[Op]int
	sticky bool
}

// NewFaulty wraps st without any faults armed.
func NewFaulty(st flash.Storage) *Faulty {
	return &Faulty{
		Storage: st,
		failAt:  make(map[Op]int),
		calls:   make(map[Op]int),
	}
}

// FailAt arms a fault on the nth call of op, counted from now.
func (f *Faulty) FailAt(op Op, n int) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt[op] = n
	f.calls[op] = 0
	return f
}

// Sticky makes an armed fault persist for all later calls.
func (f *Faulty) Sticky() *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sticky = true
	return f
}

// Calls returns how many times op was attempted since it was armed.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) trip(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	n, ok := f.failAt[op]
	if !ok || n <= 0 {
		return nil
	}
	if f.calls[op] == n || (f.sticky && f.calls[op] > n) {
		return ErrInjected
	}
	return nil
}

func (f *Faulty) Read(off int64, p []byte) error {
	if err := f.trip(OpRead); err != nil {
		return err
	}
	return f.Storage.Read(off, p)
}

func (f *Faulty) Write(off int64, p []byte) error {
	if err := f.trip(OpWrite); err != nil {
		return err
	}
	return f.Storage.Write(off, p)
}

func (f *Faulty) Erase(off, n int64) error {
	if err := f.trip(OpErase); err != nil {
		return err
	}
	return f.Storage.Erase(off, n)
}
