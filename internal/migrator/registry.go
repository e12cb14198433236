// Package migrator runs version-gated fix-ups against mounted filesystems at
// boot. Each step runs at most once per device under normal operation and at
// least once if the device loses power between running a step and recording
// that it ran, so steps must be idempotent.
package migrator

import (
	"errors"
	"fmt"

	"github.com/bamsammich/fsmigrate/internal/fsys"
)

// ErrInvalidRegistry is returned by Validate.
var ErrInvalidRegistry = errors.New("invalid migration registry")

// Step is a single fix-up tagged with the version it brings a device to.
type Step struct {
	Name    string
	Version uint32

	// Critical steps abort boot when they fail. Other failures are logged
	// and the step is not retried.
	Critical bool

	// Run applies the fix-up. external is nil on boards without external
	// flash.
	Run func(internal, external fsys.FS) error
}

// Registry lists steps in the order they run, which need not be version
// order: a step that frees space may carry a newer version and still run
// first.
type Registry []Step

// Validate checks that every step is runnable, named uniquely and versioned.
func (r Registry) Validate() error {
	names := make(map[string]bool, len(r))
	for i, s := range r {
		switch {
		case s.Name == "":
			return fmt.Errorf("%w: step %d has no name", ErrInvalidRegistry, i)
		case names[s.Name]:
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidRegistry, s.Name)
		case s.Version == 0:
			return fmt.Errorf("%w: step %q has version 0", ErrInvalidRegistry, s.Name)
		case s.Run == nil:
			return fmt.Errorf("%w: step %q has no Run", ErrInvalidRegistry, s.Name)
		}
		names[s.Name] = true
	}
	return nil
}

// Latest returns the highest version in the registry, or 0 if it is empty.
func (r Registry) Latest() uint32 {
	var v uint32
	for _, s := range r {
		v = max(v, s.Version)
	}
	return v
}

// Pending returns the steps newer than version, in declaration order.
func (r Registry) Pending(version uint32) Registry {
	var out Registry
	for _, s := range r {
		if s.Version > version {
			out = append(out, s)
		}
	}
	return out
}
