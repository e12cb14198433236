// Package migrate moves a filesystem from one block layout to another by way
// of a scratch region: mount old, back up, format new, restore, wipe scratch.
package migrate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/fsmigrate/internal/backup"
	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/event"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/stats"
)

// Stage names a step of a migration run.
type Stage string

const (
	StageMountOld     Stage = "mount-old"
	StageEraseScratch Stage = "erase-scratch"
	StageBackup       Stage = "backup"
	StageFormat       Stage = "format"
	StageMountNew     Stage = "mount-new"
	StagePrepare      Stage = "prepare"
	StageRestore      Stage = "restore"
	StageSync         Stage = "sync"
	StageWipeScratch  Stage = "wipe-scratch"
)

// Error reports the stage a migration failed in.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migrate: %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Destructive reports whether the failure happened after the new layout was
// formatted, in which case the old filesystem no longer exists.
func (e *Error) Destructive() bool {
	switch e.Stage {
	case StageMountOld, StageEraseScratch, StageBackup:
		return false
	}
	return true
}

// Volume is a device together with the block layout its filesystem uses.
type Volume struct {
	Storage flash.Storage
	Layout  blockfs.Layout
}

// Options tunes a migration run. The zero value is usable.
type Options struct {
	// Prepare runs against the freshly formatted and mounted new filesystem
	// before anything is restored into it.
	Prepare func(*blockfs.FS) error

	Logger *slog.Logger
	Stats  *stats.Collector
	Events chan<- event.Event
}

// Report summarizes a successful migration.
type Report struct {
	RunID   string
	Backup  backup.Summary
	Restore backup.Summary
	Elapsed time.Duration
}

// Migrate copies the filesystem on old into a freshly formatted filesystem
// on next, using scratch as intermediate storage. old and next may share
// the same device.
//
// next is formatted only after the backup has completed, so any failure up
// to and including StageBackup leaves old untouched and mountable. scratch
// is erased before the backup and again at the end of every run that got
// that far, whatever the outcome.
func Migrate(old, next Volume, scratch *backup.Backend, opts Options) (rep Report, err error) {
	start := time.Now()
	rep.RunID = uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("run_id", rep.RunID)
	bopts := backup.Options{Logger: log, Stats: opts.Stats, Events: opts.Events}

	stage := func(s Stage) {
		event.Emit(opts.Events, event.Event{Type: event.StageStarted, Path: string(s)})
		log.Debug("migration stage", "stage", s)
	}
	fail := func(s Stage, err error) error {
		log.Error("migration failed", "stage", s, "error", err)
		return &Error{Stage: s, Err: err}
	}

	log.Info("migration started", "from", old.Layout, "to", next.Layout,
		"scratch", scratch.Capacity())

	stage(StageMountOld)
	oldFS, err := blockfs.Mount(old.Storage, old.Layout)
	if err != nil {
		return rep, fail(StageMountOld, err)
	}
	// Nothing is written to the old filesystem, so unmounting never syncs.
	defer oldFS.Unmount()

	stage(StageEraseScratch)
	if err := eraseScratch(scratch, opts); err != nil {
		return rep, fail(StageEraseScratch, err)
	}

	// From here on the scratch region may hold file data and is wiped on
	// every exit path.
	defer func() {
		stage(StageWipeScratch)
		werr := eraseScratch(scratch, opts)
		switch {
		case werr == nil:
		case err == nil:
			err = fail(StageWipeScratch, werr)
		default:
			log.Error("scratch wipe failed after earlier error", "error", werr)
		}
	}()

	stage(StageBackup)
	rep.Backup, err = backup.Backup(oldFS, scratch, bopts)
	if err != nil {
		return rep, fail(StageBackup, err)
	}
	if err := oldFS.Unmount(); err != nil {
		return rep, fail(StageBackup, err)
	}

	stage(StageFormat)
	if err := blockfs.Format(next.Storage, next.Layout); err != nil {
		return rep, fail(StageFormat, err)
	}

	stage(StageMountNew)
	newFS, err := blockfs.Mount(next.Storage, next.Layout)
	if err != nil {
		return rep, fail(StageMountNew, err)
	}

	if opts.Prepare != nil {
		stage(StagePrepare)
		if err := opts.Prepare(newFS); err != nil {
			return rep, fail(StagePrepare, err)
		}
	}

	stage(StageRestore)
	rep.Restore, err = backup.Restore(newFS, scratch, bopts)
	if err != nil {
		return rep, fail(StageRestore, err)
	}

	// A restore that fails part way is never committed; the new device keeps
	// the empty filesystem it was formatted with.
	stage(StageSync)
	if err := newFS.Unmount(); err != nil {
		return rep, fail(StageSync, err)
	}

	rep.Elapsed = time.Since(start)
	log.Info("migration complete",
		"dirs", rep.Restore.Dirs, "files", rep.Restore.Files, "bytes", rep.Restore.Bytes,
		"elapsed", rep.Elapsed)
	return rep, nil
}

func eraseScratch(scratch *backup.Backend, opts Options) error {
	n, err := scratch.Erase()
	if err != nil {
		return err
	}
	opts.Stats.AddScratchErases(1)
	event.Emit(opts.Events, event.Event{Type: event.ScratchErased, Size: n})
	return nil
}

// NeedsMigration reports whether st holds a filesystem in the legacy layout
// that the current layout cannot mount. It returns false when st already
// mounts with current, or when neither layout finds a filesystem.
func NeedsMigration(st flash.Storage, current, legacy blockfs.Layout) (bool, error) {
	f, err := blockfs.Mount(st, current)
	if err == nil {
		return false, f.Unmount()
	}
	if !errors.Is(err, blockfs.ErrLayoutMismatch) && !errors.Is(err, blockfs.ErrNoFilesystem) {
		return false, fmt.Errorf("mount %s: %w", current, err)
	}

	// A filesystem that has only ever committed once has no superblock in
	// slot 0, so a layout change can also surface as ErrNoFilesystem.
	f, lerr := blockfs.Mount(st, legacy)
	if lerr != nil {
		if errors.Is(lerr, blockfs.ErrLayoutMismatch) || errors.Is(lerr, blockfs.ErrNoFilesystem) {
			return false, nil
		}
		return false, fmt.Errorf("mount legacy %s: %w", legacy, lerr)
	}
	return true, f.Unmount()
}
