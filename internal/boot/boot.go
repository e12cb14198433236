// Package boot brings storage up at device start: it mounts the internal
// filesystem, migrating it from a legacy layout or formatting it when needed,
// and then applies pending migration steps.
package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bamsammich/fsmigrate/internal/backup"
	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/event"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/fsys"
	"github.com/bamsammich/fsmigrate/internal/migrate"
	"github.com/bamsammich/fsmigrate/internal/migrator"
	"github.com/bamsammich/fsmigrate/internal/stats"
)

// Status describes how the internal filesystem was brought up.
type Status int

const (
	// StatusNeedsReset means storage could not be brought into a
	// consistent state. The device must present itself as unprovisioned.
	StatusNeedsReset Status = iota
	StatusMounted
	StatusFresh
	StatusMigrated
)

func (s Status) String() string {
	switch s {
	case StatusMounted:
		return "mounted"
	case StatusFresh:
		return "fresh"
	case StatusMigrated:
		return "migrated"
	default:
		return "needs-reset"
	}
}

// Runner holds the board's storage configuration.
type Runner struct {
	Internal flash.Storage

	// External is the auxiliary filesystem handed to migration steps. It is
	// formatted when blank. Nil on boards without one.
	External *migrate.Volume

	// Scratch is the reserved region used for layout migrations. Required
	// when Legacy is set.
	Scratch *backup.Backend

	Current blockfs.Layout
	Legacy  *blockfs.Layout

	Registry  migrator.Registry
	StatePath string // on the internal filesystem; default migrator.DefaultStatePath

	Logger *slog.Logger
	Stats  *stats.Collector
	Events chan<- event.Event
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run brings up the internal filesystem and returns it mounted. On any
// failure it returns StatusNeedsReset, an error and no filesystem.
func (r *Runner) Run() (*blockfs.FS, Status, error) {
	log := r.logger()

	f, status, err := r.mountInternal()
	if err != nil {
		log.Error("storage unusable, device needs reset", "error", err)
		return nil, StatusNeedsReset, err
	}
	log.Info("internal filesystem ready", "status", status, "layout", r.Current)

	if len(r.Registry) == 0 {
		return f, status, nil
	}
	if err := r.applySteps(f); err != nil {
		log.Error("migration steps failed, device needs reset", "error", err)
		return nil, StatusNeedsReset, errors.Join(err, f.Unmount())
	}
	return f, status, nil
}

func (r *Runner) mountInternal() (*blockfs.FS, Status, error) {
	log := r.logger()

	f, err := blockfs.Mount(r.Internal, r.Current)
	if err == nil {
		return f, StatusMounted, nil
	}
	if !errors.Is(err, blockfs.ErrLayoutMismatch) && !errors.Is(err, blockfs.ErrNoFilesystem) {
		return nil, 0, err
	}

	if r.Legacy != nil {
		need, lerr := migrate.NeedsMigration(r.Internal, r.Current, *r.Legacy)
		if lerr != nil {
			return nil, 0, lerr
		}
		if need {
			if err := r.migrate(); err != nil {
				return nil, 0, err
			}
			f, err := blockfs.Mount(r.Internal, r.Current)
			if err != nil {
				return nil, 0, fmt.Errorf("mount after migration: %w", err)
			}
			return f, StatusMigrated, nil
		}
	}

	if errors.Is(err, blockfs.ErrLayoutMismatch) {
		return nil, 0, err
	}
	log.Info("no filesystem found, formatting", "layout", r.Current)
	if err := blockfs.Format(r.Internal, r.Current); err != nil {
		return nil, 0, err
	}
	f, err = blockfs.Mount(r.Internal, r.Current)
	if err != nil {
		return nil, 0, fmt.Errorf("mount after format: %w", err)
	}
	return f, StatusFresh, nil
}

func (r *Runner) migrate() error {
	if r.Scratch == nil {
		return errors.New("layout migration needs a scratch region")
	}
	_, err := migrate.Migrate(
		migrate.Volume{Storage: r.Internal, Layout: *r.Legacy},
		migrate.Volume{Storage: r.Internal, Layout: r.Current},
		r.Scratch,
		migrate.Options{Logger: r.Logger, Stats: r.Stats, Events: r.Events},
	)
	var merr *migrate.Error
	if errors.As(err, &merr) && !merr.Destructive() {
		r.logger().Warn("legacy filesystem left intact, migration will be retried on next boot")
	}
	return err
}

func (r *Runner) applySteps(internal *blockfs.FS) error {
	var external fsys.FS
	if r.External != nil {
		ext, err := mountOrFormat(*r.External)
		if err != nil {
			return fmt.Errorf("external: %w", err)
		}
		defer ext.Unmount()
		external = ext
	}

	state := migrator.FileState{FS: internal, Path: r.StatePath}
	_, err := migrator.Apply(r.Registry, state, internal, external, migrator.Options{
		Logger: r.Logger,
		Stats:  r.Stats,
		Events: r.Events,
	})
	return err
}

func mountOrFormat(v migrate.Volume) (*blockfs.FS, error) {
	f, err := blockfs.Mount(v.Storage, v.Layout)
	if !errors.Is(err, blockfs.ErrNoFilesystem) {
		return f, err
	}
	if err := blockfs.Format(v.Storage, v.Layout); err != nil {
		return nil, err
	}
	return blockfs.Mount(v.Storage, v.Layout)
}
