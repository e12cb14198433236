package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bamsammich/fsmigrate/internal/backup"
	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/boot"
	"github.com/bamsammich/fsmigrate/internal/config"
	"github.com/bamsammich/fsmigrate/internal/fsys"
	"github.com/bamsammich/fsmigrate/internal/migrate"
	"github.com/bamsammich/fsmigrate/internal/migrator"
	"github.com/bamsammich/fsmigrate/internal/stats"
)

// exitNeedsReset is returned by boot when the device would come up
// unprovisioned.
const exitNeedsReset = 3

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample board config",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			path := a.configPath
			if path == "" {
				path = config.Path()
			}
			if err := config.Write(path, config.Sample(), force); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	return cmd
}

// volumeFlags selects which filesystem a command operates on.
type volumeFlags struct {
	legacy   bool
	external bool
}

func (v *volumeFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&v.legacy, "legacy", false, "use the legacy internal layout")
	cmd.Flags().BoolVar(&v.external, "external", false, "use the external filesystem")
	cmd.MarkFlagsMutuallyExclusive("legacy", "external")
}

func (a *app) formatCmd() *cobra.Command {
	var vf volumeFlags
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Erase a device region and create an empty filesystem",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			v, err := a.target(b, vf.legacy, vf.external)
			if err != nil {
				return err
			}
			if err := blockfs.Format(v.Storage, v.Layout); err != nil {
				return fmt.Errorf("format %s: %w", v.Layout, err)
			}
			a.log.Info("formatted", "layout", v.Layout, "bytes", v.Layout.Size())
			return nil
		},
	}
	vf.register(cmd)
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var vf volumeFlags
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Copy a host directory tree into a filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) (err error) {
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s: not a directory", args[0])
			}

			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			v, err := a.target(b, vf.legacy, vf.external)
			if err != nil {
				return err
			}
			f, err := mount(v)
			if err != nil {
				return err
			}
			files, n, err := fsys.Copy(f, fsys.NewLocal(args[0]))
			if err != nil {
				// Nothing of a partial import is committed.
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			if err := f.Unmount(); err != nil {
				return fmt.Errorf("commit %s: %w", v.Layout, err)
			}
			used, capacity := f.Usage()
			fmt.Fprintf(a.stdout, "imported %d files (%s), %s of %s used\n",
				files, humanize.IBytes(uint64(n)), //nolint:gosec // G115: sizes are non-negative
				humanize.IBytes(uint64(used)), humanize.IBytes(uint64(capacity))) //nolint:gosec // G115: sizes are non-negative
			return nil
		},
	}
	vf.register(cmd)
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var vf volumeFlags
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Copy a filesystem's tree into a host directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) (err error) {
			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			v, err := a.target(b, vf.legacy, vf.external)
			if err != nil {
				return err
			}
			f, err := mount(v)
			if err != nil {
				return err
			}
			defer f.Unmount()

			if err := os.MkdirAll(args[0], 0o755); err != nil {
				return err
			}
			files, n, err := fsys.Copy(fsys.NewLocal(args[0]), f)
			if err != nil {
				return fmt.Errorf("export to %s: %w", args[0], err)
			}
			fmt.Fprintf(a.stdout, "exported %d files (%s)\n",
				files, humanize.IBytes(uint64(n))) //nolint:gosec // G115: sizes are non-negative
			return nil
		},
	}
	vf.register(cmd)
	return cmd
}

func (a *app) lsCmd() *cobra.Command {
	var (
		vf        volumeFlags
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory of a filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) (err error) {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}

			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			v, err := a.target(b, vf.legacy, vf.external)
			if err != nil {
				return err
			}
			f, err := mount(v)
			if err != nil {
				return err
			}
			defer f.Unmount()
			return a.list(f, dir, recursive)
		},
	}
	vf.register(cmd)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list subdirectories")
	return cmd
}

func (a *app) list(src fsys.Source, dir string, recursive bool) error {
	entries, err := src.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(a.stdout, "%10s  %s/\n", "-", e.Path)
			if recursive {
				if err := a.list(src, e.Path, true); err != nil {
					return err
				}
			}
			continue
		}
		fmt.Fprintf(a.stdout, "%10s  %s\n", humanize.IBytes(uint64(e.Size)), e.Path) //nolint:gosec // G115: sizes are non-negative
	}
	return nil
}

func (a *app) digestCmd() *cobra.Command {
	var vf volumeFlags
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the BLAKE3 digest of a filesystem's tree",
		Long: `digest hashes every directory and file of a filesystem in walk order.
Two trees with the same digest hold the same paths with the same contents,
so comparing digests before and after a migration shows nothing was lost.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			v, err := a.target(b, vf.legacy, vf.external)
			if err != nil {
				return err
			}
			f, err := mount(v)
			if err != nil {
				return err
			}
			defer f.Unmount()

			sum, err := backup.Digest(f)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, sum)
			return nil
		},
	}
	vf.register(cmd)
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the internal filesystem from the legacy layout to the current one",
		Long: `migrate backs the legacy filesystem up into the scratch region, formats
the internal device with the current layout and restores the tree into it.
The legacy filesystem is only overwritten once the backup is complete; the
scratch region is wiped whatever the outcome.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			old, err := a.volume(b, true)
			if err != nil {
				return err
			}
			next, _ := a.volume(b, false) //nolint:errcheck // the current layout is always set

			need, err := migrate.NeedsMigration(b.internal, next.Layout, old.Layout)
			if err != nil {
				return err
			}
			if check {
				if need {
					fmt.Fprintf(a.stdout, "needs migration: %s -> %s\n", old.Layout, next.Layout)
				} else {
					fmt.Fprintln(a.stdout, "up to date")
				}
				return nil
			}
			if !need {
				a.log.Info("internal filesystem is not on the legacy layout, nothing to do")
				return nil
			}

			scratch, err := a.scratch(b)
			if err != nil {
				return err
			}
			events, done := a.events()
			collector := stats.NewCollector()
			rep, err := migrate.Migrate(old, next, scratch, migrate.Options{
				Logger: a.log,
				Stats:  collector,
				Events: events,
			})
			done()
			a.log.Debug("migration stats", "stats", collector.Snapshot().String())
			if err != nil {
				var merr *migrate.Error
				if errors.As(err, &merr) && !merr.Destructive() {
					a.log.Warn("legacy filesystem left intact")
				}
				return err
			}

			fmt.Fprintf(a.stdout, "migrated %d dirs, %d files (%s) in %s\n",
				rep.Restore.Dirs, rep.Restore.Files,
				humanize.IBytes(uint64(rep.Restore.Bytes)), //nolint:gosec // G115: sizes are non-negative
				rep.Elapsed.Round(time.Millisecond))
			fmt.Fprintf(a.stdout, "scratch used: %s of %s\n",
				humanize.IBytes(uint64(rep.Backup.StreamSize)), //nolint:gosec // G115: sizes are non-negative
				humanize.IBytes(uint64(scratch.Capacity())))   //nolint:gosec // G115: sizes are non-negative
			fmt.Fprintf(a.stdout, "digest: %s\n", rep.Restore.Digest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only report whether a migration is needed")
	return cmd
}

func (a *app) state(internal fsys.FS) (migrator.State, func() error, error) {
	if db := a.cfg.StateDB(); db != "" {
		s, err := migrator.OpenSQLiteState(db, a.cfg.State.Device)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return migrator.FileState{FS: internal, Path: a.cfg.State.Path}, func() error { return nil }, nil
}

func (a *app) applyCmd() *cobra.Command {
	var list, devices bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run pending migration steps against the internal and external filesystems",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			cur, _ := a.volume(b, false) //nolint:errcheck // the current layout is always set
			internal, err := mount(cur)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, internal.Unmount()) }()

			state, closeState, err := a.state(internal)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, closeState()) }()

			if devices {
				return a.listDevices(state)
			}
			if list {
				v, err := state.Load()
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "applied version: %d of %d\n", v, migrator.Migrators.Latest())
				for _, s := range migrator.Migrators.Pending(v) {
					fmt.Fprintf(a.stdout, "pending: %d %s\n", s.Version, s.Name)
				}
				return nil
			}

			var external fsys.FS
			if a.cfg.External != nil && a.cfg.External.Layout != nil {
				ev, _ := a.externalVolume(b) //nolint:errcheck // checked above
				ext, mountErr := mount(*ev)
				if mountErr != nil {
					return mountErr
				}
				defer func() { err = errors.Join(err, ext.Unmount()) }()
				external = ext
			}

			events, done := a.events()
			res, err := migrator.Apply(migrator.Migrators, state, internal, external, migrator.Options{
				Logger: a.log,
				Events: events,
			})
			done()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "version %d -> %d: %d applied, %d failed\n",
				res.From, res.To, len(res.Applied), len(res.Failed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "show the applied version and pending steps")
	cmd.Flags().BoolVar(&devices, "devices", false, "show every device recorded in the state database")
	cmd.MarkFlagsMutuallyExclusive("list", "devices")
	return cmd
}

func (a *app) listDevices(state migrator.State) error {
	db, ok := state.(*migrator.SQLiteState)
	if !ok {
		return fmt.Errorf("[state] db %w", config.ErrNotConfigured)
	}
	devices, err := db.Devices()
	if err != nil {
		return err
	}
	names := slices.Sorted(maps.Keys(devices))
	for _, name := range names {
		fmt.Fprintf(a.stdout, "%s\t%d\n", name, devices[name])
	}
	return nil
}

func (a *app) bootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Bring storage up the way the device does at power on",
		Long: `boot mounts the internal filesystem with the current layout, migrating it
from the legacy layout or formatting it when needed, and then applies the
pending migration steps. It exits with status 3 when the device would have
to present itself as unprovisioned.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			b, err := a.openBoard()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()

			r := &boot.Runner{
				Internal:  b.internal,
				Current:   a.cfg.Layout.Current,
				Legacy:    a.cfg.Layout.Legacy,
				Registry:  migrator.Migrators,
				StatePath: a.cfg.State.Path,
				Logger:    a.log,
			}
			if ev, err := a.externalVolume(b); err == nil {
				r.External = ev
			}
			if r.Legacy != nil {
				if r.Scratch, err = a.scratch(b); err != nil {
					return err
				}
			}

			events, done := a.events()
			r.Events = events
			f, status, err := r.Run()
			done()
			fmt.Fprintln(a.stdout, status)
			if err != nil {
				a.log.Error("boot failed", "error", err)
				return &exitError{code: exitNeedsReset}
			}
			return f.Unmount()
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "fsmigrate %s\n", version)
		},
	}
}
