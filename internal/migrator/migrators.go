package migrator

import (
	"github.com/bamsammich/fsmigrate/internal/fsys"
)

// Migrators is the table of fix-ups shipped with the firmware. Deletions
// that free space come first so later steps have room to write.
var Migrators = Registry{
	{
		Name:    "remove-tmp",
		Version: 1,
		Run: func(internal, external fsys.FS) error {
			return removeAll([]fsys.FS{internal, external}, "/tmp")
		},
	},
	{
		Name:    "remove-orphaned-backup",
		Version: 2,
		Run: func(_, external fsys.FS) error {
			return removeAll([]fsys.FS{external}, "/backup", "/backup.tmp")
		},
	},
	{
		Name:    "remove-layout-marker",
		Version: 3,
		Run: func(internal, _ fsys.FS) error {
			return removeAll([]fsys.FS{internal}, "/.layout")
		},
	},
}

// removeAll deletes each path from every non-nil filesystem, treating
// missing entries as already deleted.
func removeAll(targets []fsys.FS, paths ...string) error {
	for _, f := range targets {
		if f == nil {
			continue
		}
		for _, p := range paths {
			if _, err := fsys.RemoveAllIfExists(f, p); err != nil {
				return err
			}
		}
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}
