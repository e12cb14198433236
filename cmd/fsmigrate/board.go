package main

import (
	"errors"
	"fmt"

	"github.com/bamsammich/fsmigrate/internal/backup"
	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/config"
	"github.com/bamsammich/fsmigrate/internal/flash"
	"github.com/bamsammich/fsmigrate/internal/migrate"
)

// board is the set of flash images named by the config, opened for one
// command.
type board struct {
	internal flash.Storage
	external flash.Storage // nil without an [external] section
	files    []*flash.File
}

func (a *app) openBoard() (*board, error) {
	if a.cfg.Internal.Image == "" {
		return nil, fmt.Errorf("[internal] image %w", config.ErrNotConfigured)
	}
	b := &board{}
	st, err := a.openDevice(b, a.cfg.Internal)
	if err != nil {
		return nil, err
	}
	b.internal = st

	if a.cfg.External != nil {
		st, err := a.openDevice(b, *a.cfg.External)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.external = st
	}
	return b, nil
}

func (a *app) openDevice(b *board, d config.DeviceConfig) (flash.Storage, error) {
	path := a.cfg.ImagePath(d)
	f, err := flash.OpenFile(path, d.Geometry)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	b.files = append(b.files, f)
	a.log.Debug("opened image", "path", path, "size", d.Geometry.Size())
	return flash.Throttle(a.ctx, f, int64(a.rate)), nil
}

// Close flushes and closes every image.
func (b *board) Close() error {
	var errs []error
	for _, f := range b.files {
		errs = append(errs, f.Sync(), f.Close())
	}
	return errors.Join(errs...)
}

// volume returns the internal device paired with the current layout, or
// the legacy one when legacy is set.
func (a *app) volume(b *board, legacy bool) (migrate.Volume, error) {
	if !legacy {
		return migrate.Volume{Storage: b.internal, Layout: a.cfg.Layout.Current}, nil
	}
	if a.cfg.Layout.Legacy == nil {
		return migrate.Volume{}, fmt.Errorf("[layout.legacy] %w", config.ErrNotConfigured)
	}
	return migrate.Volume{Storage: b.internal, Layout: *a.cfg.Layout.Legacy}, nil
}

func (a *app) externalVolume(b *board) (*migrate.Volume, error) {
	if b.external == nil || a.cfg.External.Layout == nil {
		return nil, fmt.Errorf("[external.layout] %w", config.ErrNotConfigured)
	}
	return &migrate.Volume{Storage: b.external, Layout: *a.cfg.External.Layout}, nil
}

// target resolves the volume a filesystem command operates on.
func (a *app) target(b *board, legacy, external bool) (migrate.Volume, error) {
	if external {
		v, err := a.externalVolume(b)
		if err != nil {
			return migrate.Volume{}, err
		}
		return *v, nil
	}
	return a.volume(b, legacy)
}

func (a *app) scratch(b *board) (*backup.Backend, error) {
	if a.cfg.Scratch.Length == 0 {
		return nil, fmt.Errorf("[scratch] %w", config.ErrNotConfigured)
	}
	st := b.external
	if a.cfg.Scratch.Device == "internal" {
		st = b.internal
	}
	if st == nil {
		return nil, fmt.Errorf("scratch: external device %w", config.ErrNotConfigured)
	}
	// The backend only ever sees the reserved region, never the filesystem
	// that shares the device.
	win, err := flash.NewWindow(st, a.cfg.Scratch.Offset, a.cfg.Scratch.Length)
	if err != nil {
		return nil, fmt.Errorf("scratch: %w", err)
	}
	return backup.NewBackend(win, 0, win.Size())
}

func mount(v migrate.Volume) (*blockfs.FS, error) {
	f, err := blockfs.Mount(v.Storage, v.Layout)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", v.Layout, err)
	}
	return f, nil
}
