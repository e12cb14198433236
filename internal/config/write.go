package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/flash"
)

// Write encodes cfg to path, creating the parent directory if needed.
// An existing file is left alone unless overwrite is set.
func Write(path string, cfg Config, overwrite bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, os.ErrExist)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Sample returns a board with 64 KiB of internal flash and 256 KiB of
// external flash whose last 64 KiB are reserved as scratch.
func Sample() Config {
	extLayout := blockfs.Layout{Name: "ext-v1", BlockSize: 4096, BlockCount: 48}
	legacy := blockfs.Layout{Name: "v1", BlockSize: 4096, BlockCount: 16}
	return Config{
		Internal: DeviceConfig{
			Image:    "internal.img",
			Geometry: flash.Geometry{ReadSize: 4, WriteSize: 4, BlockSize: 4096, BlockCount: 16},
		},
		External: &DeviceConfig{
			Image:    "external.img",
			Geometry: flash.Geometry{ReadSize: 4, WriteSize: 256, BlockSize: 4096, BlockCount: 64},
			Layout:   &extLayout,
		},
		Scratch: ScratchConfig{Device: "external", Offset: 48 * 4096, Length: 16 * 4096},
		Layout: LayoutConfig{
			Current: blockfs.Layout{Name: "v2", BlockSize: 8192, BlockCount: 8},
			Legacy:  &legacy,
		},
		State: StateConfig{Path: "/.migration/version"},
	}
}
