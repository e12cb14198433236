package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/fsmigrate/internal/blockfs"
	"github.com/bamsammich/fsmigrate/internal/flash"
)

// ErrNotConfigured is returned when a command needs a section the config
// file does not have.
var ErrNotConfigured = errors.New("not configured")

// Config describes a board: its flash devices, the scratch region, the
// filesystem layouts and where migration state lives.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Internal DeviceConfig   `toml:"internal"`
	External *DeviceConfig  `toml:"external"`
	Scratch  ScratchConfig  `toml:"scratch"`
	Layout   LayoutConfig   `toml:"layout"`
	State    StateConfig    `toml:"state"`

	dir string
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Verbose *bool   `toml:"verbose"`
	JSON    *bool   `toml:"json"`
	Rate    *string `toml:"rate"`
}

// DeviceConfig is a flash device backed by an image file.
type DeviceConfig struct {
	Image    string         `toml:"image"`
	Geometry flash.Geometry `toml:"geometry"`

	// Layout is the filesystem layout of an external device. The internal
	// device uses [layout.current].
	Layout *blockfs.Layout `toml:"layout"`
}

// ScratchConfig is the reserved region used during layout migrations.
type ScratchConfig struct {
	Device string `toml:"device"` // "external" (default) or "internal"
	Offset int64  `toml:"offset"`
	Length int64  `toml:"length"`
}

// LayoutConfig holds the internal filesystem layouts.
type LayoutConfig struct {
	Current blockfs.Layout  `toml:"current"`
	Legacy  *blockfs.Layout `toml:"legacy"`
}

// StateConfig says where the applied migration version is kept. With DB
// set, the marker is kept host-side in SQLite under Device; otherwise it is
// a file on the internal filesystem at Path.
type StateConfig struct {
	Path   string `toml:"path"`
	DB     string `toml:"db"`
	Device string `toml:"device"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fsmigrate", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadFile reads and validates the config file at path. Relative image
// paths are resolved against the file's directory.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ImagePath resolves a device's image path.
func (c Config) ImagePath(d DeviceConfig) string { return c.resolve(d.Image) }

// StateDB resolves the host-side state database path, or returns "" when
// the marker is kept on the device.
func (c Config) StateDB() string { return c.resolve(c.State.DB) }

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ScratchDevice returns the device config the scratch region lives on.
func (c Config) ScratchDevice() (DeviceConfig, error) {
	switch c.Scratch.Device {
	case "", "external":
		if c.External == nil {
			return DeviceConfig{}, fmt.Errorf("scratch: external device %w", ErrNotConfigured)
		}
		return *c.External, nil
	case "internal":
		return c.Internal, nil
	default:
		return DeviceConfig{}, fmt.Errorf("scratch: unknown device %q", c.Scratch.Device)
	}
}

// Validate checks the sections that are present for consistency. Sections
// that are absent are reported when a command needs them.
func (c Config) Validate() error {
	if c.Internal.Image != "" {
		if err := c.Internal.Geometry.Validate(); err != nil {
			return fmt.Errorf("internal: %w", err)
		}
		if err := checkLayout("layout.current", c.Layout.Current, c.Internal.Geometry); err != nil {
			return err
		}
		if c.Layout.Legacy != nil {
			if err := checkLayout("layout.legacy", *c.Layout.Legacy, c.Internal.Geometry); err != nil {
				return err
			}
		}
	}
	if c.External != nil {
		if err := c.External.Geometry.Validate(); err != nil {
			return fmt.Errorf("external: %w", err)
		}
		if c.External.Layout != nil {
			if err := checkLayout("external.layout", *c.External.Layout, c.External.Geometry); err != nil {
				return err
			}
		}
	}
	if c.Scratch.Length > 0 {
		return c.checkScratch()
	}
	return nil
}

func checkLayout(name string, l blockfs.Layout, geo flash.Geometry) error {
	switch {
	case l.BlockSize == 0 || l.BlockCount == 0:
		return fmt.Errorf("%s: block_size and block_count are required", name)
	case int(l.BlockSize)%geo.BlockSize != 0:
		return fmt.Errorf("%s: block size %d is not a multiple of the erase size %d", name, l.BlockSize, geo.BlockSize)
	case l.Size() > geo.Size():
		return fmt.Errorf("%s: needs %d bytes, device has %d", name, l.Size(), geo.Size())
	}
	return nil
}

func (c Config) checkScratch() error {
	dev, err := c.ScratchDevice()
	if err != nil {
		return err
	}
	s := c.Scratch
	bs := int64(dev.Geometry.BlockSize)
	switch {
	case s.Offset < 0 || s.Offset%bs != 0 || s.Length%bs != 0:
		return fmt.Errorf("scratch: region [%d, %d) is not aligned to %d byte blocks", s.Offset, s.Offset+s.Length, bs)
	case s.Offset+s.Length > dev.Geometry.Size():
		return fmt.Errorf("scratch: region ends at %d, device has %d bytes", s.Offset+s.Length, dev.Geometry.Size())
	}

	// The scratch region must not overlap any filesystem on the same device.
	var layouts []blockfs.Layout
	if s.Device == "internal" {
		layouts = append(layouts, c.Layout.Current)
		if c.Layout.Legacy != nil {
			layouts = append(layouts, *c.Layout.Legacy)
		}
	} else if dev.Layout != nil {
		layouts = append(layouts, *dev.Layout)
	}
	for _, l := range layouts {
		if s.Offset < l.Size() {
			return fmt.Errorf("scratch: region [%d, %d) overlaps layout %s", s.Offset, s.Offset+s.Length, l)
		}
	}
	return nil
}
