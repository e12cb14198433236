package migrator

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var _ State = (*SQLiteState)(nil)

// SQLiteState keeps version markers for many devices in one host-side
// database, keyed by device ID. It is used when images are tooled offline
// and the marker should not live on the image itself.
type SQLiteState struct {
	db     *sql.DB
	path   string
	device string
}

// OpenSQLiteState opens (or creates) the database at path and binds the
// state to device.
func OpenSQLiteState(path, device string) (*SQLiteState, error) {
	if device == "" {
		return nil, errors.New("open state db: empty device id")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_state (
			device  TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLiteState{db: db, path: path, device: device}, nil
}

// Load returns the stored version for the device, or 0 if none is recorded.
func (s *SQLiteState) Load() (uint32, error) {
	var v int64
	err := s.db.QueryRow("SELECT version FROM migration_state WHERE device = ?", s.device).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load version for %s: %w", s.device, err)
	}
	if v < 0 || v > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: version %d for %s", ErrCorruptState, v, s.device)
	}
	return uint32(v), nil
}

// Store records version for the device. A stored version never decreases.
func (s *SQLiteState) Store(version uint32) error {
	_, err := s.db.Exec(`
		INSERT INTO migration_state (device, version, updated) VALUES (?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
			version = MAX(version, excluded.version),
			updated = excluded.updated
	`, s.device, int64(version), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("store version for %s: %w", s.device, err)
	}
	return nil
}

// Devices lists every device with a recorded version.
func (s *SQLiteState) Devices() (map[string]uint32, error) {
	rows, err := s.db.Query("SELECT device, version FROM migration_state ORDER BY device")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint32)
	for rows.Next() {
		var device string
		var v int64
		if err := rows.Scan(&device, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[device] = uint32(v)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (s *SQLiteState) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteState) Close() error { return s.db.Close() }

// DefaultDBPath returns $XDG_STATE_HOME/fsmigrate/state.db, falling back to
// ~/.local/state.
func DefaultDBPath() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "fsmigrate", "state.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fsmigrate-state.db")
	}
	return filepath.Join(home, ".local", "state", "fsmigrate", "state.db")
}
