// Package storage persists the car's identity, association records and
// per-device session keys in a local SQLite database.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Schema for the companion device store.
const schema = `
CREATE TABLE IF NOT EXISTS car_identity (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    unique_id   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS associated_devices (
    device_id   TEXT PRIMARY KEY,
    user_id     INTEGER NOT NULL,
    address     TEXT NOT NULL,
    name        TEXT
);

CREATE INDEX IF NOT EXISTS idx_associated_user ON associated_devices(user_id);

CREATE TABLE IF NOT EXISTS session_keys (
    device_id   TEXT PRIMARY KEY,
    key         BLOB NOT NULL
);
`

// AssociatedDevice is one completed association record.
type AssociatedDevice struct {
	DeviceID string
	UserID   int
	Address  string
	Name     string
}

// ErrDeviceNotFound is returned when a device id has no association record.
var ErrDeviceNotFound = errors.New("storage: device not found")

// Store is the SQLite-backed companion device store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UniqueID returns the car's unique identifier, generating and persisting
// one on first call.
func (s *Store) UniqueID() (uuid.UUID, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT unique_id FROM car_identity WHERE id = 1`).Scan(&raw)
	if err == nil {
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse stored unique id: %w", err)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("get unique id: %w", err)
	}

	id := uuid.New()
	if _, err := s.db.Exec(`INSERT INTO car_identity (id, unique_id) VALUES (1, ?)`, id[:]); err != nil {
		return uuid.Nil, fmt.Errorf("insert unique id: %w", err)
	}
	return id, nil
}

// AddAssociatedDevice records a completed association for a user.
func (s *Store) AddAssociatedDevice(d *AssociatedDevice) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO associated_devices (device_id, user_id, address, name)
		VALUES (?, ?, ?, ?)`,
		d.DeviceID, d.UserID, d.Address, d.Name,
	)
	if err != nil {
		return fmt.Errorf("insert associated device: %w", err)
	}
	return nil
}

// RemoveAssociatedDevice deletes the association record and the stored
// session key. The key table is not foreign-keyed to the association table:
// the key is saved when the handshake finishes, before the association
// record exists.
func (s *Store) RemoveAssociatedDevice(deviceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remove: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`DELETE FROM associated_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove associated device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	if _, err := tx.Exec(`DELETE FROM session_keys WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("remove session key: %w", err)
	}
	return tx.Commit()
}

// AssociatedDevices lists the devices associated for a user.
func (s *Store) AssociatedDevices(userID int) ([]AssociatedDevice, error) {
	rows, err := s.db.Query(`
		SELECT device_id, user_id, address, name
		FROM associated_devices
		WHERE user_id = ?
		ORDER BY device_id ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query associated devices: %w", err)
	}
	defer rows.Close()

	var devices []AssociatedDevice
	for rows.Next() {
		var d AssociatedDevice
		if err := rows.Scan(&d.DeviceID, &d.UserID, &d.Address, &d.Name); err != nil {
			return nil, fmt.Errorf("scan associated device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate associated devices: %w", err)
	}
	return devices, nil
}

// UpdateDeviceName renames an associated device.
func (s *Store) UpdateDeviceName(deviceID, name string) error {
	result, err := s.db.Exec(`UPDATE associated_devices SET name = ? WHERE device_id = ?`, name, deviceID)
	if err != nil {
		return fmt.Errorf("update device name: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SaveEncryptionKey persists the session key for a device, replacing any
// previous one.
func (s *Store) SaveEncryptionKey(deviceID string, key []byte) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO session_keys (device_id, key) VALUES (?, ?)`,
		deviceID, key,
	)
	if err != nil {
		return fmt.Errorf("save encryption key: %w", err)
	}
	return nil
}

// EncryptionKey returns the stored session key for a device, or nil when
// none is stored.
func (s *Store) EncryptionKey(deviceID string) ([]byte, error) {
	var key []byte
	err := s.db.QueryRow(`SELECT key FROM session_keys WHERE device_id = ?`, deviceID).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get encryption key: %w", err)
	}
	return key, nil
}
