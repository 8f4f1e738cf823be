// Package config loads the head unit configuration from a TOML file. Every
// value has a compiled-in default; a missing file yields the defaults.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Compiled-in defaults. The UUIDs identify the association service and the
// two data characteristics; companion devices must be built with the same
// values.
const (
	DefaultDatabase   = "carlink.db"
	DefaultAdapter    = "carlink"
	DefaultAssocUUID  = "5e2a68a5-27de-4db1-9543-7c7f2c03a2f5"
	DefaultWriteUUID  = "5e2a68a6-27de-4db1-9543-7c7f2c03a2f5"
	DefaultNotifyUUID = "5e2a68a7-27de-4db1-9543-7c7f2c03a2f5"
)

// Config is the top-level configuration.
type Config struct {
	Database   string `toml:"database"`
	ActiveUser int    `toml:"active_user"`
	BLE        BLE    `toml:"ble"`
}

// BLE configures the radio-facing identity.
type BLE struct {
	AdapterName             string `toml:"adapter_name"`
	AssociationServiceUUID  string `toml:"association_service_uuid"`
	WriteCharacteristicUUID string `toml:"write_characteristic_uuid"`
	ReadCharacteristicUUID  string `toml:"read_characteristic_uuid"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Database:   DefaultDatabase,
		ActiveUser: 0,
		BLE: BLE{
			AdapterName:             DefaultAdapter,
			AssociationServiceUUID:  DefaultAssocUUID,
			WriteCharacteristicUUID: DefaultWriteUUID,
			ReadCharacteristicUUID:  DefaultNotifyUUID,
		},
	}
}

// Load reads the configuration at path over the defaults. A missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if _, _, _, err := cfg.BLE.UUIDs(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UUIDs parses the configured service and characteristic identifiers.
func (b BLE) UUIDs() (service, write, read uuid.UUID, err error) {
	if service, err = uuid.Parse(b.AssociationServiceUUID); err != nil {
		return service, write, read, fmt.Errorf("config: association_service_uuid: %w", err)
	}
	if write, err = uuid.Parse(b.WriteCharacteristicUUID); err != nil {
		return service, write, read, fmt.Errorf("config: write_characteristic_uuid: %w", err)
	}
	if read, err = uuid.Parse(b.ReadCharacteristicUUID); err != nil {
		return service, write, read, fmt.Errorf("config: read_characteristic_uuid: %w", err)
	}
	return service, write, read, nil
}
