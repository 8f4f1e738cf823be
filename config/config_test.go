package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, _, _, err = cfg.BLE.UUIDs()
	assert.NoError(t, err, "compiled-in UUIDs must parse")
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
database = "/var/lib/carlink/state.db"
active_user = 7

[ble]
adapter_name = "my-car"
association_service_uuid = "11111111-2222-3333-4444-555555555555"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/carlink/state.db", cfg.Database)
	assert.Equal(t, 7, cfg.ActiveUser)
	assert.Equal(t, "my-car", cfg.BLE.AdapterName)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", cfg.BLE.AssociationServiceUUID)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultWriteUUID, cfg.BLE.WriteCharacteristicUUID)
}

func TestLoadRejectsBadUUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[ble]
write_characteristic_uuid = "not-a-uuid"
`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
