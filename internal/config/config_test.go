package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/security"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "device_name: testbox\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "testbox", cfg.DeviceName)
	assert.Equal(t, "127.0.0.1", cfg.Modbus.Neuron.Host)
	assert.Equal(t, 502, cfg.Modbus.Neuron.Port)
	assert.Equal(t, "localhost", cfg.MQTT.Broker)
	assert.Equal(t, 10, cfg.MQTT.RetryLimit)
	assert.False(t, cfg.HomeAssistant.Enabled)
	assert.Equal(t, "homeassistant", cfg.HomeAssistant.DiscoveryPrefix)
	assert.False(t, cfg.Advanced.PersistentTmpDir)
}

func TestLoad_PlaintextPasswordWins(t *testing.T) {
	path := writeTempConfig(t, `
device_name: testbox
mqtt:
  password: plain-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plain-secret", cfg.MQTT.Password)
}

func TestLoad_DecryptsEncryptedPassword(t *testing.T) {
	box := security.NewSecretBox("super-secret-passphrase", "testbox")
	ciphertext, err := box.EncryptSecret("broker-password")
	require.NoError(t, err)

	path := writeTempConfig(t, `
device_name: testbox
mqtt:
  password_encrypted: "`+ciphertext+`"
`)

	t.Setenv("UNIPI_SECRET_PASSPHRASE", "super-secret-passphrase")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker-password", cfg.MQTT.Password)
}

func TestLoad_EncryptedPasswordWithoutPassphraseFails(t *testing.T) {
	path := writeTempConfig(t, `
device_name: testbox
mqtt:
  password_encrypted: "c29tZS1jaXBoZXJ0ZXh0"
`)

	t.Setenv("UNIPI_SECRET_PASSPHRASE", "")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadHardwareDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "neuron_s103.yaml")
	contents := `
model: Neuron S103
units:
  - unit_id: 0
    transport_id: neuron_tcp
    register_blocks:
      - start: 0
        count: 8
        access: read
      - start: 100
        count: 4
        access: read_write
    features:
      - id: di_1_01
        kind: digital_input
        circuit: di_1_01
        address: 0
        bit: 0
      - id: ro_2_01
        kind: relay_output
        circuit: ro_2_01
        address: 100
        bit: 0
        is_coil: true
      - id: meter_1_voltage
        kind: meter_field
        circuit: meter_1_voltage
        address: 0
        word_order: word_swapped
        unit_of_measurement: V
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	def, err := LoadHardwareDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, "Neuron S103", def.Model)
	require.Len(t, def.Units, 1)
	unit := def.Units[0]
	assert.Equal(t, byte(0), unit.UnitID)
	require.Len(t, unit.RegisterBlocks, 2)
	require.Len(t, unit.Features, 3)
	assert.Equal(t, "word_swapped", unit.Features[2].WordOrder)
	require.NotNil(t, unit.Features[0].Bit)
	assert.Equal(t, uint8(0), *unit.Features[0].Bit)
}
