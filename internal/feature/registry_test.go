package feature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/config"
)

func sampleDef() *config.HardwareDefinition {
	bit0 := uint8(0)
	bit1 := uint8(1)
	return &config.HardwareDefinition{
		Model: "Neuron S103",
		Units: []config.UnitDefinition{
			{
				UnitID:      0,
				TransportID: "neuron_tcp",
				RegisterBlocks: []config.RegisterBlockDefinition{
					{Start: 0, Count: 8, Access: "read"},
					{Start: 100, Count: 4, Access: "read_write"},
				},
				Features: []config.FeatureDefinition{
					{ID: "di_1_01", Kind: "digital_input", Circuit: "di_1_01", Address: 0, Bit: &bit0},
					{ID: "ro_2_01", Kind: "relay_output", Circuit: "ro_2_01", Address: 100, Bit: &bit1, IsCoil: true},
					{ID: "meter_1_voltage", Kind: "meter_field", Circuit: "meter_1_voltage", Address: 0, WordOrder: "word_swapped", UnitOfMeasurement: "V"},
				},
			},
		},
	}
}

func TestNewRegistry_BuildsFeatures(t *testing.T) {
	r, err := NewRegistry([]*config.HardwareDefinition{sampleDef()}, nil)
	require.NoError(t, err)

	di, ok := r.Get("di_1_01")
	require.True(t, ok)
	assert.Equal(t, DigitalInput, di.Kind)
	assert.Equal(t, uint16(0), di.BlockStart)

	meter, ok := r.Get("meter_1_voltage")
	require.True(t, ok)
	assert.Equal(t, uint16(2), meter.RegisterCount)
	assert.Equal(t, WordSwapped, meter.WordOrder)
}

func TestNewRegistry_DuplicateIDFails(t *testing.T) {
	def := sampleDef()
	def.Units[0].Features = append(def.Units[0].Features, def.Units[0].Features[0])

	_, err := NewRegistry([]*config.HardwareDefinition{def}, nil)
	assert.Error(t, err)
}

func TestNewRegistry_UncoveredAddressFails(t *testing.T) {
	def := sampleDef()
	def.Units[0].Features[0].Address = 9999

	_, err := NewRegistry([]*config.HardwareDefinition{def}, nil)
	assert.Error(t, err)
}

func TestRegistry_ByOutputCircuit(t *testing.T) {
	r, err := NewRegistry([]*config.HardwareDefinition{sampleDef()}, nil)
	require.NoError(t, err)

	f, ok := r.ByOutputCircuit("ro_2_01")
	require.True(t, ok)
	assert.Equal(t, "ro_2_01", f.ID)

	_, ok = r.ByOutputCircuit("di_1_01")
	assert.False(t, ok, "digital inputs are not writable outputs")
}

func TestRegistry_IterWritableAndReadable(t *testing.T) {
	r, err := NewRegistry([]*config.HardwareDefinition{sampleDef()}, nil)
	require.NoError(t, err)

	assert.Len(t, r.IterReadable(), 3)
	writable := r.IterWritable()
	require.Len(t, writable, 1)
	assert.Equal(t, "ro_2_01", writable[0].ID)
}

func TestRegistry_AppliesOverrides(t *testing.T) {
	overrides := []config.FeatureOverride{
		{Circuit: "di_1_01", FriendlyName: "Front Door", InvertState: true, ObjectID: "front_door"},
	}
	r, err := NewRegistry([]*config.HardwareDefinition{sampleDef()}, overrides)
	require.NoError(t, err)

	f, ok := r.Get("di_1_01")
	require.True(t, ok)
	assert.Equal(t, "Front Door", f.FriendlyName)
	assert.True(t, f.InvertState)
	assert.Equal(t, "front_door", f.ObjectID)
}

func TestRegistry_DefaultObjectIDFallsBackToFeatureID(t *testing.T) {
	r, err := NewRegistry([]*config.HardwareDefinition{sampleDef()}, nil)
	require.NoError(t, err)

	f, ok := r.Get("di_1_01")
	require.True(t, ok)
	assert.Equal(t, "di_1_01", f.ObjectID)
}
