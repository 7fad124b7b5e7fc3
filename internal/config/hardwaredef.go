package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HardwareDefinition describes one Unipi Neuron/Patron model: its Modbus
// units, register blocks, and the feature layout bound to them. These
// files ship with the daemon per supported model (e.g. the Unipi
// Neuron S103 or an SDM120M energy meter) and are immutable at runtime.
type HardwareDefinition struct {
	Model string          `yaml:"model"`
	Units []UnitDefinition `yaml:"units"`
}

// UnitDefinition is one Modbus unit on a named transport.
type UnitDefinition struct {
	UnitID         byte                      `yaml:"unit_id"`
	TransportID    string                    `yaml:"transport_id"`
	RegisterBlocks []RegisterBlockDefinition `yaml:"register_blocks"`
	Features       []FeatureDefinition       `yaml:"features"`
}

// RegisterBlockDefinition is one contiguous range read in a single
// Modbus transaction.
type RegisterBlockDefinition struct {
	Start  uint16 `yaml:"start"`
	Count  uint16 `yaml:"count"`
	Access string `yaml:"access"` // "read" or "read_write"
}

// FeatureDefinition describes one addressable I/O point.
type FeatureDefinition struct {
	ID      string `yaml:"id"`
	Kind    string `yaml:"kind"` // digital_input, digital_output, relay_output, analog_input, analog_output, meter_field
	Circuit string `yaml:"circuit"`
	Address uint16 `yaml:"address"`

	// Digital features only.
	Bit    *uint8 `yaml:"bit,omitempty"`
	IsCoil bool   `yaml:"is_coil,omitempty"`

	// RegValueOn/RegValueOff are the hardware-definition-supplied,
	// pre-packed whole-register values a non-coil (fc6) digital output
	// writes for ON/OFF. §4.C forbids a read-modify-write merge of a
	// single bit into the register, so the definition must pre-pack the
	// full value for both states when is_coil is false.
	RegValueOn  *uint16 `yaml:"reg_value_on,omitempty"`
	RegValueOff *uint16 `yaml:"reg_value_off,omitempty"`

	// Analog/meter features only. Word order resolves the §9 open
	// question explicitly per feature rather than assuming one global
	// byte order.
	WordOrder         string `yaml:"word_order,omitempty"` // big_endian, little_endian, word_swapped
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`

	// RegisterCount is 1 for a plain u16 analog point or 2 for a u16x2
	// IEEE-754 float. Defaults to 2 for meter_field (meters are always
	// two-register floats per §3) and 1 otherwise.
	RegisterCount uint16 `yaml:"register_count,omitempty"`
}

// LoadHardwareDefinition decodes a per-model hardware definition file.
func LoadHardwareDefinition(path string) (*HardwareDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hardware definition: %w", err)
	}

	var def HardwareDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse hardware definition: %w", err)
	}

	return &def, nil
}
