package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/modbus"
)

func u8(v uint8) *uint8 { return &v }

func TestDecodeDigital_Bit(t *testing.T) {
	cache := modbus.NewRegisterCache()
	cache.UpdateBlock(0, 100, []uint16{0b0000_0110})

	f := &Feature{ID: "di_1", Kind: DigitalInput, UnitID: 0, Address: 100, BlockStart: 100, Bit: u8(1)}
	v, err := Decode(f, cache)
	require.NoError(t, err)
	assert.True(t, v.HasValue)
	assert.True(t, v.Bool)

	f2 := &Feature{ID: "di_2", Kind: DigitalInput, UnitID: 0, Address: 100, BlockStart: 100, Bit: u8(0)}
	v2, err := Decode(f2, cache)
	require.NoError(t, err)
	assert.False(t, v2.Bool)
}

func TestDecodeDigital_InvertState(t *testing.T) {
	cache := modbus.NewRegisterCache()
	cache.UpdateBlock(0, 100, []uint16{0b0000_0001})

	f := &Feature{ID: "di_1", Kind: DigitalInput, UnitID: 0, Address: 100, BlockStart: 100, Bit: u8(0), InvertState: true}
	v, err := Decode(f, cache)
	require.NoError(t, err)
	assert.False(t, v.Bool)
}

func TestDecodeDigital_NoReadYet(t *testing.T) {
	cache := modbus.NewRegisterCache()
	f := &Feature{ID: "di_1", Kind: DigitalInput, UnitID: 0, Address: 100, BlockStart: 100, Bit: u8(0)}
	v, err := Decode(f, cache)
	require.NoError(t, err)
	assert.False(t, v.HasValue)
}

func TestDecodeAnalog_SingleRegister(t *testing.T) {
	cache := modbus.NewRegisterCache()
	cache.UpdateBlock(0, 0, []uint16{4200})

	f := &Feature{ID: "ai_1", Kind: AnalogInput, UnitID: 0, Address: 0, BlockStart: 0, RegisterCount: 1}
	v, err := Decode(f, cache)
	require.NoError(t, err)
	assert.Equal(t, float32(4200), v.Float32)
}

func TestDecodeAnalog_TwoRegisterFloat_BigEndian(t *testing.T) {
	bits := math.Float32bits(230.5)
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)

	cache := modbus.NewRegisterCache()
	cache.UpdateBlock(0, 0, []uint16{hi, lo})

	f := &Feature{ID: "meter_v", Kind: MeterField, UnitID: 0, Address: 0, BlockStart: 0, RegisterCount: 2, WordOrder: BigEndian}
	v, err := Decode(f, cache)
	require.NoError(t, err)
	assert.InDelta(t, 230.5, v.Float32, 0.001)
}

func TestDecodeAnalog_TwoRegisterFloat_WordSwapped(t *testing.T) {
	bits := math.Float32bits(230.5)
	hi := uint16(bits >> 16)
	lo := uint16(bits & 0xFFFF)

	cache := modbus.NewRegisterCache()
	// word-swapped: low word arrives first on the wire
	cache.UpdateBlock(0, 0, []uint16{lo, hi})

	f := &Feature{ID: "meter_v", Kind: MeterField, UnitID: 0, Address: 0, BlockStart: 0, RegisterCount: 2, WordOrder: WordSwapped}
	v, err := Decode(f, cache)
	require.NoError(t, err)
	assert.InDelta(t, 230.5, v.Float32, 0.001)
}

func TestEncodeWrite_CoilBit(t *testing.T) {
	f := &Feature{ID: "ro_1", Kind: RelayOutput, UnitID: 2, Address: 0, Bit: u8(3), IsCoil: true}
	cmd, err := EncodeWrite(f, BoolValue(true))
	require.NoError(t, err)
	assert.Equal(t, modbus.SetCoil, cmd.Kind)
	assert.True(t, cmd.CoilValue)
	assert.Equal(t, uint16(0), cmd.Address)
}

func TestEncodeWrite_RegisterPacked(t *testing.T) {
	// §4.C: a non-coil digital output must never reconstruct a single
	// bit into the register; it writes the hardware-definition-supplied
	// pre-packed whole-register value for the target state.
	f := &Feature{ID: "ro_1", Kind: RelayOutput, UnitID: 2, Address: 50, Bit: u8(3), IsCoil: false, RegValueOn: 0x0208, RegValueOff: 0x0200}
	cmd, err := EncodeWrite(f, BoolValue(true))
	require.NoError(t, err)
	assert.Equal(t, modbus.SetRegister, cmd.Kind)
	assert.Equal(t, uint16(0x0208), cmd.RegValue)

	cmd, err = EncodeWrite(f, BoolValue(false))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0200), cmd.RegValue)
}

func TestEncodeWrite_NotWritable(t *testing.T) {
	f := &Feature{ID: "di_1", Kind: DigitalInput, Bit: u8(0)}
	_, err := EncodeWrite(f, BoolValue(true))
	assert.Error(t, err)
}

func TestValueEqual(t *testing.T) {
	assert.True(t, Value{}.Equal(Value{}))
	assert.False(t, Value{}.Equal(BoolValue(true)))
	assert.True(t, BoolValue(true).Equal(BoolValue(true)))
	assert.False(t, BoolValue(true).Equal(BoolValue(false)))
}
