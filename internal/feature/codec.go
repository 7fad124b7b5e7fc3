package feature

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/superbox-dev/unipi-control/internal/modbus"
)

// Decode reads a Feature's current value out of the register cache.
// It returns HasValue=false if the backing block has never been read.
func Decode(f *Feature, cache *modbus.RegisterCache) (Value, error) {
	switch f.Kind {
	case DigitalInput, DigitalOutput, RelayOutput:
		return decodeDigital(f, cache)
	case AnalogInput, AnalogOutput, MeterField:
		return decodeAnalog(f, cache)
	default:
		return Value{}, fmt.Errorf("feature %s: unknown kind", f.ID)
	}
}

func decodeDigital(f *Feature, cache *modbus.RegisterCache) (Value, error) {
	if f.Bit == nil {
		return Value{}, fmt.Errorf("feature %s: digital feature missing bit", f.ID)
	}

	reg, ok := cache.Value(f.UnitID, f.BlockStart, f.Address)
	if !ok {
		return Value{}, nil
	}

	bit := (reg >> *f.Bit) & 1
	b := bit != 0
	if f.Kind == DigitalInput && f.InvertState {
		b = !b
	}
	return BoolValue(b), nil
}

func decodeAnalog(f *Feature, cache *modbus.RegisterCache) (Value, error) {
	if f.RegisterCount <= 1 {
		reg, ok := cache.Value(f.UnitID, f.BlockStart, f.Address)
		if !ok {
			return Value{}, nil
		}
		return FloatValue(float32(reg)), nil
	}

	hi, ok := cache.Value(f.UnitID, f.BlockStart, f.Address)
	if !ok {
		return Value{}, nil
	}
	lo, ok := cache.Value(f.UnitID, f.BlockStart, f.Address+1)
	if !ok {
		return Value{}, nil
	}

	bits := assembleWords(hi, lo, f.WordOrder)
	return FloatValue(math.Float32frombits(bits)), nil
}

// assembleWords combines two 16-bit registers into the 32-bit pattern
// an IEEE-754 float32 decodes from, honoring the feature's configured
// word order (§9 open question, resolved per feature).
func assembleWords(reg0, reg1 uint16, order WordOrder) uint32 {
	switch order {
	case LittleEndian:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint16(buf[0:2], reg0)
		binary.LittleEndian.PutUint16(buf[2:4], reg1)
		return binary.LittleEndian.Uint32(buf)
	case WordSwapped:
		return uint32(reg1)<<16 | uint32(reg0)
	default: // BigEndian
		return uint32(reg0)<<16 | uint32(reg1)
	}
}

// disassembleWords is the write-side inverse of assembleWords.
func disassembleWords(bits uint32, order WordOrder) (reg0, reg1 uint16) {
	switch order {
	case LittleEndian:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, bits)
		return binary.LittleEndian.Uint16(buf[0:2]), binary.LittleEndian.Uint16(buf[2:4])
	case WordSwapped:
		return uint16(bits & 0xFFFF), uint16(bits >> 16)
	default: // BigEndian
		return uint16(bits >> 16), uint16(bits & 0xFFFF)
	}
}

// EncodeWrite builds the PendingCommand that applies v to a writable
// feature. §4.C forbids inventing a read-modify-write path: coil bits
// go out via function code 5, and a register-packed bit must already
// be pre-packed by the hardware definition — this daemon writes the
// whole register value it is given, never merges it with a prior read.
func EncodeWrite(f *Feature, v Value) (modbus.PendingCommand, error) {
	if !f.Kind.Writable() {
		return modbus.PendingCommand{}, fmt.Errorf("feature %s: not writable", f.ID)
	}

	switch f.Kind {
	case DigitalOutput, RelayOutput:
		if f.Bit == nil {
			return modbus.PendingCommand{}, fmt.Errorf("feature %s: digital feature missing bit", f.ID)
		}
		if f.IsCoil {
			return modbus.PendingCommand{
				Unit:      f.UnitID,
				Address:   f.Address,
				Kind:      modbus.SetCoil,
				CoilValue: v.Bool,
			}, nil
		}
		regValue := f.RegValueOff
		if v.Bool {
			regValue = f.RegValueOn
		}
		return modbus.PendingCommand{
			Unit:     f.UnitID,
			Address:  f.Address,
			Kind:     modbus.SetRegister,
			RegValue: regValue,
		}, nil

	case AnalogOutput:
		if f.RegisterCount <= 1 {
			return modbus.PendingCommand{
				Unit:     f.UnitID,
				Address:  f.Address,
				Kind:     modbus.SetRegister,
				RegValue: uint16(v.Float32),
			}, nil
		}
		return modbus.PendingCommand{}, fmt.Errorf("feature %s: two-register analog output write not supported", f.ID)

	default:
		return modbus.PendingCommand{}, fmt.Errorf("feature %s: not writable", f.ID)
	}
}
