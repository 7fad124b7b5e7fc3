package modbus

import "fmt"

// TransportIoError wraps a socket/serial read or write failure. The
// transport retries with backoff and marks itself degraded after three
// consecutive occurrences (§4.A, §7); it is never surfaced per-event,
// only through the transport's Degraded() status and the MQTT
// availability topic.
type TransportIoError struct {
	TransportID string
	Err         error
}

func (e *TransportIoError) Error() string {
	return fmt.Sprintf("transport %s: i/o error: %v", e.TransportID, e.Err)
}

func (e *TransportIoError) Unwrap() error { return e.Err }

// FramingError is a CRC (RTU) or MBAP length (TCP) mismatch. Per §7 it is
// treated identically to TransportIoError.
type FramingError struct {
	TransportID string
	Detail      string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("transport %s: framing error: %s", e.TransportID, e.Detail)
}

// ModbusExceptionError is an exception frame returned by the peer. The
// affected feature's last good value stays published; the caller is
// responsible for the once-per-(unit,address)-per-minute log throttle
// (§7).
type ModbusExceptionError struct {
	UnitID       byte
	Address      uint16
	ExceptionCode byte
}

func (e *ModbusExceptionError) Error() string {
	return fmt.Sprintf("modbus exception: unit=%d address=%d code=0x%02x", e.UnitID, e.Address, e.ExceptionCode)
}

// CommandTimeoutError describes a pending write that exceeded 3x the
// scan interval with no reply (§7). No code in this module returns it:
// the command queue never expires a queued write, and a submitter's
// completion handle resolves only when the Scan Loop performs the write
// or a newer write to the same address supersedes it.
type CommandTimeoutError struct {
	UnitID  byte
	Address uint16
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command timeout: unit=%d address=%d", e.UnitID, e.Address)
}
