package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// RTUTransport is the RS-485 link to attached meters (e.g. an SDM120M).
// Framing is plain RTU: unit id + PDU + CRC-16, no MBAP header. Like
// TCPTransport it serializes every request behind mu (§4.A, §5).
type RTUTransport struct {
	id       string
	portName string
	mode     *serial.Mode
	timeout  time.Duration

	mu   sync.Mutex
	port serial.Port

	health *healthTracker
}

// NewRTUTransport creates a serial RTU transport for the given port.
// parity is one of "none", "odd", "even".
func NewRTUTransport(id, portName string, baud, dataBits, stopBits int, parity string, timeout time.Duration) *RTUTransport {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: dataBits,
	}
	switch stopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	return &RTUTransport{
		id:       id,
		portName: portName,
		mode:     mode,
		timeout:  timeout,
		health:   newHealthTracker(id),
	}
}

func (t *RTUTransport) ID() string { return t.id }

func (t *RTUTransport) Degraded() bool { return t.health.isDegraded() }

func (t *RTUTransport) ReadHolding(ctx context.Context, unit byte, start, count uint16) ([]uint16, error) {
	return t.readRegisters(ctx, funcReadHolding, unit, start, count)
}

func (t *RTUTransport) ReadInput(ctx context.Context, unit byte, start, count uint16) ([]uint16, error) {
	return t.readRegisters(ctx, funcReadInput, unit, start, count)
}

func (t *RTUTransport) WriteSingleCoil(ctx context.Context, unit byte, address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := t.transact(ctx, unit, funcWriteSingleCoil, address, v)
	return err
}

func (t *RTUTransport) WriteSingleRegister(ctx context.Context, unit byte, address uint16, value uint16) error {
	_, err := t.transact(ctx, unit, funcWriteSingleReg, address, value)
	return err
}

func (t *RTUTransport) readRegisters(ctx context.Context, funcCode byte, unit byte, start, count uint16) ([]uint16, error) {
	pdu, err := t.transact(ctx, unit, funcCode, start, count)
	if err != nil {
		return nil, err
	}

	if len(pdu) < 1 {
		return nil, &FramingError{TransportID: t.id, Detail: "empty PDU"}
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, &FramingError{TransportID: t.id, Detail: "short register payload"}
	}

	regs := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		regs[i] = binary.BigEndian.Uint16(pdu[2+int(i)*2:])
	}
	return regs, nil
}

// transact sends one CRC-framed RTU request and returns the PDU
// (unit id stripped, CRC verified and stripped, exception checked).
func (t *RTUTransport) transact(ctx context.Context, unit byte, funcCode byte, p1, p2 uint16) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpenLocked(); err != nil {
		t.health.recordFailure()
		return nil, err
	}

	request := make([]byte, 6)
	request[0] = unit
	request[1] = funcCode
	binary.BigEndian.PutUint16(request[2:], p1)
	binary.BigEndian.PutUint16(request[4:], p2)
	request = addCRC(request)

	t.port.ResetInputBuffer()
	t.port.SetReadTimeout(t.timeout)

	if _, err := t.port.Write(request); err != nil {
		t.closeLocked()
		t.health.recordFailure()
		return nil, &TransportIoError{TransportID: t.id, Err: err}
	}

	response, err := t.readResponse()
	if err != nil {
		t.closeLocked()
		t.health.recordFailure()
		return nil, err
	}

	if !verifyCRC(response) {
		t.closeLocked()
		t.health.recordFailure()
		return nil, &FramingError{TransportID: t.id, Detail: "CRC mismatch"}
	}

	t.health.recordSuccess()

	pdu := response[1 : len(response)-2] // strip unit id and CRC
	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, &ModbusExceptionError{UnitID: unit, Address: p1, ExceptionCode: pdu[1]}
	}

	return pdu, nil
}

// readResponse reads until the read deadline or at least a minimal RTU
// frame (unit + func + 1 byte count + CRC) has arrived.
func (t *RTUTransport) readResponse() ([]byte, error) {
	const minFrame = 5
	buf := make([]byte, 256)
	total := 0

	deadline := time.Now().Add(t.timeout)
	for total < minFrame && time.Now().Before(deadline) {
		n, err := t.port.Read(buf[total:])
		if err != nil {
			return nil, &TransportIoError{TransportID: t.id, Err: err}
		}
		if n == 0 {
			break
		}
		total += n
	}

	if total < minFrame {
		return nil, &TransportIoError{TransportID: t.id, Err: fmt.Errorf("incomplete response: got %d bytes", total)}
	}

	return buf[:total], nil
}

func (t *RTUTransport) ensureOpenLocked() error {
	if t.port != nil {
		return nil
	}

	if !t.health.readyToDial() {
		return &TransportIoError{TransportID: t.id, Err: fmt.Errorf("backing off from reopen")}
	}

	port, err := serial.Open(t.portName, t.mode)
	if err != nil {
		t.health.scheduleRetry()
		return &TransportIoError{TransportID: t.id, Err: err}
	}

	t.port = port
	return nil
}

func (t *RTUTransport) closeLocked() {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
}

func (t *RTUTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

// addCRC appends the Modbus CRC-16 to data.
func addCRC(data []byte) []byte {
	crc := calculateCRC(data)
	return append(data, byte(crc&0xFF), byte(crc>>8))
}

// verifyCRC checks the trailing CRC-16 of an RTU frame.
func verifyCRC(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	received := uint16(data[len(data)-1])<<8 | uint16(data[len(data)-2])
	calculated := calculateCRC(data[:len(data)-2])
	return received == calculated
}

// calculateCRC computes the standard Modbus CRC-16 (polynomial 0xA001).
func calculateCRC(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
