package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/logger"
)

// TCPTransport is the MBAP-framed link to the on-board Neuron
// coprocessor. It owns exactly one net.Conn and serializes every
// request behind mu, matching the "one outstanding frame at a time"
// requirement of §4.A and §5.
type TCPTransport struct {
	id      string
	addr    string
	timeout time.Duration

	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16

	health *healthTracker
}

// NewTCPTransport creates a TCP transport. It does not dial until the
// first operation; the Scan Loop's first read establishes the
// connection.
func NewTCPTransport(id, host string, port int, timeout time.Duration) *TCPTransport {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &TCPTransport{
		id:      id,
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: timeout,
		health:  newHealthTracker(id),
	}
}

func (t *TCPTransport) ID() string { return t.id }

func (t *TCPTransport) Degraded() bool { return t.health.isDegraded() }

func (t *TCPTransport) ReadHolding(ctx context.Context, unit byte, start, count uint16) ([]uint16, error) {
	return t.readRegisters(ctx, funcReadHolding, unit, start, count)
}

func (t *TCPTransport) ReadInput(ctx context.Context, unit byte, start, count uint16) ([]uint16, error) {
	return t.readRegisters(ctx, funcReadInput, unit, start, count)
}

func (t *TCPTransport) WriteSingleCoil(ctx context.Context, unit byte, address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := t.transact(ctx, unit, funcWriteSingleCoil, address, v)
	return err
}

func (t *TCPTransport) WriteSingleRegister(ctx context.Context, unit byte, address uint16, value uint16) error {
	_, err := t.transact(ctx, unit, funcWriteSingleReg, address, value)
	return err
}

func (t *TCPTransport) readRegisters(ctx context.Context, funcCode byte, unit byte, start, count uint16) ([]uint16, error) {
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

// transact sends one MBAP-framed request and returns the PDU (function
// code + payload, exception byte already checked).
func (t *TCPTransport) transact(ctx context.Context, unit byte, funcCode byte, p1, p2 uint16) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnLocked(ctx); err != nil {
		t.health.recordFailure()
		return nil, err
	}

	t.transactionID++
	request := make([]byte, 12)
	binary.BigEndian.PutUint16(request[0:], t.transactionID)
	binary.BigEndian.PutUint16(request[2:], 0) // protocol ID
	binary.BigEndian.PutUint16(request[4:], 6) // PDU length: unit+func+2x uint16
	request[6] = unit
	request[7] = funcCode
	binary.BigEndian.PutUint16(request[8:], p1)
	binary.BigEndian.PutUint16(request[10:], p2)

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetDeadline(deadline)

	if _, err := t.conn.Write(request); err != nil {
		t.closeLocked()
		t.health.recordFailure()
		return nil, &TransportIoError{TransportID: t.id, Err: err}
	}

	header := make([]byte, 7)
	if _, err := readFull(t.conn, header); err != nil {
		t.closeLocked()
		t.health.recordFailure()
		return nil, &TransportIoError{TransportID: t.id, Err: err}
	}

	pduLen := binary.BigEndian.Uint16(header[4:])
	if pduLen == 0 || pduLen > 253 {
		t.closeLocked()
		t.health.recordFailure()
		return nil, &FramingError{TransportID: t.id, Detail: "invalid MBAP length"}
	}

	// header already consumed the unit id byte that the length field
	// counts, so only pduLen-1 bytes (func code + data) remain to read.
	pdu := make([]byte, pduLen-1)
	if _, err := readFull(t.conn, pdu); err != nil {
		t.closeLocked()
		t.health.recordFailure()
		return nil, &TransportIoError{TransportID: t.id, Err: err}
	}

	t.health.recordSuccess()

	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, &ModbusExceptionError{UnitID: unit, Address: p1, ExceptionCode: pdu[1]}
	}

	return pdu, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ensureConnLocked dials with exponential backoff (capped at 30s per
// §4.A) when there is no live connection. It never blocks for the
// backoff window itself: while backing off it fails fast so the Scan
// Loop's own pacing governs the retry cadence. Caller must hold mu.
func (t *TCPTransport) ensureConnLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	if !t.health.readyToDial() {
		return &TransportIoError{TransportID: t.id, Err: fmt.Errorf("backing off from reconnect")}
	}

	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		delay := t.health.scheduleRetry()
		logger.WithTransport(t.id).Debug("dial failed, will retry after backoff",
			zap.Duration("backoff", delay), zap.Error(err))
		return &TransportIoError{TransportID: t.id, Err: err}
	}

	t.conn = conn
	return nil
}

func (t *TCPTransport) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}
