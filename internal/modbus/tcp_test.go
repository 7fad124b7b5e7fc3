package modbus

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer replies to one MBAP request with a canned PDU, echoing the
// transaction ID back so the client-side framing logic can be exercised
// without a real Neuron on the other end.
func fakeServer(t *testing.T, conn net.Conn, pdu []byte) {
	t.Helper()
	go func() {
		header := make([]byte, 12)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		txID := header[0:2]

		resp := make([]byte, 7+len(pdu))
		copy(resp[0:2], txID)
		binary.BigEndian.PutUint16(resp[2:4], 0)
		binary.BigEndian.PutUint16(resp[4:6], uint16(1+len(pdu)))
		resp[6] = header[6] // unit id
		copy(resp[7:], pdu)
		conn.Write(resp)
	}()
}

func newConnectedTCPTransport(t *testing.T) (*TCPTransport, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	tr := NewTCPTransport("neuron_tcp", "unused", 0, 200*time.Millisecond)
	tr.conn = clientConn
	t.Cleanup(func() { tr.Close() })
	return tr, serverConn
}

func TestTCPTransport_ReadHolding(t *testing.T) {
	tr, server := newConnectedTCPTransport(t)

	// function code 0x03, byte count 4, two registers: 0x1234, 0x5678
	pdu := []byte{0x03, 0x04, 0x12, 0x34, 0x56, 0x78}
	fakeServer(t, server, pdu)

	regs, err := tr.ReadHolding(context.Background(), 1, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234, 0x5678}, regs)
	assert.False(t, tr.Degraded())
}

func TestTCPTransport_ExceptionResponse(t *testing.T) {
	tr, server := newConnectedTCPTransport(t)

	// function code 0x83 (0x03 | 0x80), exception code 0x02 (illegal address)
	pdu := []byte{0x83, 0x02}
	fakeServer(t, server, pdu)

	_, err := tr.ReadHolding(context.Background(), 1, 10, 2)
	require.Error(t, err)
	var exc *ModbusExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, byte(0x02), exc.ExceptionCode)
}

func TestTCPTransport_WriteSingleCoil_BuildsCorrectValue(t *testing.T) {
	tr, server := newConnectedTCPTransport(t)

	pdu := []byte{0x05, 0xFF, 0x00} // echo of the write, simplified
	fakeServer(t, server, pdu)

	err := tr.WriteSingleCoil(context.Background(), 1, 3, true)
	require.NoError(t, err)
}

func TestTCPTransport_DegradesAfterThreeFailures(t *testing.T) {
	tr := NewTCPTransport("neuron_tcp", "127.0.0.1", 1, 10*time.Millisecond)
	// port 1 on loopback should refuse immediately.
	for i := 0; i < degradedThreshold; i++ {
		_, err := tr.ReadHolding(context.Background(), 1, 0, 1)
		assert.Error(t, err)
	}
	assert.True(t, tr.Degraded())
}
