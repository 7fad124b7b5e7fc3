// Package modbus owns the physical Modbus links (§4.A), the in-memory
// register cache (§4.B), and the per-transport command queue (§4.E).
package modbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/logger"
)

// Modbus function codes used by this daemon. Only the four operations
// §4.A names are implemented; no read-coils/read-discrete codes are
// used because Unipi digital I/O is read back through holding/input
// registers, never raw coil reads (§4.C).
const (
	funcReadHolding      = 0x03
	funcReadInput        = 0x04
	funcWriteSingleCoil  = 0x05
	funcWriteSingleReg   = 0x06
)

const (
	// DefaultFrameTimeout is the 1s default per §4.A.
	DefaultFrameTimeout = time.Second

	// degradedThreshold is the consecutive-timeout count that marks a
	// transport degraded (§4.A, §7).
	degradedThreshold = 3

	// maxBackoff caps the reconnect backoff (§4.A).
	maxBackoff = 30 * time.Second

	initialBackoff = 500 * time.Millisecond
)

// Transport is the operation set the Scan Loop drives: its block reads,
// and the writes it takes from the Command Queue on behalf of MQTT
// handlers and Cover Controllers. Every operation is serialized per-transport: at most
// one outstanding frame at a time on a given serial port or TCP
// connection (§5 Ordering guarantees).
type Transport interface {
	// ID identifies the transport for logging and availability topics.
	ID() string

	ReadHolding(ctx context.Context, unit byte, start, count uint16) ([]uint16, error)
	ReadInput(ctx context.Context, unit byte, start, count uint16) ([]uint16, error)
	WriteSingleCoil(ctx context.Context, unit byte, address uint16, value bool) error
	WriteSingleRegister(ctx context.Context, unit byte, address uint16, value uint16) error

	// Degraded reports whether the transport has seen >= 3 consecutive
	// I/O failures and has not yet recovered.
	Degraded() bool

	// Close releases the underlying socket/serial handle.
	Close() error
}

// healthTracker is held by each transport implementation. It
// centralizes the "3 consecutive timeouts -> degraded, one warning per
// state transition" bookkeeping shared by TCP and RTU so neither
// implementation reinvents it.
type healthTracker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	degraded            bool
	backoff             time.Duration
	nextDialAt          time.Time
	transportID         string
}

func newHealthTracker(transportID string) *healthTracker {
	return &healthTracker{transportID: transportID, backoff: initialBackoff}
}

// recordSuccess clears the failure streak and, if the transport was
// degraded, logs exactly one recovery warning.
func (h *healthTracker) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures = 0
	h.backoff = initialBackoff
	h.nextDialAt = time.Time{}
	if h.degraded {
		h.degraded = false
		logger.WithTransport(h.transportID).Warn("transport recovered, resuming normal poll rate")
	}
}

// recordFailure increments the failure streak and, on crossing the
// degraded threshold, logs exactly one warning for that state
// transition (never one per retry, per §4.A).
func (h *healthTracker) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFailures++
	if h.consecutiveFailures == degradedThreshold && !h.degraded {
		h.degraded = true
		logger.WithTransport(h.transportID).Warn("transport degraded after consecutive failures",
			zap.Int("consecutive_failures", h.consecutiveFailures))
	}
}

func (h *healthTracker) isDegraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// readyToDial reports whether enough time has passed since the last
// failed dial attempt. Reconnection never blocks the caller for the
// length of the backoff window: it is a non-blocking gate the Scan
// Loop's own pacing (0.2s/0.5s/5s) naturally re-checks on every pass.
func (h *healthTracker) readyToDial() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Now().After(h.nextDialAt)
}

// scheduleRetry doubles the backoff (capped at maxBackoff, §4.A) and
// arms nextDialAt so readyToDial blocks further attempts until it
// elapses.
func (h *healthTracker) scheduleRetry() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.backoff
	h.nextDialAt = time.Now().Add(d)
	h.backoff *= 2
	if h.backoff > maxBackoff {
		h.backoff = maxBackoff
	}
	return d
}
