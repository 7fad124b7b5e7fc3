package scan

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/logger"
	"github.com/superbox-dev/unipi-control/internal/modbus"
)

// writeInterleaveN is the N=4 read-before-write fairness constant from
// §4.D step 4.
const writeInterleaveN = 4

type blockSpec struct {
	unit    byte
	start   uint16
	count   uint16
	holding bool // true: function code 3; false: function code 4
}

type blockKey struct {
	unit  byte
	start uint16
}

// Loop is one Scan Loop task, owning exactly one Modbus transport.
type Loop struct {
	transportID string
	transport   modbus.Transport
	cache       *modbus.RegisterCache
	queue       *modbus.CommandQueue
	events      *EventBus

	blocks          []blockSpec
	featuresByBlock map[blockKey][]*feature.Feature
	lastValues      map[string]feature.Value

	interval         time.Duration
	degradedInterval time.Duration
	readsSinceWrite  int

	exceptionThrottle *modbus.ExceptionLogThrottle

	onDegradedChange func(transportID string, degraded bool)
	lastDegraded     bool
}

// NewLoop builds a Scan Loop over the register blocks and features that
// belong to transportID. units must already be filtered to this
// transport; registry may contain features for other transports too
// (only the matching ones are wired in).
func NewLoop(transportID string, transport modbus.Transport, cache *modbus.RegisterCache, queue *modbus.CommandQueue, registry *feature.Registry, units []config.UnitDefinition, interval, degradedInterval time.Duration) *Loop {
	l := &Loop{
		transportID:      transportID,
		transport:        transport,
		cache:            cache,
		queue:            queue,
		events:           NewEventBus(),
		featuresByBlock:  make(map[blockKey][]*feature.Feature),
		lastValues:       make(map[string]feature.Value),
		interval:         interval,
		degradedInterval: degradedInterval,
	}

	seen := make(map[blockKey]blockSpec)
	for _, unit := range units {
		for _, b := range unit.RegisterBlocks {
			seen[blockKey{unit: unit.UnitID, start: b.Start}] = blockSpec{
				unit:    unit.UnitID,
				start:   b.Start,
				count:   b.Count,
				holding: b.Access == "read_write",
			}
		}
	}
	for _, b := range seen {
		l.blocks = append(l.blocks, b)
	}
	sort.Slice(l.blocks, func(i, j int) bool {
		if l.blocks[i].unit != l.blocks[j].unit {
			return l.blocks[i].unit < l.blocks[j].unit
		}
		return l.blocks[i].start < l.blocks[j].start
	})

	for _, f := range registry.IterReadable() {
		if f.TransportID != transportID {
			continue
		}
		key := blockKey{unit: f.UnitID, start: f.BlockStart}
		l.featuresByBlock[key] = append(l.featuresByBlock[key], f)
	}

	return l
}

// SetExceptionThrottle wires the once-per-(unit,address)-per-minute
// log throttle (§7) into the loop. Optional: a Loop with no throttle
// set logs every ModbusExceptionError, which is fine for tests.
func (l *Loop) SetExceptionThrottle(t *modbus.ExceptionLogThrottle) {
	l.exceptionThrottle = t
}

// SetDegradedCallback wires a notification fired on every transition of
// this transport's Degraded() state, keyed by transportID so a caller
// tracking several transports can tell which one changed. Optional: a
// Loop with no callback set simply doesn't surface degradation to MQTT,
// which is fine for tests that don't exercise a Plane.
func (l *Loop) SetDegradedCallback(fn func(transportID string, degraded bool)) {
	l.onDegradedChange = fn
}

// checkDegradedTransition fires onDegradedChange exactly once per edge
// (never repeatedly while a transport stays degraded or healthy).
func (l *Loop) checkDegradedTransition() {
	degraded := l.transport.Degraded()
	if degraded == l.lastDegraded {
		return
	}
	l.lastDegraded = degraded
	if l.onDegradedChange != nil {
		l.onDegradedChange(l.transportID, degraded)
	}
}

// Events returns the bus the daemon wiring drains to forward
// FeatureChanged notifications to the MQTT Plane.
func (l *Loop) Events() *EventBus { return l.events }

// ScanOnce runs a single synchronous pass over every readable block.
// The daemon wiring calls it once at startup, before Run's background
// loop begins, so the initial MQTT state publish (§4.G) has a populated
// cache to decode from.
func (l *Loop) ScanOnce(ctx context.Context) {
	l.scanOnce(ctx)
	l.checkDegradedTransition()
}

// Run drives the loop until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	log := logger.WithTransport(l.transportID)
	log.Info("scan loop starting", zap.Int("blocks", len(l.blocks)))

	for {
		interval := l.currentInterval()
		select {
		case <-ctx.Done():
			log.Info("scan loop stopping")
			return
		case <-time.After(interval):
		}

		l.scanOnce(ctx)
		l.checkDegradedTransition()
	}
}

func (l *Loop) currentInterval() time.Duration {
	if l.transport.Degraded() {
		return l.degradedInterval
	}
	return l.interval
}

// scanOnce performs one pass over every readable block, in deterministic
// order, interleaving at most one pending write per N=4 reads.
func (l *Loop) scanOnce(ctx context.Context) {
	log := logger.WithTransport(l.transportID)

	for _, block := range l.blocks {
		var regs []uint16
		var err error
		if block.holding {
			regs, err = l.transport.ReadHolding(ctx, block.unit, block.start, block.count)
		} else {
			regs, err = l.transport.ReadInput(ctx, block.unit, block.start, block.count)
		}

		if err != nil {
			l.logReadError(log, block, err)
		} else {
			l.handleBlockRead(block, regs)
		}

		l.readsSinceWrite++
		if l.queue.DeadlinePassed(time.Now()) || l.readsSinceWrite >= writeInterleaveN {
			l.serviceOneCommand(ctx)
			l.readsSinceWrite = 0
		}
	}
}

// logReadError logs a failed block read. A ModbusExceptionError is the
// peer rejecting the request rather than a transport fault (§7): the
// affected feature's last good value stays published, and the warning
// is throttled to once per (unit, address) per minute so a
// persistently-faulted register doesn't flood the log. Every other
// error (TransportIoError, FramingError) is handled by the transport's
// own health tracker and only needs a debug breadcrumb here.
func (l *Loop) logReadError(log *zap.Logger, block blockSpec, err error) {
	var exc *modbus.ModbusExceptionError
	if errors.As(err, &exc) {
		if l.exceptionThrottle == nil || l.exceptionThrottle.ShouldLog(block.unit, block.start) {
			log.Warn("modbus exception reading block",
				zap.Uint8("unit", block.unit), zap.Uint16("start", block.start), zap.Error(err))
		}
		return
	}
	log.Debug("block read failed", zap.Uint8("unit", block.unit), zap.Uint16("start", block.start), zap.Error(err))
}

func (l *Loop) handleBlockRead(block blockSpec, regs []uint16) {
	_, changed := l.cache.UpdateBlock(block.unit, block.start, regs)
	if !changed {
		return
	}

	key := blockKey{unit: block.unit, start: block.start}
	for _, f := range l.featuresByBlock[key] {
		newVal, err := feature.Decode(f, l.cache)
		if err != nil {
			logger.WithFeature(f.ID, f.Circuit).Warn("decode failed", zap.Error(err))
			continue
		}

		oldVal := l.lastValues[f.ID]
		if !oldVal.Equal(newVal) {
			l.events.Push(FeatureChanged{FeatureID: f.ID, Old: oldVal, New: newVal})
			l.lastValues[f.ID] = newVal
		}
	}
}

// serviceOneCommand pops and executes at most one pending write. Writes
// never starve: it runs every N=4 reads or immediately once a queued
// command's deadline has passed.
func (l *Loop) serviceOneCommand(ctx context.Context) {
	cmd, completion, ok := l.queue.Pop()
	if !ok {
		return
	}

	var err error
	switch cmd.Kind {
	case modbus.SetCoil:
		err = l.transport.WriteSingleCoil(ctx, cmd.Unit, cmd.Address, cmd.CoilValue)
	case modbus.SetRegister:
		err = l.transport.WriteSingleRegister(ctx, cmd.Unit, cmd.Address, cmd.RegValue)
	}

	if err != nil {
		logger.WithTransport(l.transportID).Warn("command write failed",
			zap.Uint8("unit", cmd.Unit), zap.Uint16("address", cmd.Address), zap.Error(err))
	}

	l.queue.Complete(cmd, completion, err)
}
