// Command unipi-control is the daemon entrypoint: it loads configuration,
// wires every Modbus transport to its Scan Loop and Command Queue, starts
// one Cover Controller per configured cover, connects the MQTT Plane, and
// runs until SIGINT/SIGTERM triggers an orderly shutdown (§5, §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/cover"
	"github.com/superbox-dev/unipi-control/internal/discovery"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/logger"
	"github.com/superbox-dev/unipi-control/internal/modbus"
	"github.com/superbox-dev/unipi-control/internal/mqttplane"
	"github.com/superbox-dev/unipi-control/internal/scan"
)

// Process exit codes (§6).
const (
	exitOK             = 0
	exitFatalConfig    = 1
	exitFatalTransport = 2
	exitFatalMQTT      = 3
)

const (
	queueFlushBudget  = 2 * time.Second
	shutdownHardAbort = 5 * time.Second
)

func main() {
	os.Exit(run())
}

// coverPublisherProxy breaks the construction cycle between the Cover
// Controllers (built before the Plane exists) and the Plane (which needs
// the Router, which needs the Controllers). Every Controller is built
// against the same proxy; plane is filled in once NewPlane returns.
type coverPublisherProxy struct {
	plane *mqttplane.Plane
}

func (p *coverPublisherProxy) PublishCoverState(coverID string, state cover.State, position, tilt int) {
	if p.plane != nil {
		p.plane.PublishCoverState(coverID, state, position, tilt)
	}
}

// availabilityAggregator tracks which transports are currently degraded
// and keeps the single device-wide availability topic in sync: offline
// as soon as any transport degrades, online again only once every
// transport has recovered (§4.A, §7 TransportIo).
type availabilityAggregator struct {
	mu       sync.Mutex
	degraded map[string]bool
	plane    *mqttplane.Plane
}

func newAvailabilityAggregator(plane *mqttplane.Plane) *availabilityAggregator {
	return &availabilityAggregator{degraded: make(map[string]bool), plane: plane}
}

// onTransition is wired as every Loop's degraded-change callback.
func (a *availabilityAggregator) onTransition(transportID string, degraded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if degraded {
		a.degraded[transportID] = true
	} else {
		delete(a.degraded, transportID)
	}
	a.plane.PublishAvailability(len(a.degraded) == 0)
}

// republish re-asserts the current aggregate state without requiring a
// transition, used right after MQTT connect since onConnect always
// publishes "online" first.
func (a *availabilityAggregator) republish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plane.PublishAvailability(len(a.degraded) == 0)
}

// transportUnit pairs a live transport with the register cache, command
// queue, and Scan Loop that drive it.
type transportUnit struct {
	id        string
	transport modbus.Transport
	cache     *modbus.RegisterCache
	queue     *modbus.CommandQueue
	loop      *scan.Loop
	throttle  *modbus.ExceptionLogThrottle
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to daemon config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitFatalConfig
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		LogDir:     cfg.Logging.LogDir,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return exitFatalConfig
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("unipi-control starting", zap.String("device_name", cfg.DeviceName))

	defs := make([]*config.HardwareDefinition, 0, len(cfg.HardwareDefinitions))
	for _, p := range cfg.HardwareDefinitions {
		def, err := config.LoadHardwareDefinition(p)
		if err != nil {
			log.Error("load hardware definition", zap.String("path", p), zap.Error(err))
			return exitFatalConfig
		}
		defs = append(defs, def)
	}

	registry, err := feature.NewRegistry(defs, cfg.Features)
	if err != nil {
		log.Error("build feature registry", zap.Error(err))
		return exitFatalConfig
	}

	watchPaths := append([]string{}, cfg.HardwareDefinitions...)
	if configPath != "" {
		watchPaths = append(watchPaths, configPath)
	}
	watcher, err := config.NewChangeWatcher(watchPaths...)
	if err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
	}

	units := buildTransports(cfg, registry, defs)

	queues := make(map[string]*modbus.CommandQueue, len(units))
	for _, u := range units {
		queues[u.id] = u.queue
	}

	proxy := &coverPublisherProxy{}
	covers := make(map[string]*cover.Controller, len(cfg.Covers))
	for _, cc := range cfg.Covers {
		transportID, ok := transportIDForCover(cc, registry)
		if !ok {
			log.Error("cover references unknown feature transport", zap.String("cover_id", cc.ID))
			return exitFatalConfig
		}
		tu, ok := findUnit(units, transportID)
		if !ok {
			log.Error("cover's transport not configured", zap.String("cover_id", cc.ID), zap.String("transport_id", transportID))
			return exitFatalConfig
		}

		ctrl, err := cover.NewController(cc, registry, tu.cache, tu.queue, proxy, cfg.Advanced.PersistentTmpDir)
		if err != nil {
			log.Error("build cover controller", zap.String("cover_id", cc.ID), zap.Error(err))
			return exitFatalConfig
		}
		covers[cc.ID] = ctrl
	}

	router, err := mqttplane.NewRouter(cfg.DeviceName, registry, queues, covers, cfg.Covers)
	if err != nil {
		log.Error("build mqtt router", zap.Error(err))
		return exitFatalConfig
	}

	emitter := discovery.NewEmitter(cfg.HomeAssistant, cfg.DeviceName, registry, cfg.Covers)
	plane := mqttplane.NewPlane(cfg.MQTT, cfg.DeviceName, registry, router, cfg.Covers, emitter)
	proxy.plane = plane

	// Surface a degraded transport on the availability topic (§4.A,
	// §7 TransportIo: "surfaced via availability topic"), not only as a
	// slower poll rate. Aggregated across every transport so one
	// recovered link among several doesn't mask another still degraded.
	availability := newAvailabilityAggregator(plane)
	for _, u := range units {
		u.loop.SetDegradedCallback(availability.onTransition)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prime the cache with one synchronous pass per transport so the
	// initial retained MQTT snapshot (§4.G) has real values to publish,
	// instead of racing the background Scan Loops.
	initial := make(map[string]feature.Value)
	for _, u := range units {
		u.loop.ScanOnce(ctx)
		for _, f := range registry.IterReadable() {
			if f.TransportID != u.id {
				continue
			}
			if v, err := feature.Decode(f, u.cache); err == nil {
				initial[f.ID] = v
			}
		}
	}

	if neuron, ok := findUnit(units, cfg.Modbus.Neuron.TransportID); ok && neuron.transport.Degraded() {
		log.Error("neuron transport unreachable at startup", zap.String("transport_id", neuron.id))
		return exitFatalTransport
	}

	if err := plane.Connect(); err != nil {
		var fatal *mqttplane.FatalError
		if errors.As(err, &fatal) {
			log.Error("mqtt connect exhausted retry budget", zap.Error(err))
			return exitFatalMQTT
		}
		log.Error("mqtt connect failed", zap.Error(err))
		return exitFatalMQTT
	}

	// onConnect already published "online" unconditionally; re-assert
	// the true aggregate state in case a transport was already degraded
	// during the primer scan above.
	availability.republish()

	plane.PublishInitialState(initial)

	exceptionThrottles := make([]*modbus.ExceptionLogThrottle, 0, len(units))
	for _, u := range units {
		exceptionThrottles = append(exceptionThrottles, u.throttle)
	}

	housekeeping := cron.New()
	if _, err := housekeeping.AddFunc("@every 1m", func() {
		for _, t := range exceptionThrottles {
			t.Reset()
		}
	}); err != nil {
		log.Warn("schedule exception-log throttle reset", zap.Error(err))
	}
	if emitter.Enabled() {
		if _, err := housekeeping.AddFunc("@every 15m", func() {
			emitter.Publish(plane)
		}); err != nil {
			log.Warn("schedule discovery safety-net republish", zap.Error(err))
		}
	}
	housekeeping.Start()

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u transportUnit) {
			defer wg.Done()
			u.loop.Run(ctx)
		}(u)
	}
	for _, ctrl := range covers {
		wg.Add(1)
		go func(c *cover.Controller) {
			defer wg.Done()
			c.Run(ctx)
		}(ctrl)
	}

	if watcher != nil {
		watchStop := make(chan struct{})
		defer close(watchStop)
		go watcher.Run(watchStop)
		defer watcher.Close()
	}

	drainEvents(ctx, units, plane, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	return shutdown(cancel, &wg, units, housekeeping, plane, log)
}

// drainEvents starts one goroutine per transport forwarding
// scan.FeatureChanged notifications to the MQTT Plane as retained state
// publishes, for the life of ctx.
func drainEvents(ctx context.Context, units []transportUnit, plane *mqttplane.Plane, registry *feature.Registry) {
	for _, u := range units {
		go func(u transportUnit) {
			bus := u.loop.Events()
			for {
				select {
				case <-ctx.Done():
					return
				case <-bus.Notify():
					for _, ev := range bus.Drain() {
						f, ok := registry.Get(ev.FeatureID)
						if !ok {
							continue
						}
						plane.PublishFeatureChanged(f, ev.New)
					}
				}
			}
		}(u)
	}
}

// shutdown runs the graceful-stop sequence of §5: stop accepting new
// work, flush each command queue within its budget, let the Cover
// Controllers de-energize and persist (triggered by ctx cancellation,
// awaited here), publish offline, close transports, and hard-abort if
// the whole sequence overruns.
func shutdown(cancel context.CancelFunc, wg *sync.WaitGroup, units []transportUnit, housekeeping *cron.Cron, plane *mqttplane.Plane, log *zap.Logger) int {
	housekeeping.Stop()

	flushDeadline := time.Now().Add(queueFlushBudget)
	for _, u := range units {
		for u.queue.Len() > 0 && time.Now().Before(flushDeadline) {
			time.Sleep(20 * time.Millisecond)
		}
	}

	cancel() // lets Scan Loops and Cover Controllers exit their select loops

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownHardAbort):
		log.Warn("shutdown exceeded hard-abort deadline, forcing exit")
	}

	plane.PublishAvailability(false)
	plane.Disconnect()

	for _, u := range units {
		if err := u.transport.Close(); err != nil {
			log.Warn("close transport", zap.String("transport_id", u.id), zap.Error(err))
		}
	}

	log.Info("unipi-control stopped cleanly")
	return exitOK
}

// buildTransports constructs one transportUnit per configured Modbus
// transport (the Neuron TCP link plus every RS-485 serial link), each
// with its own register cache, command queue, exception-log throttle,
// and Scan Loop scoped to the units assigned to it across defs.
func buildTransports(cfg *config.Config, registry *feature.Registry, defs []*config.HardwareDefinition) []transportUnit {
	unitsByTransport := make(map[string][]config.UnitDefinition)
	for _, def := range defs {
		for _, u := range def.Units {
			unitsByTransport[u.TransportID] = append(unitsByTransport[u.TransportID], u)
		}
	}

	var out []transportUnit

	neuronID := cfg.Modbus.Neuron.TransportID
	tcp := modbus.NewTCPTransport(neuronID, cfg.Modbus.Neuron.Host, cfg.Modbus.Neuron.Port, cfg.Modbus.Neuron.Timeout)
	out = append(out, newTransportUnit(neuronID, tcp, registry, unitsByTransport[neuronID], cfg.Modbus.Neuron.ScanInterval, cfg.Modbus.DegradedInterval))

	for _, sc := range cfg.Modbus.Serial {
		rtu := modbus.NewRTUTransport(sc.TransportID, sc.Port, sc.BaudRate, sc.DataBits, sc.StopBits, sc.Parity, sc.Timeout)
		out = append(out, newTransportUnit(sc.TransportID, rtu, registry, unitsByTransport[sc.TransportID], sc.ScanInterval, cfg.Modbus.DegradedInterval))
	}

	return out
}

func newTransportUnit(id string, transport modbus.Transport, registry *feature.Registry, units []config.UnitDefinition, interval, degradedInterval time.Duration) transportUnit {
	cache := modbus.NewRegisterCache()
	queue := modbus.NewCommandQueue()
	throttle := modbus.NewExceptionLogThrottle()
	loop := scan.NewLoop(id, transport, cache, queue, registry, units, interval, degradedInterval)
	loop.SetExceptionThrottle(throttle)

	return transportUnit{id: id, transport: transport, cache: cache, queue: queue, loop: loop, throttle: throttle}
}

func findUnit(units []transportUnit, id string) (transportUnit, bool) {
	for _, u := range units {
		if u.id == id {
			return u, true
		}
	}
	return transportUnit{}, false
}

// transportIDForCover resolves which transport a cover's relays live on,
// via its up-feature (the up and down relays are always on the same
// transport for a single cover).
func transportIDForCover(cc config.CoverConfig, registry *feature.Registry) (string, bool) {
	f, ok := registry.Get(cc.CoverUpFeatureID)
	if !ok {
		return "", false
	}
	return f.TransportID, true
}
