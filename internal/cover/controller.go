package cover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/logger"
	"github.com/superbox-dev/unipi-control/internal/modbus"
)

const reversalDeadTime = 500 * time.Millisecond
const relayClearSettleTime = 100 * time.Millisecond

// StatePublisher is implemented by the MQTT Plane. The Controller calls
// it every time state, position, or tilt changes so the caller can
// publish retained updates without the cover package depending on MQTT.
type StatePublisher interface {
	PublishCoverState(coverID string, state State, position, tilt int)
}

// motion describes the in-progress move, if any.
type motion struct {
	direction      State // Opening or Closing
	tiltOnly       bool  // true for a /tilt/set-only adjustment at rest
	targetPosition *int  // nil = run to the natural limit (0 or 100)
	tiltSettled    bool  // true once the tilt phase of this motion has completed
}

// Controller is one cover's task: it owns the cover's position/tilt
// state and the only writer of its up/down relay features.
type Controller struct {
	id                  string
	deviceClass         string
	coverRunTime        time.Duration
	tiltChangeTime      time.Duration
	hasTilt             bool
	persistDir          string
	calibrationDisabled bool

	upFeature   *feature.Feature
	downFeature *feature.Feature
	cache       *modbus.RegisterCache
	queue       *modbus.CommandQueue
	publisher   StatePublisher

	cmdCh chan Command

	// runtime state, owned exclusively by this task's goroutine.
	state           State
	position        float64
	tilt            float64
	motion          *motion
	calibrationMode bool
	calibrationLeft time.Duration
	deadTimeUntil   time.Time
	pendingResume   State
	lastTick        time.Time
}

// NewController builds a Controller for one configured cover, loading
// any persisted position/tilt and deciding whether calibration mode is
// required (§3 Lifecycle, §4.F Calibration mode).
func NewController(cfg config.CoverConfig, registry *feature.Registry, cache *modbus.RegisterCache, queue *modbus.CommandQueue, publisher StatePublisher, persistentTmpDir bool) (*Controller, error) {
	if err := validateConfig(cfg.CoverUpFeatureID, cfg.CoverDownFeatureID, cfg.CoverRunTime.Seconds()); err != nil {
		return nil, err
	}

	up, ok := registry.Get(cfg.CoverUpFeatureID)
	if !ok {
		return nil, &configError{msg: "cover_up_feature_id not found: " + cfg.CoverUpFeatureID}
	}
	down, ok := registry.Get(cfg.CoverDownFeatureID)
	if !ok {
		return nil, &configError{msg: "cover_down_feature_id not found: " + cfg.CoverDownFeatureID}
	}

	c := &Controller{
		id:                  cfg.ID,
		deviceClass:         cfg.DeviceClass,
		coverRunTime:        cfg.CoverRunTime,
		tiltChangeTime:      cfg.TiltChangeTime,
		hasTilt:             cfg.DeviceClass == "blind",
		persistDir:          PersistDir(persistentTmpDir),
		calibrationDisabled: persistentTmpDir,
		upFeature:           up,
		downFeature:         down,
		cache:               cache,
		queue:               queue,
		publisher:           publisher,
		cmdCh:               make(chan Command, 8),
		state:               Stopped,
	}

	persisted, err := loadPersisted(c.persistDir, c.id)
	if err != nil {
		return nil, err
	}

	switch {
	case persisted == nil && c.calibrationDisabled:
		c.position, c.tilt, c.state = 0, 0, Closed
	case persisted == nil:
		c.calibrationMode = true
	case persisted.State == Opening.String() || persisted.State == Closing.String():
		c.position, c.tilt = float64(persisted.Position), float64(persisted.Tilt)
		if c.calibrationDisabled {
			c.state = Stopped
		} else {
			c.calibrationMode = true
		}
	default:
		c.position = float64(persisted.Position)
		c.tilt = float64(persisted.Tilt)
		c.state = parseState(persisted.State)
	}

	if c.calibrationMode {
		c.calibrationLeft = c.coverRunTime
		if c.hasTilt {
			c.calibrationLeft += c.tiltChangeTime
		}
	}

	return c, nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func parseState(s string) State {
	switch s {
	case "open":
		return Open
	case "closed":
		return Closed
	case "opening":
		return Opening
	case "closing":
		return Closing
	default:
		return Stopped
	}
}

// ID returns the cover's configured id.
func (c *Controller) ID() string { return c.id }

// Submit enqueues a command for this cover's task, non-blocking up to
// the mailbox's buffer.
func (c *Controller) Submit(cmd Command) {
	select {
	case c.cmdCh <- cmd:
	default:
		logger.WithCover(c.id).Warn("cover command mailbox full, dropping command")
	}
}

// Run drives the controller until ctx is canceled, integrating motion
// on a 1 Hz tick and servicing the command mailbox.
func (c *Controller) Run(ctx context.Context) {
	log := logger.WithCover(c.id)
	log.Info("cover controller starting", zap.Bool("calibration_mode", c.calibrationMode))

	c.lastTick = time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.onShutdown(ctx)
			return
		case cmd := <-c.cmdCh:
			c.handleCommand(ctx, cmd, time.Now())
		case now := <-ticker.C:
			c.tick(ctx, now)
		}
	}
}

// onShutdown de-energizes relays and persists position, per §5
// Cancellation.
func (c *Controller) onShutdown(ctx context.Context) {
	if c.state.isMoving() {
		c.clearRelays(ctx)
		c.transitionToStopped(ctx, time.Now())
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd Command, now time.Time) {
	if c.calibrationMode {
		// only OPEN is meaningful in calibration, and calibration
		// already drives fully open; every other command is dropped.
		return
	}

	switch cmd.Kind {
	case CmdOpen:
		c.startMotion(ctx, Opening, nil, false, now)
	case CmdClose:
		c.startMotion(ctx, Closing, nil, false, now)
	case CmdStop:
		c.stop(ctx, now)
	case CmdSetPosition:
		c.setPosition(ctx, cmd.Value, now)
	case CmdSetTilt:
		c.setTilt(ctx, cmd.Value, now)
	}
}

func (c *Controller) setPosition(ctx context.Context, target int, now time.Time) {
	target = clampInt(target, 0, 100)
	if target == roundPct(c.position) {
		return // already at target: no-op (§9 open question, resolved)
	}
	t := target
	if target > int(c.position) {
		c.startMotion(ctx, Opening, &t, false, now)
	} else {
		c.startMotion(ctx, Closing, &t, false, now)
	}
}

func (c *Controller) setTilt(ctx context.Context, target int, now time.Time) {
	if !c.hasTilt || c.state.isMoving() {
		return
	}
	target = clampInt(target, 0, 100)
	if target == roundPct(c.tilt) {
		return
	}
	direction := Opening
	if target < int(c.tilt) {
		direction = Closing
	}
	c.startMotion(ctx, direction, nil, true, now)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// startMotion begins moving in direction. If the cover is currently
// moving the opposite way, it instead initiates the mandatory 500 ms
// dead time reversal (§4.F Transitions). now is the caller's clock
// reading so production (real time) and tests (simulated time) share
// one consistent timeline with tick.
func (c *Controller) startMotion(ctx context.Context, direction State, targetPosition *int, tiltOnly bool, now time.Time) {
	if c.state.isMoving() && c.motion != nil && c.motion.direction != direction {
		c.clearRelays(ctx)
		c.state = Stopped
		c.deadTimeUntil = now.Add(reversalDeadTime)
		c.pendingResume = direction
		c.motion = &motion{direction: direction, targetPosition: targetPosition, tiltOnly: tiltOnly}
		return
	}

	c.beginMotion(ctx, direction, targetPosition, tiltOnly, now)
}

func (c *Controller) beginMotion(ctx context.Context, direction State, targetPosition *int, tiltOnly bool, now time.Time) {
	up := direction == Opening
	if err := c.energize(ctx, up); err != nil {
		logger.WithCover(c.id).Error("energize failed, quiescing", zap.Error(err))
		c.clearRelays(ctx)
		c.transitionToStopped(ctx, now)
		return
	}

	tiltSettled := !c.hasTilt
	c.motion = &motion{direction: direction, targetPosition: targetPosition, tiltOnly: tiltOnly, tiltSettled: tiltSettled}
	c.state = direction
	c.lastTick = now
	c.publish()
}

func (c *Controller) stop(ctx context.Context, now time.Time) {
	if !c.state.isMoving() {
		return
	}
	c.clearRelays(ctx)
	c.transitionToStopped(ctx, now)
}

// energize drives one relay ON after re-reading the other relay's
// cached value and clearing it first if necessary (§4.F Safety
// invariants). At most one of {up, down} is ever commanded to 1.
func (c *Controller) energize(ctx context.Context, up bool) error {
	target, other := c.upFeature, c.downFeature
	if !up {
		target, other = c.downFeature, c.upFeature
	}

	otherValue, err := feature.Decode(other, c.cache)
	if err == nil && otherValue.HasValue && otherValue.Bool {
		if err := c.writeFeature(ctx, other, feature.BoolValue(false)); err != nil {
			return err
		}
		time.Sleep(relayClearSettleTime)
	}

	return c.writeFeature(ctx, target, feature.BoolValue(true))
}

// clearRelays de-energizes both relays. Errors are logged, not
// propagated: quiescing must always be attempted even if one write
// fails (§4.F Safety invariants, §7 CoverSafetyViolation).
func (c *Controller) clearRelays(ctx context.Context) {
	if err := c.writeFeature(ctx, c.upFeature, feature.BoolValue(false)); err != nil {
		logger.WithCover(c.id).Warn("clear up relay failed", zap.Error(err))
	}
	if err := c.writeFeature(ctx, c.downFeature, feature.BoolValue(false)); err != nil {
		logger.WithCover(c.id).Warn("clear down relay failed", zap.Error(err))
	}
}

func (c *Controller) writeFeature(_ context.Context, f *feature.Feature, v feature.Value) error {
	cmd, err := feature.EncodeWrite(f, v)
	if err != nil {
		return err
	}
	completion := c.queue.Submit(cmd)
	return completion.Wait()
}

// tick integrates motion and dead-time waits. now is supplied by the
// caller (the production ticker, or a test) so the controller never
// calls time.Now() in a way that would make its own tests
// non-deterministic.
func (c *Controller) tick(ctx context.Context, now time.Time) {
	if c.calibrationMode {
		c.tickCalibration(ctx, now)
		return
	}

	if !c.deadTimeUntil.IsZero() {
		if now.Before(c.deadTimeUntil) {
			return
		}
		c.deadTimeUntil = time.Time{}
		direction, target, tiltOnly := c.pendingResume, (*int)(nil), false
		if c.motion != nil {
			target, tiltOnly = c.motion.targetPosition, c.motion.tiltOnly
		}
		c.beginMotion(ctx, direction, target, tiltOnly, now)
		return
	}

	if c.motion == nil {
		return
	}

	dt := now.Sub(c.lastTick)
	c.lastTick = now
	c.integrate(ctx, now, dt)
}

// integrate advances tilt (if not yet settled) then position, per the
// Position and Tilt models in §4.F.
func (c *Controller) integrate(ctx context.Context, now time.Time, dt time.Duration) {
	m := c.motion
	sign := 1.0
	if m.direction == Closing {
		sign = -1.0
	}

	remaining := dt
	if !m.tiltSettled {
		tiltTarget := 0.0
		if m.direction == Opening {
			tiltTarget = 100.0
		}
		deltaTilt := tiltTarget - c.tilt
		if deltaTilt == 0 || c.tiltChangeTime <= 0 {
			m.tiltSettled = true
		} else {
			fullSwing := c.tiltChangeTime
			neededFraction := absF(deltaTilt) / 100.0
			neededDuration := time.Duration(float64(fullSwing) * neededFraction)
			if remaining >= neededDuration {
				c.tilt = tiltTarget
				m.tiltSettled = true
				remaining -= neededDuration
			} else {
				frac := float64(remaining) / float64(neededDuration)
				c.tilt = clampPct(c.tilt + deltaTilt*frac)
				remaining = 0
			}
		}
	}

	if m.tiltOnly {
		if m.tiltSettled {
			c.clearRelays(ctx)
			c.state = Stopped
			c.motion = nil
			c.publishAndPersist(now)
		} else {
			c.publish()
		}
		return
	}

	if remaining > 0 && m.tiltSettled {
		deltaPosition := sign * 100.0 * float64(remaining) / float64(c.coverRunTime)
		c.position = clampPct(c.position + deltaPosition)
	}

	if m.targetPosition != nil {
		target := float64(*m.targetPosition)
		reached := (sign > 0 && c.position >= target) || (sign < 0 && c.position <= target)
		if reached {
			c.position = target
			c.clearRelays(ctx)
			c.transitionToStopped(ctx, now)
			return
		}
	} else if c.position <= 0 || c.position >= 100 {
		c.clearRelays(ctx)
		if c.position <= 0 {
			c.position = 0
			c.transitionTo(ctx, Closed, now)
		} else {
			c.position = 100
			c.transitionTo(ctx, Open, now)
		}
		return
	}

	c.publish()
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (c *Controller) transitionToStopped(ctx context.Context, now time.Time) {
	c.transitionTo(ctx, Stopped, now)
}

// transitionTo moves the cover into a resting state, persisting per
// §3/§9: persisted on every transition into Stopped/Open/Closed, not
// only on an explicit STOP.
func (c *Controller) transitionTo(_ context.Context, state State, now time.Time) {
	c.state = state
	c.motion = nil
	c.publishAndPersist(now)
}

func (c *Controller) publish() {
	if c.publisher == nil {
		return
	}
	c.publisher.PublishCoverState(c.id, c.state, roundPct(c.position), roundPct(c.tilt))
}

func (c *Controller) publishAndPersist(now time.Time) {
	c.publish()
	if err := savePersisted(c.persistDir, c.id, roundPct(c.position), roundPct(c.tilt), c.state, now); err != nil {
		logger.WithCover(c.id).Warn("persist cover state failed", zap.Error(err))
	}
}

// tickCalibration drives the cover fully open for cover_run_time +
// tilt_change_time seconds, then clears calibration (§4.F Calibration
// mode).
func (c *Controller) tickCalibration(ctx context.Context, now time.Time) {
	if c.motion == nil {
		if err := c.energize(ctx, true); err != nil {
			logger.WithCover(c.id).Error("calibration energize failed", zap.Error(err))
			return
		}
		c.motion = &motion{direction: Opening}
		c.state = Opening
		c.lastTick = now
		return
	}

	dt := now.Sub(c.lastTick)
	c.lastTick = now
	c.calibrationLeft -= dt

	if c.calibrationLeft > 0 {
		return
	}

	c.clearRelays(ctx)
	c.calibrationMode = false
	c.motion = nil
	c.position, c.tilt = 100, 100
	c.transitionTo(ctx, Open, now)
}
