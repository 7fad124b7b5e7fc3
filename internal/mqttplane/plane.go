package mqttplane

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/discovery"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/logger"
)

// newClientIDSuffix generates a short unique suffix for the MQTT
// client id when mqtt.client_id is left unset in config, so two
// daemons sharing a device_name (or a daemon restarting with a broker
// that has not yet expired the old session) never collide.
func newClientIDSuffix() string {
	return uuid.NewString()[:8]
}

// client is the narrow subset of mqtt.Client the Plane drives. A real
// *paho mqtt.Client satisfies it directly; tests substitute a fake
// without faking the library's full Client interface.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type coverTopicInfo struct {
	objectID    string
	deviceClass string
	hasTilt     bool
}

// FatalError is returned by Connect when the connection could not be
// established within mqtt.retry_limit attempts (§7 MqttDisconnect, §6
// exit code 3).
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("mqtt: fatal after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Plane is the single broker connection of §4.G: LWT/availability,
// the retained-state publisher, and the inbound command router.
type Plane struct {
	cfg        config.MQTTConfig
	deviceName string
	registry   *feature.Registry

	client client
	router *Router

	coverTopicInfo   map[string]coverTopicInfo
	discoveryEmitter *discovery.Emitter
}

func newCoverTopicInfo(coverCfgs []config.CoverConfig) map[string]coverTopicInfo {
	out := make(map[string]coverTopicInfo, len(coverCfgs))
	for _, cc := range coverCfgs {
		objectID := cc.ObjectID
		if objectID == "" {
			objectID = cc.ID
		}
		out[cc.ID] = coverTopicInfo{
			objectID:    objectID,
			deviceClass: cc.DeviceClass,
			hasTilt:     cc.DeviceClass == "blind",
		}
	}
	return out
}

func buildClientOptions(cfg config.MQTTConfig, deviceName, clientID string, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(false) // a lost connection is only logged (onConnectionLost), not re-established
	opts.SetCleanSession(true)

	opts.SetWill(AvailabilityTopic(deviceName), "offline", 1, true)

	opts.SetOnConnectHandler(onConnect)
	opts.SetConnectionLostHandler(onLost)

	return opts
}

// NewPlane builds the Plane, its router, and a real paho client ready
// for Connect. emitter may be nil when homeassistant.enabled is
// false; Plane still publishes availability/state in that case, just
// never a discovery document.
func NewPlane(cfg config.MQTTConfig, deviceName string, registry *feature.Registry, router *Router, coverCfgs []config.CoverConfig, emitter *discovery.Emitter) *Plane {
	p := &Plane{
		cfg:              cfg,
		deviceName:       deviceName,
		registry:         registry,
		router:           router,
		coverTopicInfo:   newCoverTopicInfo(coverCfgs),
		discoveryEmitter: emitter,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = deviceName + "-" + newClientIDSuffix()
	}
	opts := buildClientOptions(cfg, deviceName, clientID, p.onConnect, p.onConnectionLost)
	p.client = mqtt.NewClient(opts)
	return p
}

func (p *Plane) onConnect(c mqtt.Client) {
	log := logger.Get()
	log.Info("mqtt connected")

	for _, topic := range p.router.Topics() {
		token := c.Subscribe(topic, 1, p.messageHandler)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Warn("mqtt subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	p.PublishAvailability(true)

	if p.discoveryEmitter != nil {
		p.discoveryEmitter.Publish(p)
	}
}

// PublishDiscovery implements discovery.Publisher, used by the
// Discovery Emitter on connect and by the periodic cron safety-net
// republish (§4.H).
func (p *Plane) PublishDiscovery(topic string, payload []byte) {
	p.publishRetained(topic, payload)
}

func (p *Plane) onConnectionLost(_ mqtt.Client, err error) {
	logger.Warn("mqtt connection lost", zap.Error(err))
}

func (p *Plane) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	if err := p.router.Dispatch(msg.Topic(), msg.Payload()); err != nil {
		logger.Warn("malformed mqtt payload, dropping",
			zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()), zap.Error(err))
	}
}

// Connect blocks until the broker connection succeeds or retry_limit
// attempts have failed, retrying every reconnect_interval (§4.G, §7).
// The daemon calls it once, at startup; a connection lost afterwards is
// logged by onConnectionLost and not re-established.
func (p *Plane) Connect() error {
	attempts := 0
	for {
		attempts++
		token := p.client.Connect()
		token.Wait()
		if err := token.Error(); err == nil {
			return nil
		} else if attempts >= p.cfg.RetryLimit {
			return &FatalError{Attempts: attempts, Err: err}
		}
		logger.Warn("mqtt connect failed, retrying", zap.Int("attempt", attempts), zap.Error(err))
		time.Sleep(p.cfg.ReconnectInterval)
	}
}

// Disconnect quiesces the connection, used during graceful shutdown
// after availability has been published offline (§5 Cancellation).
func (p *Plane) Disconnect() {
	if p.client != nil && p.client.IsConnectionOpen() {
		p.client.Disconnect(250)
	}
}

// PublishInitialState publishes every feature's current value once,
// after the first successful scan of each transport (§4.G).
func (p *Plane) PublishInitialState(values map[string]feature.Value) {
	p.publishAllFeatureState(values)
}

// PublishFeatureChanged publishes one feature's new value, called by
// the daemon wiring on every scan.FeatureChanged event.
func (p *Plane) PublishFeatureChanged(f *feature.Feature, v feature.Value) {
	p.publishFeatureState(f, v)
}
