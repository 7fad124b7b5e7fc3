// Package discovery implements the Discovery Emitter (§4.H): one
// retained JSON document per feature and per cover, published to Home
// Assistant's MQTT discovery tree on every successful broker connect.
package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/feature"
)

// Publisher is the narrow surface the Emitter needs from the MQTT
// Plane: one retained publish per discovery document. Kept minimal so
// this package never depends on mqttplane (it would otherwise cycle,
// since the Plane is what drives the Emitter on connect).
type Publisher interface {
	PublishDiscovery(topic string, payload []byte)
}

// Emitter builds and publishes discovery documents for every feature
// and cover the daemon exposes, per §4.H's "switch | binary_sensor |
// sensor | cover" component mapping.
type Emitter struct {
	cfg        config.HomeAssistantConfig
	deviceName string
	registry   *feature.Registry
	covers     []config.CoverConfig
	device     device
}

// NewEmitter builds an Emitter bound to a device's feature registry and
// configured covers. cfg.Enabled gates whether Publish does anything;
// callers may still construct an Emitter unconditionally and let
// Publish no-op.
func NewEmitter(cfg config.HomeAssistantConfig, deviceName string, registry *feature.Registry, covers []config.CoverConfig) *Emitter {
	return &Emitter{
		cfg:        cfg,
		deviceName: deviceName,
		registry:   registry,
		covers:     covers,
		device: device{
			Identifiers:  []string{deviceName},
			Name:         deviceName,
			Manufacturer: "Unipi Technology",
			Model:        "Neuron/Patron",
		},
	}
}

// Enabled reports whether homeassistant.enabled is set; callers that
// want to skip the cron safety-net re-publish entirely when discovery
// is off can check this first.
func (e *Emitter) Enabled() bool { return e.cfg.Enabled }

// Publish builds and publishes one retained document per feature and
// per cover. Called on every successful MQTT connect and, independently,
// by the periodic cron safety net. A no-op when homeassistant.enabled
// is false.
func (e *Emitter) Publish(pub Publisher) {
	if !e.cfg.Enabled {
		return
	}

	for _, f := range e.registry.IterReadable() {
		topic, payload, ok := e.featureDocument(f)
		if !ok {
			continue
		}
		pub.PublishDiscovery(topic, payload)
	}

	for _, cc := range e.covers {
		topic, payload := e.coverDocument(cc)
		pub.PublishDiscovery(topic, payload)
	}
}

// component resolves the HA platform a feature kind registers under.
func component(k feature.Kind) (string, bool) {
	switch k {
	case feature.DigitalOutput, feature.RelayOutput:
		return "switch", true
	case feature.DigitalInput:
		return "binary_sensor", true
	case feature.AnalogInput, feature.AnalogOutput, feature.MeterField:
		return "sensor", true
	default:
		return "", false
	}
}

func (e *Emitter) discoveryTopic(comp, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", e.cfg.DiscoveryPrefix, comp, e.deviceName, objectID)
}

func (e *Emitter) availabilityTopic() string {
	return fmt.Sprintf("%s/availability", e.deviceName)
}

func (e *Emitter) featureDocument(f *feature.Feature) (string, []byte, bool) {
	comp, ok := component(f.Kind)
	if !ok {
		return "", nil, false
	}

	seg, err := featureTopicSegment(f)
	if err != nil {
		return "", nil, false
	}

	ent := entityConfig{
		Name:              f.FriendlyName,
		UniqueID:          fmt.Sprintf("%s_%s", e.deviceName, f.ID),
		ObjectID:          f.ObjectID,
		StateTopic:        fmt.Sprintf("%s/%s/get", e.deviceName, seg),
		AvailabilityTopic: e.availabilityTopic(),
		DeviceClass:       f.DeviceClass,
		StateClass:        f.StateClass,
		UnitOfMeasurement: f.UnitOfMeasurement,
		Icon:              f.Icon,
		Device:            e.device,
	}
	if f.Kind.Writable() {
		ent.CommandTopic = fmt.Sprintf("%s/%s/set", e.deviceName, seg)
		ent.PayloadOn = "ON"
		ent.PayloadOff = "OFF"
	}

	payload, err := json.Marshal(ent)
	if err != nil {
		return "", nil, false
	}
	return e.discoveryTopic(comp, f.ObjectID), payload, true
}

// featureTopicSegment mirrors mqttplane's topic grammar without
// importing it (mqttplane imports config and feature, and wiring the
// Emitter through mqttplane would cycle back into it via the Plane's
// on-connect hook).
func featureTopicSegment(f *feature.Feature) (string, error) {
	switch f.Kind {
	case feature.RelayOutput, feature.DigitalOutput:
		return fmt.Sprintf("relay/%s", f.Circuit), nil
	case feature.DigitalInput:
		return fmt.Sprintf("input/%s", f.Circuit), nil
	case feature.AnalogInput, feature.AnalogOutput:
		return fmt.Sprintf("analog/%s", f.Circuit), nil
	case feature.MeterField:
		return fmt.Sprintf("meter/%s", meterFieldName(f.Circuit)), nil
	default:
		return "", fmt.Errorf("feature %s: unsupported kind", f.ID)
	}
}

// meterFieldName turns a meter_<unit>_<field> circuit id into the
// <field>_<unit> topic segment, matching mqttplane's topic grammar.
func meterFieldName(circuit string) string {
	parts := strings.SplitN(circuit, "_", 3)
	if len(parts) != 3 || parts[0] != "meter" {
		return circuit
	}
	return fmt.Sprintf("%s_%s", parts[2], parts[1])
}

func (e *Emitter) coverDocument(cc config.CoverConfig) (string, []byte) {
	objectID := cc.ObjectID
	if objectID == "" {
		objectID = cc.ID
	}
	base := fmt.Sprintf("%s/%s/cover/%s", e.deviceName, objectID, cc.DeviceClass)

	ent := entityConfig{
		Name:              cc.ObjectID,
		UniqueID:          fmt.Sprintf("%s_%s", e.deviceName, cc.ID),
		ObjectID:          objectID,
		StateTopic:        base + "/state",
		CommandTopic:      base + "/set",
		AvailabilityTopic: e.availabilityTopic(),
		DeviceClass:       cc.DeviceClass,
		PayloadOpen:       "OPEN",
		PayloadClose:      "CLOSE",
		PayloadStop:       "STOP",
		PositionTopic:     base + "/position",
		SetPositionTopic:  base + "/position/set",
		PositionOpen:      intPtr(100),
		PositionClosed:    intPtr(0),
		Device:            e.device,
	}
	if cc.DeviceClass == "blind" {
		ent.TiltStatusTopic = base + "/tilt"
		ent.TiltCommandTopic = base + "/tilt/set"
	}

	payload, err := json.Marshal(ent)
	if err != nil {
		return e.discoveryTopic("cover", objectID), nil
	}
	return e.discoveryTopic("cover", objectID), payload
}
