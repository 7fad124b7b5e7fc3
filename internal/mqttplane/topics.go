// Package mqttplane implements the MQTT Plane (§4.G): the single broker
// connection, the retained-state publisher, and the inbound /set topic
// router that turns subscriber messages into Command Queue submissions
// or Cover Controller commands.
package mqttplane

import (
	"fmt"
	"strings"

	"github.com/superbox-dev/unipi-control/internal/feature"
)

// Topic grammar is bit-exact per §6. <device_name> is the configured or
// hostname-derived device name; circuit identifiers already carry the
// <type>_<group>_<channel> shape the hardware definition assigns them.
const (
	availabilitySuffix = "availability"

	relaySuffix = "relay"
	inputSuffix = "input"
	meterSuffix = "meter"
	// analogSuffix covers AnalogInput/AnalogOutput. §6's topic grammar
	// only names relay/input/meter/cover/availability; analog channels
	// are a feature kind the data model defines (§3) but the topic
	// table omits, so this daemon follows the same <type>/<circuit>
	// shape as relay/input rather than leaving analog features
	// unreachable over MQTT.
	analogSuffix = "analog"

	getSuffix = "get"
	setSuffix = "set"

	coverStateSuffix       = "state"
	coverSetSuffix         = "set"
	coverPositionSuffix    = "position"
	coverPositionSetSuffix = "position/set"
	coverTiltSuffix        = "tilt"
	coverTiltSetSuffix     = "tilt/set"
)

// AvailabilityTopic is this device's LWT / online-offline topic.
func AvailabilityTopic(deviceName string) string {
	return fmt.Sprintf("%s/%s", deviceName, availabilitySuffix)
}

// featureSegment resolves the <type>/<name> portion of a feature's
// topic. Meter fields use <field>_<unit> built from the circuit's
// meter_<unit>_<field> shape (see the provided SDM120M hardware
// definition); every other kind publishes under its own circuit id
// unchanged.
func featureSegment(f *feature.Feature) (string, error) {
	switch f.Kind {
	case feature.RelayOutput, feature.DigitalOutput:
		return fmt.Sprintf("%s/%s", relaySuffix, f.Circuit), nil
	case feature.DigitalInput:
		return fmt.Sprintf("%s/%s", inputSuffix, f.Circuit), nil
	case feature.AnalogInput, feature.AnalogOutput:
		return fmt.Sprintf("%s/%s", analogSuffix, f.Circuit), nil
	case feature.MeterField:
		return fmt.Sprintf("%s/%s", meterSuffix, meterFieldName(f.Circuit)), nil
	default:
		return "", fmt.Errorf("feature %s: unsupported kind for mqtt topic", f.ID)
	}
}

// meterFieldName turns a meter_<unit>_<field> circuit id into the
// <field>_<unit> topic segment §6 specifies.
func meterFieldName(circuit string) string {
	parts := strings.SplitN(circuit, "_", 3)
	if len(parts) != 3 || parts[0] != "meter" {
		return circuit
	}
	return fmt.Sprintf("%s_%s", parts[2], parts[1])
}

// FeatureGetTopic is the retained state topic for any feature kind.
func FeatureGetTopic(deviceName string, f *feature.Feature) (string, error) {
	seg, err := featureSegment(f)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", deviceName, seg, getSuffix), nil
}

// FeatureSetTopic is the subscribed command topic for a writable
// feature kind.
func FeatureSetTopic(deviceName string, f *feature.Feature) (string, error) {
	seg, err := featureSegment(f)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", deviceName, seg, setSuffix), nil
}

func coverBase(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s/cover/%s", deviceName, objectID, deviceClass)
}

func CoverStateTopic(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s", coverBase(deviceName, objectID, deviceClass), coverStateSuffix)
}

func CoverSetTopic(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s", coverBase(deviceName, objectID, deviceClass), coverSetSuffix)
}

func CoverPositionTopic(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s", coverBase(deviceName, objectID, deviceClass), coverPositionSuffix)
}

func CoverPositionSetTopic(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s", coverBase(deviceName, objectID, deviceClass), coverPositionSetSuffix)
}

func CoverTiltTopic(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s", coverBase(deviceName, objectID, deviceClass), coverTiltSuffix)
}

func CoverTiltSetTopic(deviceName, objectID, deviceClass string) string {
	return fmt.Sprintf("%s/%s", coverBase(deviceName, objectID, deviceClass), coverTiltSetSuffix)
}
