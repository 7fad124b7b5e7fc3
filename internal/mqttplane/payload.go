package mqttplane

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/superbox-dev/unipi-control/internal/feature"
)

// boolPayload renders a digital FeatureValue per §3: "ON"/"OFF".
func boolPayload(v bool) []byte {
	if v {
		return []byte("ON")
	}
	return []byte("OFF")
}

// parseBoolPayload accepts "ON"/"OFF" case-insensitively, per the
// inbound command grammar in §6.
func parseBoolPayload(p []byte) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(string(p))) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("invalid ON/OFF payload: %q", p)
	}
}

// floatPrecision picks unit-appropriate decimal precision for meter
// fields (§6: "unit-appropriate precision"). Energy accumulators carry
// an extra digit; everything else gets two.
func floatPrecision(unitOfMeasurement string) int {
	switch strings.ToLower(unitOfMeasurement) {
	case "kwh", "wh":
		return 3
	default:
		return 2
	}
}

// floatPayload renders an analog/meter FeatureValue as ASCII per §6.
func floatPayload(v float32, unitOfMeasurement string) []byte {
	return []byte(strconv.FormatFloat(float64(v), 'f', floatPrecision(unitOfMeasurement), 32))
}

// featurePayload renders a decoded Value the way its Kind publishes it.
func featurePayload(f *feature.Feature, v feature.Value) ([]byte, error) {
	if !v.HasValue {
		return nil, fmt.Errorf("feature %s: no value yet", f.ID)
	}
	switch f.Kind {
	case feature.DigitalInput, feature.DigitalOutput, feature.RelayOutput:
		return boolPayload(v.Bool), nil
	case feature.AnalogInput, feature.AnalogOutput, feature.MeterField:
		return floatPayload(v.Float32, f.UnitOfMeasurement), nil
	default:
		return nil, fmt.Errorf("feature %s: unsupported kind for mqtt payload", f.ID)
	}
}

// parseFeatureSetPayload decodes an inbound /set payload into a Value
// the feature's EncodeWrite can consume.
func parseFeatureSetPayload(f *feature.Feature, payload []byte) (feature.Value, error) {
	switch f.Kind {
	case feature.DigitalOutput, feature.RelayOutput:
		b, err := parseBoolPayload(payload)
		if err != nil {
			return feature.Value{}, err
		}
		return feature.BoolValue(b), nil
	case feature.AnalogOutput:
		n, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 32)
		if err != nil {
			return feature.Value{}, fmt.Errorf("invalid analog set payload: %w", err)
		}
		return feature.FloatValue(float32(n)), nil
	default:
		return feature.Value{}, fmt.Errorf("feature %s: not writable", f.ID)
	}
}

func parsePercentPayload(payload []byte) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("invalid 0..100 payload: %w", err)
	}
	if n < 0 || n > 100 {
		return 0, fmt.Errorf("payload out of range 0..100: %d", n)
	}
	return n, nil
}
