package mqttplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/feature"
)

func TestAvailabilityTopic(t *testing.T) {
	assert.Equal(t, "box1/availability", AvailabilityTopic("box1"))
}

func TestFeatureGetTopic_Relay(t *testing.T) {
	f := &feature.Feature{ID: "ro_1_01", Kind: feature.RelayOutput, Circuit: "ro_1_01"}
	topic, err := FeatureGetTopic("box1", f)
	require.NoError(t, err)
	assert.Equal(t, "box1/relay/ro_1_01/get", topic)
}

func TestFeatureSetTopic_DigitalOutput(t *testing.T) {
	f := &feature.Feature{ID: "do_2_03", Kind: feature.DigitalOutput, Circuit: "do_2_03"}
	topic, err := FeatureSetTopic("box1", f)
	require.NoError(t, err)
	assert.Equal(t, "box1/relay/do_2_03/set", topic)
}

func TestFeatureGetTopic_DigitalInput(t *testing.T) {
	f := &feature.Feature{ID: "di_1_05", Kind: feature.DigitalInput, Circuit: "di_1_05"}
	topic, err := FeatureGetTopic("box1", f)
	require.NoError(t, err)
	assert.Equal(t, "box1/input/di_1_05/get", topic)
}

func TestFeatureGetTopic_Meter(t *testing.T) {
	f := &feature.Feature{ID: "meter_1_voltage", Kind: feature.MeterField, Circuit: "meter_1_voltage"}
	topic, err := FeatureGetTopic("box1", f)
	require.NoError(t, err)
	assert.Equal(t, "box1/meter/voltage_1/get", topic)
}

func TestFeatureSetTopic_NotWritableKindStillBuilds(t *testing.T) {
	// FeatureSetTopic only cares about topic shape, not writability;
	// the router decides which features get a /set route at all.
	f := &feature.Feature{ID: "ai_1_01", Kind: feature.AnalogInput, Circuit: "ai_1_01"}
	topic, err := FeatureSetTopic("box1", f)
	require.NoError(t, err)
	assert.Equal(t, "box1/analog/ai_1_01/set", topic)
}

func TestCoverTopics(t *testing.T) {
	assert.Equal(t, "box1/blind_1/cover/blind/state", CoverStateTopic("box1", "blind_1", "blind"))
	assert.Equal(t, "box1/blind_1/cover/blind/set", CoverSetTopic("box1", "blind_1", "blind"))
	assert.Equal(t, "box1/blind_1/cover/blind/position", CoverPositionTopic("box1", "blind_1", "blind"))
	assert.Equal(t, "box1/blind_1/cover/blind/position/set", CoverPositionSetTopic("box1", "blind_1", "blind"))
	assert.Equal(t, "box1/blind_1/cover/blind/tilt", CoverTiltTopic("box1", "blind_1", "blind"))
	assert.Equal(t, "box1/blind_1/cover/blind/tilt/set", CoverTiltSetTopic("box1", "blind_1", "blind"))
}
