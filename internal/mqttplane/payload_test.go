package mqttplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/feature"
)

func TestBoolPayload(t *testing.T) {
	assert.Equal(t, []byte("ON"), boolPayload(true))
	assert.Equal(t, []byte("OFF"), boolPayload(false))
}

func TestParseBoolPayload(t *testing.T) {
	v, err := parseBoolPayload([]byte("on"))
	require.NoError(t, err)
	assert.True(t, v)

	v, err = parseBoolPayload([]byte("OFF"))
	require.NoError(t, err)
	assert.False(t, v)

	_, err = parseBoolPayload([]byte("toggle"))
	assert.Error(t, err)
}

func TestFloatPayload_Precision(t *testing.T) {
	assert.Equal(t, "230.10", string(floatPayload(230.1, "V")))
	assert.Equal(t, "1.235", string(floatPayload(1.2345, "kWh")))
}

func TestFeaturePayload_NoValueYet(t *testing.T) {
	f := &feature.Feature{ID: "di_1_01", Kind: feature.DigitalInput}
	_, err := featurePayload(f, feature.Value{})
	assert.Error(t, err)
}

func TestFeaturePayload_Digital(t *testing.T) {
	f := &feature.Feature{ID: "ro_1_01", Kind: feature.RelayOutput}
	p, err := featurePayload(f, feature.BoolValue(true))
	require.NoError(t, err)
	assert.Equal(t, "ON", string(p))
}

func TestParseFeatureSetPayload_RelayAndAnalog(t *testing.T) {
	ro := &feature.Feature{Kind: feature.RelayOutput}
	v, err := parseFeatureSetPayload(ro, []byte("ON"))
	require.NoError(t, err)
	assert.True(t, v.Bool)

	ao := &feature.Feature{Kind: feature.AnalogOutput}
	v, err = parseFeatureSetPayload(ao, []byte("12.5"))
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v.Float32, 0.001)

	di := &feature.Feature{Kind: feature.DigitalInput}
	_, err = parseFeatureSetPayload(di, []byte("ON"))
	assert.Error(t, err)
}

func TestParsePercentPayload(t *testing.T) {
	v, err := parsePercentPayload([]byte("42"))
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = parsePercentPayload([]byte("101"))
	assert.Error(t, err)

	_, err = parsePercentPayload([]byte("abc"))
	assert.Error(t, err)
}
