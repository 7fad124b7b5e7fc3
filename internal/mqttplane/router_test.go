package mqttplane

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/cover"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/modbus"
)

func bit(v uint8) *uint8 { return &v }

func testRegistryAndQueues(t *testing.T) (*feature.Registry, map[string]*modbus.CommandQueue) {
	t.Helper()
	def := &config.HardwareDefinition{
		Model: "test",
		Units: []config.UnitDefinition{{
			UnitID:      0,
			TransportID: "t1",
			RegisterBlocks: []config.RegisterBlockDefinition{
				{Start: 0, Count: 2, Access: "read_write"},
			},
			Features: []config.FeatureDefinition{
				{ID: "ro_1_01", Kind: "relay_output", Circuit: "ro_1_01", Address: 0, Bit: bit(0), IsCoil: true},
				{ID: "di_1_01", Kind: "digital_input", Circuit: "di_1_01", Address: 1, Bit: bit(0)},
			},
		}},
	}
	registry, err := feature.NewRegistry([]*config.HardwareDefinition{def}, nil)
	require.NoError(t, err)

	queues := map[string]*modbus.CommandQueue{"t1": modbus.NewCommandQueue()}
	return registry, queues
}

func newTestCover(t *testing.T) (*cover.Controller, *config.CoverConfig) {
	t.Helper()
	def := &config.HardwareDefinition{
		Model: "test",
		Units: []config.UnitDefinition{{
			UnitID:      0,
			TransportID: "t1",
			RegisterBlocks: []config.RegisterBlockDefinition{
				{Start: 10, Count: 1, Access: "read_write"},
				{Start: 11, Count: 1, Access: "read_write"},
			},
			Features: []config.FeatureDefinition{
				{ID: "cover_up", Kind: "relay_output", Circuit: "cover_up", Address: 10, Bit: bit(0), IsCoil: true},
				{ID: "cover_down", Kind: "relay_output", Circuit: "cover_down", Address: 11, Bit: bit(0), IsCoil: true},
			},
		}},
	}
	registry, err := feature.NewRegistry([]*config.HardwareDefinition{def}, nil)
	require.NoError(t, err)

	cache := modbus.NewRegisterCache()
	cache.UpdateBlock(0, 10, []uint16{0})
	cache.UpdateBlock(0, 11, []uint16{0})
	queue := modbus.NewCommandQueue()

	cfg := config.CoverConfig{
		ID:                 "blind_1",
		DeviceClass:        "blind",
		CoverRunTime:       10 * time.Second,
		TiltChangeTime:     time.Second,
		CoverUpFeatureID:   "cover_up",
		CoverDownFeatureID: "cover_down",
	}
	ctrl, err := cover.NewController(cfg, registry, cache, queue, nil, false)
	require.NoError(t, err)

	return ctrl, &cfg
}

func TestNewRouter_FeatureAndCoverTopics(t *testing.T) {
	registry, queues := testRegistryAndQueues(t)
	ctrl, cfg := newTestCover(t)

	router, err := NewRouter("box1", registry, queues, map[string]*cover.Controller{"blind_1": ctrl}, []config.CoverConfig{*cfg})
	require.NoError(t, err)

	topics := router.Topics()
	assert.Contains(t, topics, "box1/relay/ro_1_01/set")
	assert.Contains(t, topics, "box1/blind_1/cover/blind/set")
	assert.Contains(t, topics, "box1/blind_1/cover/blind/position/set")
	assert.Contains(t, topics, "box1/blind_1/cover/blind/tilt/set")
	// digital_input is read-only: no /set route.
	assert.NotContains(t, topics, "box1/input/di_1_01/set")
}

func TestRouter_DispatchFeatureSet(t *testing.T) {
	registry, queues := testRegistryAndQueues(t)
	router, err := NewRouter("box1", registry, queues, nil, nil)
	require.NoError(t, err)

	err = router.Dispatch("box1/relay/ro_1_01/set", []byte("ON"))
	require.NoError(t, err)
	assert.Equal(t, 1, queues["t1"].Len())
}

func TestRouter_DispatchMalformedPayload(t *testing.T) {
	registry, queues := testRegistryAndQueues(t)
	router, err := NewRouter("box1", registry, queues, nil, nil)
	require.NoError(t, err)

	err = router.Dispatch("box1/relay/ro_1_01/set", []byte("toggle"))
	assert.Error(t, err)
}

func TestRouter_DispatchUnknownTopicIsNotAnError(t *testing.T) {
	registry, queues := testRegistryAndQueues(t)
	router, err := NewRouter("box1", registry, queues, nil, nil)
	require.NoError(t, err)

	assert.NoError(t, router.Dispatch("unrelated/topic", []byte("x")))
}
