package mqttplane

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/cover"
	"github.com/superbox-dev/unipi-control/internal/feature"
)

// fakeToken is a completed mqtt.Token: Wait returns immediately and
// Error reports whatever the fake client decided.
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool  { return true }
func (t *fakeToken) Done() <-chan struct{}           { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                    { return t.err }

// fakeClient implements the Plane's narrow client interface without
// faking paho's full Client surface.
type fakeClient struct {
	connectErrs  []error // consumed in order, one per Connect() call
	connectCalls int
	published    []struct {
		topic    string
		payload  []byte
		retained bool
	}
	subscribed []string
	open       bool
}

func (c *fakeClient) Connect() mqtt.Token {
	var err error
	if c.connectCalls < len(c.connectErrs) {
		err = c.connectErrs[c.connectCalls]
	}
	c.connectCalls++
	if err == nil {
		c.open = true
	}
	return &fakeToken{err: err}
}

func (c *fakeClient) Disconnect(uint) { c.open = false }

func (c *fakeClient) IsConnectionOpen() bool { return c.open }

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var p []byte
	switch v := payload.(type) {
	case []byte:
		p = v
	case string:
		p = []byte(v)
	}
	c.published = append(c.published, struct {
		topic    string
		payload  []byte
		retained bool
	}{topic, p, retained})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.subscribed = append(c.subscribed, topic)
	return &fakeToken{}
}

func newTestPlane(t *testing.T, fc *fakeClient) *Plane {
	t.Helper()
	registry, err := feature.NewRegistry(nil, nil)
	require.NoError(t, err)
	router, err := NewRouter("box1", registry, nil, nil, nil)
	require.NoError(t, err)

	p := &Plane{
		cfg:            config.MQTTConfig{RetryLimit: 3, ReconnectInterval: time.Millisecond},
		deviceName:     "box1",
		registry:       registry,
		client:         fc,
		router:         router,
		coverTopicInfo: newCoverTopicInfo(nil),
	}
	return p
}

func TestPlane_ConnectSucceedsFirstTry(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPlane(t, fc)
	require.NoError(t, p.Connect())
	assert.Equal(t, 1, fc.connectCalls)
}

func TestPlane_ConnectRetriesThenSucceeds(t *testing.T) {
	fc := &fakeClient{connectErrs: []error{errors.New("refused"), errors.New("refused")}}
	p := newTestPlane(t, fc)
	require.NoError(t, p.Connect())
	assert.Equal(t, 3, fc.connectCalls)
}

func TestPlane_ConnectFatalAfterRetryLimit(t *testing.T) {
	fc := &fakeClient{connectErrs: []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
	}}
	p := newTestPlane(t, fc)
	err := p.Connect()
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 3, fatal.Attempts)
}

func TestPlane_PublishAvailability(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPlane(t, fc)
	p.PublishAvailability(true)
	require.Len(t, fc.published, 1)
	assert.Equal(t, "box1/availability", fc.published[0].topic)
	assert.Equal(t, "online", string(fc.published[0].payload))
	assert.True(t, fc.published[0].retained)

	p.PublishAvailability(false)
	assert.Equal(t, "offline", string(fc.published[1].payload))
}

func TestPlane_PublishCoverState(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPlane(t, fc)
	p.coverTopicInfo = map[string]coverTopicInfo{
		"blind_1": {objectID: "blind_1", deviceClass: "blind", hasTilt: true},
	}

	p.PublishCoverState("blind_1", cover.Opening, 42, 77)
	require.Len(t, fc.published, 3)
}
