package mqttplane

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/cover"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/logger"
)

// publishFeatureState publishes a feature's decoded value, retained
// QoS 1, per §4.G/§6. Errors building the topic (an unsupported kind)
// are logged, not propagated — the Scan Loop keeps running regardless
// of one malformed feature.
func (p *Plane) publishFeatureState(f *feature.Feature, v feature.Value) {
	topic, err := FeatureGetTopic(p.deviceName, f)
	if err != nil {
		logger.WithFeature(f.ID, f.Circuit).Warn("cannot build mqtt topic", zap.Error(err))
		return
	}
	payload, err := featurePayload(f, v)
	if err != nil {
		logger.WithFeature(f.ID, f.Circuit).Debug("feature has no value yet, skipping publish")
		return
	}
	p.publishRetained(topic, payload)
}

// PublishCoverState implements cover.StatePublisher. It publishes the
// three retained cover topics (state, position, tilt) per §6.
func (p *Plane) PublishCoverState(coverID string, state cover.State, position, tilt int) {
	cfg, ok := p.coverTopicInfo[coverID]
	if !ok {
		return
	}

	p.publishRetained(CoverStateTopic(p.deviceName, cfg.objectID, cfg.deviceClass), []byte(state.String()))
	p.publishRetained(CoverPositionTopic(p.deviceName, cfg.objectID, cfg.deviceClass), []byte(strconv.Itoa(position)))
	if cfg.hasTilt {
		p.publishRetained(CoverTiltTopic(p.deviceName, cfg.objectID, cfg.deviceClass), []byte(strconv.Itoa(tilt)))
	}
}

// PublishAvailability publishes the retained online/offline status
// (§4.G, §6).
func (p *Plane) PublishAvailability(online bool) {
	status := "offline"
	if online {
		status = "online"
	}
	p.publishRetained(AvailabilityTopic(p.deviceName), []byte(status))
}

func (p *Plane) publishRetained(topic string, payload []byte) {
	if p.client == nil {
		return
	}
	token := p.client.Publish(topic, 1, true, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// publishAllFeatureState is called once, via PublishInitialState, after
// the startup scan of every transport (§4.G). It is not called again on
// a later MQTT connect; after startup, feature state is published only
// through PublishFeatureChanged.
func (p *Plane) publishAllFeatureState(values map[string]feature.Value) {
	for _, f := range p.registry.IterReadable() {
		v := values[f.ID]
		p.publishFeatureState(f, v)
	}
}

