package mqttplane

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/superbox-dev/unipi-control/internal/config"
	"github.com/superbox-dev/unipi-control/internal/cover"
	"github.com/superbox-dev/unipi-control/internal/feature"
	"github.com/superbox-dev/unipi-control/internal/logger"
	"github.com/superbox-dev/unipi-control/internal/modbus"
)

// handlerFunc is one topic's inbound message handler.
type handlerFunc func(payload []byte) error

// Router is the pre-built topic → handler map of §4.G: every /set
// topic the daemon subscribes to is resolved once at startup, never
// by string matching at dispatch time.
type Router struct {
	routes map[string]handlerFunc
	topics []string
}

// NewRouter builds the router from the Feature Registry (writable
// features only) and the running Cover Controllers. queues resolves a
// feature's backing Command Queue by transport id.
func NewRouter(deviceName string, registry *feature.Registry, queues map[string]*modbus.CommandQueue, covers map[string]*cover.Controller, coverCfgs []config.CoverConfig) (*Router, error) {
	r := &Router{routes: make(map[string]handlerFunc)}

	for _, f := range registry.IterWritable() {
		topic, err := FeatureSetTopic(deviceName, f)
		if err != nil {
			return nil, err
		}
		queue, ok := queues[f.TransportID]
		if !ok {
			return nil, fmt.Errorf("feature %s: no command queue for transport %s", f.ID, f.TransportID)
		}
		r.addRoute(topic, featureSetHandler(f, queue))
	}

	for _, cc := range coverCfgs {
		ctrl, ok := covers[cc.ID]
		if !ok {
			return nil, fmt.Errorf("cover %s: no controller registered", cc.ID)
		}
		objectID := cc.ObjectID
		if objectID == "" {
			objectID = cc.ID
		}

		r.addRoute(CoverSetTopic(deviceName, objectID, cc.DeviceClass), coverSetHandler(ctrl))
		r.addRoute(CoverPositionSetTopic(deviceName, objectID, cc.DeviceClass), coverPositionSetHandler(ctrl))
		if cc.DeviceClass == "blind" {
			r.addRoute(CoverTiltSetTopic(deviceName, objectID, cc.DeviceClass), coverTiltSetHandler(ctrl))
		}
	}

	return r, nil
}

func (r *Router) addRoute(topic string, h handlerFunc) {
	r.routes[topic] = h
	r.topics = append(r.topics, topic)
}

// Topics lists every subscribed topic; the Plane's on-connect handler
// subscribes to each of them.
func (r *Router) Topics() []string {
	out := make([]string, len(r.topics))
	copy(out, r.topics)
	return out
}

// Dispatch runs the handler registered for topic. A missing route is
// not an error (a retained message on an unrelated topic the broker
// delivered); the caller logs malformed-payload errors and drops them
// per §4.G.
func (r *Router) Dispatch(topic string, payload []byte) error {
	h, ok := r.routes[topic]
	if !ok {
		return nil
	}
	return h(payload)
}

func featureSetHandler(f *feature.Feature, queue *modbus.CommandQueue) handlerFunc {
	return func(payload []byte) error {
		v, err := parseFeatureSetPayload(f, payload)
		if err != nil {
			return err
		}
		cmd, err := feature.EncodeWrite(f, v)
		if err != nil {
			return err
		}
		completion := queue.Submit(cmd)
		go func() {
			if err := completion.Wait(); err != nil {
				logger.WithFeature(f.ID, f.Circuit).Warn("write failed", zap.Error(err))
			}
		}()
		return nil
	}
}

func coverSetHandler(ctrl *cover.Controller) handlerFunc {
	return func(payload []byte) error {
		switch string(payload) {
		case "OPEN":
			ctrl.Submit(cover.Command{Kind: cover.CmdOpen})
		case "CLOSE":
			ctrl.Submit(cover.Command{Kind: cover.CmdClose})
		case "STOP":
			ctrl.Submit(cover.Command{Kind: cover.CmdStop})
		default:
			return fmt.Errorf("invalid cover command: %q", payload)
		}
		return nil
	}
}

func coverPositionSetHandler(ctrl *cover.Controller) handlerFunc {
	return func(payload []byte) error {
		pct, err := parsePercentPayload(payload)
		if err != nil {
			return err
		}
		ctrl.Submit(cover.Command{Kind: cover.CmdSetPosition, Value: pct})
		return nil
	}
}

func coverTiltSetHandler(ctrl *cover.Controller) handlerFunc {
	return func(payload []byte) error {
		pct, err := parsePercentPayload(payload)
		if err != nil {
			return err
		}
		ctrl.Submit(cover.Command{Kind: cover.CmdSetTilt, Value: pct})
		return nil
	}
}

