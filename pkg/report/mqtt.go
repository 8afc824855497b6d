package report

import (
	"encoding/json"
	"fmt"
)

// Publisher is the part of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink publishes each event as JSON on a fixed topic.
type MQTTSink struct {
	Client Publisher
	Topic  string
	QoS    byte
}

func (s MQTTSink) Write(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.Client.Publish(s.Topic, data, s.QoS, false); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.Topic, err)
	}
	return nil
}
