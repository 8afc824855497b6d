package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Subscriber is the part of an MQTT client a command source needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// MQTTSource turns messages on a command topic into Commands. A payload is
// either a JSON encoded Command or a console line understood by Parse.
type MQTTSource struct {
	out  chan Command
	done chan struct{}
	once sync.Once
	log  logrus.FieldLogger
}

func NewMQTTSource(sub Subscriber, topic string, log logrus.FieldLogger) (*MQTTSource, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &MQTTSource{
		out:  make(chan Command, 16),
		done: make(chan struct{}),
		log:  log.WithField("topic", topic),
	}
	if err := sub.Subscribe(topic, 1, s.handle); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return s, nil
}

// Commands is never closed; Close only stops delivery.
func (s *MQTTSource) Commands() <-chan Command {
	return s.out
}

func (s *MQTTSource) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MQTTSource) handle(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := decode(msg.Payload())
	if err != nil {
		s.log.WithError(err).Warn("Ignoring command")
		return
	}
	select {
	case s.out <- cmd:
	case <-s.done:
	}
}

func decode(payload []byte) (Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '{' {
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Command{}, fmt.Errorf("invalid command: %w", err)
		}
		if cmd.Kind == "" {
			return Command{}, fmt.Errorf("invalid command: missing kind")
		}
		return cmd, nil
	}
	return Parse(string(payload))
}
