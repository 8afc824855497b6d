package control

import (
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	topic   string
	handler mqtt.MessageHandler
	err     error
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.topic = topic
	f.handler = handler
	return f.err
}

type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "meshnode/1/commands" }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestMQTTSource(t *testing.T) {
	log, hook := test.NewNullLogger()
	sub := &fakeSubscriber{}
	src, err := NewMQTTSource(sub, "meshnode/1/commands", log)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "meshnode/1/commands", sub.topic)

	sub.handler(nil, fakeMessage{payload: []byte(`{"kind":"request_text_file","node":9,"file":"a.txt"}`)})
	sub.handler(nil, fakeMessage{payload: []byte("msg 9 4 hello there\n")})
	sub.handler(nil, fakeMessage{payload: []byte(`{"node":9}`)})
	sub.handler(nil, fakeMessage{payload: []byte("dance")})

	cmd := <-src.Commands()
	assert.Equal(t, Command{Kind: RequestTextFile, Node: 9, File: "a.txt"}, cmd)
	cmd = <-src.Commands()
	assert.Equal(t, Command{Kind: SendMessage, Node: 9, To: 4, Text: "hello there"}, cmd)

	select {
	case cmd := <-src.Commands():
		t.Fatalf("unexpected command %v", cmd)
	default:
	}
	assert.Len(t, hook.AllEntries(), 2)
}

func TestMQTTSourceSubscribeError(t *testing.T) {
	_, err := NewMQTTSource(&fakeSubscriber{err: errors.New("not connected")}, "t", nil)
	assert.Error(t, err)
}

func TestMQTTSourceCloseUnblocksHandler(t *testing.T) {
	sub := &fakeSubscriber{}
	src, err := NewMQTTSource(sub, "t", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(src.out)+1; i++ {
			sub.handler(nil, fakeMessage{payload: []byte("flood")})
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	src.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked after close")
	}
}
