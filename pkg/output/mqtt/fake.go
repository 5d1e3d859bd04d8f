package mqtt

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message seen by FakeClient.
type Published struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// FakeClient is an in-memory mqtt.Client for simulation runs and tests.
// Published messages are recorded and Deliver feeds subscribers.
type FakeClient struct {
	mu        sync.Mutex
	connected bool
	published []Published
	subs      map[string]mqtt.MessageHandler
}

func NewFakeClient() *FakeClient {
	return &FakeClient{connected: true, subs: make(map[string]mqtt.MessageHandler)}
}

// Messages returns everything published so far.
func (f *FakeClient) Messages() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}

// Deliver calls the handler of every subscription matching topic.
func (f *FakeClient) Deliver(topic string, payload []byte) int {
	f.mu.Lock()
	var hs []mqtt.MessageHandler
	for filter, h := range f.subs {
		if topicMatches(filter, topic) {
			hs = append(hs, h)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(f, &fakeMessage{topic: topic, payload: payload})
	}
	return len(hs)
}

func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *FakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return doneToken{}
}

func (f *FakeClient) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *FakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	}
	f.mu.Lock()
	f.published = append(f.published, Published{Topic: topic, Retained: retained, Payload: b})
	f.mu.Unlock()
	return doneToken{}
}

func (f *FakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	f.subs[topic] = callback
	f.mu.Unlock()
	return doneToken{}
}

func (f *FakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for t := range filters {
		f.Subscribe(t, 0, callback)
	}
	return doneToken{}
}

func (f *FakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	for _, t := range topics {
		delete(f.subs, t)
	}
	f.mu.Unlock()
	return doneToken{}
}

func (f *FakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	f.Subscribe(topic, 0, callback)
}

func (f *FakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// topicMatches supports exact filters and a trailing "#".
func topicMatches(filter, topic string) bool {
	if strings.HasSuffix(filter, "/#") {
		return strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))
	}
	return filter == topic
}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }

func (doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

var (
	_ mqtt.Client  = (*FakeClient)(nil)
	_ mqtt.Message = (*fakeMessage)(nil)
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
