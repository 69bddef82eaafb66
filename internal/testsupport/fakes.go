// Package testsupport provides deterministic test doubles for the core's
// collaborator ports, grounded on original_source/core/sim/MockTransport
// and original_source/core/sim/SimulatedClock: an in-memory Transport that
// records published messages and lets tests inject inbound ones and flip
// connection state, a Clock whose time only moves when advanced, and a
// Random source with a fixed, reproducible sequence.
package testsupport

import (
	"time"

	"vehicle-telemetry-core/internal/clock"
	"vehicle-telemetry-core/internal/core/ports"
)

// PublishedMessage records a single call to FakeTransport.Publish.
type PublishedMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// FakeTransport is an in-memory ports.Transport double.
type FakeTransport struct {
	Connected      bool
	FailConnect    bool
	FailPublish    bool
	FailSubscribe  bool
	ConnectCalls   []ConnectCall
	Published      []PublishedMessage
	Subscriptions  map[string]byte
	Unsubscribed   []string

	msgHandler  ports.MessageHandler
	connHandler ports.ConnectionHandler
}

type ConnectCall struct {
	Host     string
	Port     int
	ClientID string
	Creds    ports.Credentials
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Subscriptions: make(map[string]byte)}
}

func (f *FakeTransport) Connect(host string, port int, clientID string, creds ports.Credentials) error {
	f.ConnectCalls = append(f.ConnectCalls, ConnectCall{Host: host, Port: port, ClientID: clientID, Creds: creds})
	if f.FailConnect {
		return &fakeErr{"fake transport connect failure"}
	}
	f.Connected = true
	return nil
}

func (f *FakeTransport) Disconnect() {
	f.Connected = false
}

func (f *FakeTransport) IsConnected() bool { return f.Connected }

func (f *FakeTransport) Publish(topic string, payload []byte, qos byte, retained bool) bool {
	if f.FailPublish || !f.Connected {
		return false
	}
	f.Published = append(f.Published, PublishedMessage{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return true
}

func (f *FakeTransport) Subscribe(topic string, qos byte) bool {
	if f.FailSubscribe || !f.Connected {
		return false
	}
	f.Subscriptions[topic] = qos
	return true
}

func (f *FakeTransport) Unsubscribe(topic string) bool {
	delete(f.Subscriptions, topic)
	f.Unsubscribed = append(f.Unsubscribed, topic)
	return true
}

func (f *FakeTransport) OnMessage(h ports.MessageHandler)       { f.msgHandler = h }
func (f *FakeTransport) OnConnection(h ports.ConnectionHandler) { f.connHandler = h }
func (f *FakeTransport) Pump()                                  {}

// InjectMessage delivers an inbound message as if received from the
// broker, mirroring MockTransport::injectMessage.
func (f *FakeTransport) InjectMessage(topic string, payload []byte) {
	if f.msgHandler != nil {
		f.msgHandler(topic, payload, 1, false)
	}
}

// SimulateConnected/SimulateDisconnected drive the connection callback
// independently of Connect/Disconnect, mirroring
// MockTransport::simulateConnectionLoss/Restore.
func (f *FakeTransport) SimulateConnected() {
	f.Connected = true
	if f.connHandler != nil {
		f.connHandler(true, "")
	}
}

func (f *FakeTransport) SimulateDisconnected(reason string) {
	f.Connected = false
	if f.connHandler != nil {
		f.connHandler(false, reason)
	}
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

// FakeClock is a manually-advanced ports.Clock double.
type FakeClock struct {
	t time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{t: start}
}

func (c *FakeClock) Now() time.Time { return c.t }

func (c *FakeClock) ISO8601() string { return clock.FormatISO8601(c.t) }

func (c *FakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func (c *FakeClock) Set(t time.Time) { c.t = t }

// FakeRandom returns a fixed, reproducible sequence instead of sampling
// entropy, so scenario tests are deterministic per Testable Property 4.
type FakeRandom struct {
	UniformValue    float64
	UniformIntValue int
	NormalValue     float64
}

func (r *FakeRandom) Uniform(min, max float64) float64 {
	if r.UniformValue != 0 {
		return r.UniformValue
	}
	return (min + max) / 2
}

func (r *FakeRandom) UniformInt(min, max int) int {
	if r.UniformIntValue != 0 {
		return r.UniformIntValue
	}
	return min
}

func (r *FakeRandom) Normal(mean, stddev float64) float64 {
	return mean + r.NormalValue
}
