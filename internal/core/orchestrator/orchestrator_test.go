package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"vehicle-telemetry-core/internal/core/policy"
	"vehicle-telemetry-core/internal/core/ports"
	"vehicle-telemetry-core/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopCredentialChecker struct{}

func (noopCredentialChecker) Validate(ports.Credentials) error { return nil }

func newTestOrchestrator() (*Orchestrator, *testsupport.FakeTransport, *testsupport.FakeTransport) {
	provTransport := testsupport.NewFakeTransport()
	hubTransport := testsupport.NewFakeTransport()
	o := New(func() ports.Transport { return hubTransport }, func() ports.Transport { return provTransport })
	o.SetCredentialChecker(noopCredentialChecker{})
	return o, hubTransport, provTransport
}

func completeProvisioning(t *testing.T, prov *testsupport.FakeTransport) {
	t.Helper()
	prov.SimulateConnected()
	body, _ := json.Marshal(map[string]string{
		"status":      "assigned",
		"assignedHub": "hub.example.net",
		"deviceId":    "device-1",
	})
	prov.InjectMessage("$dps/registrations/res/200/?$rid=1", body)
}

func TestConnectDrivesProvisioningThenHubAttachment(t *testing.T) {
	o, hub, prov := newTestOrchestrator()

	var connectErr error
	o.Connect(DeviceConfig{IDScope: "scope", RegistrationID: "device-1"}, func(err error) { connectErr = err })
	assert.Equal(t, Provisioning, o.State())

	completeProvisioning(t, prov)
	assert.Equal(t, ConnectingToHub, o.State())
	assert.Equal(t, "device-1", o.DeviceID())

	hub.SimulateConnected()
	require.NoError(t, connectErr)
	assert.Equal(t, Connected, o.State())
	assert.True(t, o.Connected())
}

func TestCommandTopicIsSubscribedOnFirstConnect(t *testing.T) {
	o, hub, prov := newTestOrchestrator()
	o.Connect(DeviceConfig{IDScope: "scope", RegistrationID: "device-1"}, func(error) {})
	completeProvisioning(t, prov)
	hub.SimulateConnected()

	assert.Contains(t, hub.Subscriptions, "devices/device-1/messages/devicebound/#")
}

func TestPublishPrependsTelemetryPrefixWhenConnected(t *testing.T) {
	o, hub, prov := newTestOrchestrator()
	o.Connect(DeviceConfig{IDScope: "scope", RegistrationID: "device-1"}, func(error) {})
	completeProvisioning(t, prov)
	hub.SimulateConnected()

	ok := o.Publish("telemetry", []byte("{}"), 1, false)
	require.True(t, ok)
	require.Len(t, hub.Published, 1)
	assert.Equal(t, "devices/device-1/messages/events/telemetry", hub.Published[0].Topic)
}

func TestDisconnectLosesHubTriggersReconnectWithBackoff(t *testing.T) {
	o, hub, prov := newTestOrchestrator()
	o.SetReconnectPolicy(policy.ExponentialBackoff{Base: time.Second, Multiplier: 2, Cap: 60 * time.Second, MaxAttempts: 10})
	o.Connect(DeviceConfig{IDScope: "scope", RegistrationID: "device-1"}, func(error) {})
	completeProvisioning(t, prov)
	hub.SimulateConnected()
	o.Subscribe("custom/topic", 1)

	hub.SimulateDisconnected("network blip")
	assert.Equal(t, ConnectingToHub, o.State())

	o.Tick(time.Now().Add(2 * time.Second))
	require.Len(t, hub.ConnectCalls, 2) // initial attach, then the reconnect attempt

	hub.SimulateConnected()
	assert.Equal(t, Connected, o.State())
	assert.Contains(t, hub.Subscriptions, "custom/topic") // replayed on reconnect
}

func TestReconnectExhaustionMarksFailed(t *testing.T) {
	o, hub, prov := newTestOrchestrator()
	o.SetReconnectPolicy(policy.ExponentialBackoff{Base: time.Millisecond, Multiplier: 1, Cap: time.Millisecond, MaxAttempts: 1})
	o.Connect(DeviceConfig{IDScope: "scope", RegistrationID: "device-1"}, func(error) {})
	completeProvisioning(t, prov)
	hub.SimulateConnected()

	hub.SimulateDisconnected("network blip")
	assert.Equal(t, Failed, o.State())
}

func TestTwinMessagesAreRoutedToTwinHandler(t *testing.T) {
	o, hub, prov := newTestOrchestrator()
	o.Connect(DeviceConfig{IDScope: "scope", RegistrationID: "device-1"}, func(error) {})
	completeProvisioning(t, prov)
	hub.SimulateConnected()

	var twinTopic, cmdTopic string
	o.OnTwinMessage(func(topic string, payload []byte, qos byte, retained bool) { twinTopic = topic })
	o.OnMessage(func(topic string, payload []byte, qos byte, retained bool) { cmdTopic = topic })

	hub.InjectMessage("$iothub/twin/res/200/?$rid=1", []byte("{}"))
	hub.InjectMessage("devices/device-1/messages/devicebound/cmd-1", []byte("{}"))

	assert.Equal(t, "$iothub/twin/res/200/?$rid=1", twinTopic)
	assert.Equal(t, "devices/device-1/messages/devicebound/cmd-1", cmdTopic)
}
