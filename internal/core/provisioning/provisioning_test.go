package provisioning

import (
	"encoding/json"
	"testing"
	"time"

	"vehicle-telemetry-core/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessfulRegistrationAssignsImmediately(t *testing.T) {
	transport := testsupport.NewFakeTransport()
	e := New(transport)

	var result Result
	e.Start(Config{IDScope: "scope", RegistrationID: "device-1"}, time.Unix(0, 0), func(r Result) {
		result = r
	})

	transport.SimulateConnected()
	require.Equal(t, SendingRegistration, e.State())

	body, _ := json.Marshal(map[string]string{
		"status":      "assigned",
		"assignedHub": "hub.example.net",
		"deviceId":    "device-1",
	})
	transport.InjectMessage("$dps/registrations/res/200/?$rid=1", body)

	require.True(t, result.Success)
	assert.Equal(t, "hub.example.net", result.AssignedHub)
	assert.Equal(t, "device-1", result.DeviceID)
	assert.Equal(t, Completed, e.State())
}

func TestAssigningStatusPollsUntilAssigned(t *testing.T) {
	transport := testsupport.NewFakeTransport()
	e := New(transport)

	var result Result
	e.Start(Config{IDScope: "scope", RegistrationID: "device-1", PollInterval: time.Second}, time.Unix(0, 0), func(r Result) {
		result = r
	})
	transport.SimulateConnected()

	assigning, _ := json.Marshal(map[string]string{"status": "assigning", "operationId": "op-1"})
	transport.InjectMessage("$dps/registrations/res/202/?$rid=1", assigning)
	assert.Equal(t, WaitingForAssignment, e.State())

	e.Tick(time.Unix(2, 0))
	require.Len(t, transport.Published, 2) // registration PUT, then the poll GET

	assigned, _ := json.Marshal(map[string]string{
		"status":      "assigned",
		"assignedHub": "hub.example.net",
		"deviceId":    "device-1",
	})
	transport.InjectMessage("$dps/registrations/res/200/?$rid=2", assigned)

	require.True(t, result.Success)
}

func TestTransportConnectFailureCompletesAsFailure(t *testing.T) {
	transport := testsupport.NewFakeTransport()
	transport.FailConnect = true
	e := New(transport)

	var result Result
	e.Start(Config{IDScope: "scope", RegistrationID: "device-1"}, time.Unix(0, 0), func(r Result) {
		result = r
	})

	assert.False(t, result.Success)
	assert.Equal(t, Failed, e.State())
}

func TestTimeoutCompletesAsFailure(t *testing.T) {
	transport := testsupport.NewFakeTransport()
	e := New(transport)

	var result Result
	e.Start(Config{IDScope: "scope", RegistrationID: "device-1", Timeout: 5 * time.Second}, time.Unix(0, 0), func(r Result) {
		result = r
	})
	transport.SimulateConnected()

	e.Tick(time.Unix(10, 0))
	assert.False(t, result.Success)
	assert.Equal(t, Failed, e.State())
}

func TestCancelReleasesTransportAndCompletesAsFailure(t *testing.T) {
	transport := testsupport.NewFakeTransport()
	e := New(transport)

	var result Result
	e.Start(Config{IDScope: "scope", RegistrationID: "device-1"}, time.Unix(0, 0), func(r Result) {
		result = r
	})
	transport.SimulateConnected()

	e.Cancel()
	assert.False(t, result.Success)
	assert.False(t, transport.Connected)
}
