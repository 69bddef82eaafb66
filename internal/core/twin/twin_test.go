package twin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"vehicle-telemetry-core/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage is a minimal ports.Storage double recording writes instead
// of touching the filesystem.
type fakeStorage struct {
	atomicWrites []string
	errorWrites  [][]byte
}

func (s *fakeStorage) WriteAtomic(path string, data []byte) error {
	s.atomicWrites = append(s.atomicWrites, path)
	return nil
}

func (s *fakeStorage) WriteErrorRecord(data []byte) error {
	s.errorWrites = append(s.errorWrites, data)
	return nil
}

func sequentialRequestIDs() RequestIDSource {
	n := 0
	return func() string {
		n++
		return strconv.Itoa(n)
	}
}

func newAdapter(t *testing.T) (*Adapter, *testsupport.FakeTransport, *fakeStorage) {
	t.Helper()
	transport := testsupport.NewFakeTransport()
	transport.SimulateConnected()
	storage := &fakeStorage{}
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	a := New(transport, clk, storage, sequentialRequestIDs())
	// Route injected messages to the adapter the way the Engine does via
	// the Orchestrator's twin-prefix handler.
	transport.OnMessage(func(topic string, payload []byte, qos byte, retained bool) {
		a.HandleMessage(topic, payload)
	})
	return a, transport, storage
}

func TestInitSubscribesAndRequestsFullTwin(t *testing.T) {
	a, transport, _ := newAdapter(t)
	a.Init()

	assert.Contains(t, transport.Subscriptions, ResponseTopicWildcard)
	assert.Contains(t, transport.Subscriptions, DesiredPatchWildcard)
	require.Len(t, transport.Published, 1)
	assert.Equal(t, "$iothub/twin/GET/?$rid=1", transport.Published[0].Topic)
}

func TestGetResponseAppliesDesiredAndAcksReportedPatch(t *testing.T) {
	a, transport, storage := newAdapter(t)
	a.Init()

	body, _ := json.Marshal(map[string]any{
		"desired": map[string]any{
			"$version": 7,
			"config": map[string]any{
				"config_version":    7,
				"heartbeat_seconds": 30,
			},
		},
	})
	transport.InjectMessage(fmt.Sprintf("%s200/?$rid=1", ResponseTopicPrefix), body)

	assert.Equal(t, "7", a.ConfigVersion())
	require.Len(t, transport.Published, 2) // GET request, then the reported PATCH ack
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=2", transport.Published[1].Topic)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(transport.Published[1].Payload, &ack))
	configAck, ok := ack["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "7", configAck["config_version"])
	assert.Equal(t, "ok", configAck["status"])
	assert.Len(t, storage.atomicWrites, 1)
}

func TestDesiredPatchPushIsAppliedWithoutAFollowUpGet(t *testing.T) {
	a, transport, _ := newAdapter(t)
	a.Init()
	transport.Published = nil // drop the initial GET from the assertions below

	patch, _ := json.Marshal(map[string]any{
		"$version": 9,
		"reporting": map[string]any{"interval_seconds": 15},
	})
	transport.InjectMessage(DesiredPatchPrefix+"foo", patch)

	assert.Equal(t, "9", a.ConfigVersion())
	require.Len(t, transport.Published, 1)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(transport.Published[0].Payload, &ack))
	assert.Equal(t, "9", ack["config_version"])
	_, hasReportingAck := ack["reporting_ack"]
	assert.True(t, hasReportingAck)
}

func TestUnchangedVersionStillAcksButDoesNotReplaceConfiguration(t *testing.T) {
	a, transport, _ := newAdapter(t)
	a.Init()

	var changeCalls int
	var lastHasChanges bool
	a.OnChange(func(cfg Configuration, hasChanges bool) {
		changeCalls++
		lastHasChanges = hasChanges
	})

	first, _ := json.Marshal(map[string]any{"$version": 3, "reporting": map[string]any{}})
	transport.InjectMessage(DesiredPatchPrefix+"x", first)
	second, _ := json.Marshal(map[string]any{"$version": 3, "reporting": map[string]any{}})
	transport.InjectMessage(DesiredPatchPrefix+"x", second)

	assert.Equal(t, 2, changeCalls)
	assert.False(t, lastHasChanges)
}

func TestMalformedTwinPayloadRecordsDiagnosticAndSurfacesError(t *testing.T) {
	a, transport, storage := newAdapter(t)
	a.Init()

	var gotErr error
	a.OnResponse(func(err error) { gotErr = err })

	before := a.ConfigVersion()
	transport.InjectMessage(DesiredPatchPrefix+"x", []byte("not json"))

	assert.Error(t, gotErr)
	assert.Equal(t, before, a.ConfigVersion())
	assert.Len(t, storage.errorWrites, 1)
}

func TestUnexpectedResponseStatusSurfacesProtocolFailure(t *testing.T) {
	a, transport, _ := newAdapter(t)
	a.Init()

	var gotErr error
	a.OnResponse(func(err error) { gotErr = err })

	transport.InjectMessage(fmt.Sprintf("%s500/?$rid=1", ResponseTopicPrefix), []byte("{}"))
	assert.Error(t, gotErr)
}
