package statemachine

import (
	"testing"
	"time"

	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/core/geo"
	"vehicle-telemetry-core/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMachine(clk *testsupport.FakeClock) (*Machine, *[]event.Event) {
	var emitted []event.Event
	m := New(func(e event.Event) { emitted = append(emitted, e) }, clk)
	return m, &emitted
}

func TestIgnitionDriveParkIdleCycle(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, emitted := newMachine(clk)

	m.Ignition(true)
	require.Equal(t, Driving, m.State())

	m.Ignition(false)
	assert.Equal(t, Parked, m.State())

	clk.Advance(ParkingTimeout + time.Second)
	m.Tick(clk.Now())
	assert.Equal(t, Idle, m.State())

	types := eventTypes(*emitted)
	assert.Equal(t, []event.Type{event.IgnitionOn, event.IgnitionOff}, types)
}

func TestIgnitionEdgesAreNotDuplicated(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, emitted := newMachine(clk)

	m.Ignition(true)
	m.Ignition(true) // repeated "on" must not re-emit
	assert.Len(t, *emitted, 1)
	assert.Equal(t, event.IgnitionOn, (*emitted)[0].Type)
}

func TestLowBatteryLatchAndRecovery(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, emitted := newMachine(clk)

	m.BatteryPercent(50)
	assert.Equal(t, Idle, m.State())

	m.BatteryPercent(15)
	assert.Equal(t, LowBattery, m.State())

	m.BatteryPercent(25)
	assert.Equal(t, Idle, m.State())

	types := eventTypes(*emitted)
	assert.Equal(t, []event.Type{event.LowBattery}, types)
}

func TestBatteryLowThresholdBlocksDriveIntent(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, _ := newMachine(clk)
	m.BatteryPercent(10)

	m.Ignition(true)
	assert.Equal(t, LowBattery, m.State())
}

func TestGeofenceEnterExitAlternates(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, emitted := newMachine(clk)

	fence := geo.Fence{ID: "depot", Lat: 0, Lon: 0, RadiusMeters: 100}
	inside := event.Location{Lat: 0, Lon: 0}
	outside := event.Location{Lat: 10, Lon: 10}

	m.GeofenceUpdate(inside, []geo.Fence{fence})
	m.GeofenceUpdate(inside, []geo.Fence{fence}) // no change, no duplicate
	m.GeofenceUpdate(outside, []geo.Fence{fence})

	types := eventTypes(*emitted)
	assert.Equal(t, []event.Type{event.GeofenceEnter, event.GeofenceExit}, types)
}

func TestGeofenceEdgeMatchesLocationDrivenTransitions(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, emitted := newMachine(clk)

	m.GeofenceEdge("depot", true)
	m.GeofenceEdge("depot", true) // idempotent
	m.GeofenceEdge("depot", false)

	types := eventTypes(*emitted)
	assert.Equal(t, []event.Type{event.GeofenceEnter, event.GeofenceExit}, types)
}

func TestSpeedOverLimitHasNoHysteresis(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, emitted := newMachine(clk)

	m.SpeedSample(80, 90)
	assert.Empty(t, *emitted)

	m.SpeedSample(95, 90)
	m.SpeedSample(96, 90)
	assert.Len(t, *emitted, 2)
	assert.Equal(t, event.SpeedOverLimit, (*emitted)[0].Type)
}

func TestConnectionLostForcesOfflineAndRestoreReconstitutes(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	m, _ := newMachine(clk)

	m.Ignition(true)
	require.Equal(t, Driving, m.State())

	m.ConnectionStatus(false)
	assert.Equal(t, Offline, m.State())

	m.ConnectionStatus(true)
	assert.Equal(t, Parked, m.State()) // motion never resumed, only ignition is still on
}

func eventTypes(events []event.Event) []event.Type {
	out := make([]event.Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
