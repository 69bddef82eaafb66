// Package statemachine implements the Device State Machine: it translates
// ignition, motion, battery, geofence, and speed inputs into a device
// state and a stream of domain events. Grounded on
// original_source/core/domain/DeviceStateMachine.cpp, generalized to the
// edge-only event semantics SPEC_FULL.md requires (the original emits
// IgnitionOn/MotionStart redundantly on some transitions; this
// implementation emits each edge exactly once).
package statemachine

import (
	"sort"
	"strconv"
	"time"

	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/core/geo"
)

// State is the device's current operating mode.
type State int

const (
	Idle State = iota
	Driving
	Parked
	LowBattery
	Offline
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Driving:
		return "driving"
	case Parked:
		return "parked"
	case LowBattery:
		return "low-battery"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

const (
	// BatteryLowThreshold is the percentage below which the device
	// latches into LowBattery.
	BatteryLowThreshold = 20.0
	// ParkingTimeout is how long the device stays Parked before
	// reverting to Idle with no further input.
	ParkingTimeout = 2 * time.Minute
)

// Emitter receives domain events produced by the state machine. The Engine
// wires this to the Telemetry Pipeline; the state machine holds no
// reference back to its consumer beyond this narrow callback, per the
// Design Notes' no-ownership-cycles rule.
type Emitter func(event.Event)

// Machine owns device-state scalars and the current inside-geofence set,
// exclusively, per SPEC_FULL.md's ownership summary.
type Machine struct {
	emit  Emitter
	clock clockSource

	state State

	ignitionOn bool
	inMotion   bool
	batteryPct float64
	connected  bool

	insideFences map[string]bool

	parkingDeadline time.Time
	parkingActive   bool
}

type clockSource interface {
	Now() time.Time
}

func New(emit Emitter, clock clockSource) *Machine {
	return &Machine{
		emit:         emit,
		clock:        clock,
		state:        Idle,
		batteryPct:   100.0,
		connected:    true,
		insideFences: make(map[string]bool),
	}
}

// State returns the machine's current device state.
func (m *Machine) State() State { return m.state }

func (m *Machine) emitEdge(t event.Type, extras map[string]*string) {
	if m.emit == nil {
		return
	}
	e := event.Event{Type: t}
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e = e.WithExtra(k, extras[k])
	}
	m.emit(e)
}

// Ignition processes an ignition on/off edge.
func (m *Machine) Ignition(on bool) {
	if m.ignitionOn == on {
		return
	}
	m.ignitionOn = on
	if on {
		m.emitEdge(event.IgnitionOn, nil)
	} else {
		m.emitEdge(event.IgnitionOff, nil)
	}
	m.applyTransition(on, m.inMotion)
}

// Motion processes a motion start/stop edge.
func (m *Machine) Motion(moving bool) {
	if m.inMotion == moving {
		return
	}
	m.inMotion = moving
	if moving {
		m.emitEdge(event.MotionStart, nil)
	} else {
		m.emitEdge(event.MotionStop, nil)
	}
	m.applyTransition(m.ignitionOn, moving)
}

// applyTransition re-evaluates the state given the latest ignition/motion
// edge, following the From-state transition table of SPEC_FULL.md §4.3.
func (m *Machine) applyTransition(ignitionOn, inMotion bool) {
	switch m.state {
	case Idle:
		if ignitionOn {
			m.transitionForDriveIntent()
		}
	case Driving:
		if !ignitionOn || !inMotion {
			m.startParking()
			m.setState(Parked)
		}
	case Parked:
		if ignitionOn || inMotion {
			m.stopParking()
			m.setState(Driving)
		}
	case LowBattery, Offline:
		// Ignition/motion edges don't move these states directly;
		// BatteryPercent / ConnectionStatus reconstitute below.
	}
}

func (m *Machine) transitionForDriveIntent() {
	if m.batteryPct < BatteryLowThreshold {
		m.setState(LowBattery)
		return
	}
	m.setState(Driving)
}

// BatteryPercent reports a new battery level reading; emits LowBattery on
// the downward-crossing edge only.
func (m *Machine) BatteryPercent(pct float64) {
	wasLow := m.batteryPct < BatteryLowThreshold
	m.batteryPct = pct
	isLow := pct < BatteryLowThreshold

	if !wasLow && isLow {
		m.emitEdge(event.LowBattery, nil)
		m.setState(LowBattery)
	} else if wasLow && !isLow {
		m.reconstitute()
	}
}

// ConnectionStatus processes a connection lost/restored edge.
func (m *Machine) ConnectionStatus(connected bool) {
	if m.connected == connected {
		return
	}
	m.connected = connected
	if !connected {
		m.setState(Offline)
		return
	}
	m.reconstitute()
}

// reconstitute recomputes state from current ignition/motion/battery after
// leaving LowBattery or Offline, per SPEC_FULL.md §4.3.
func (m *Machine) reconstitute() {
	if m.batteryPct < BatteryLowThreshold {
		m.setState(LowBattery)
		return
	}
	switch {
	case m.ignitionOn && m.inMotion:
		m.setState(Driving)
	case m.ignitionOn || m.inMotion:
		m.startParking()
		m.setState(Parked)
	default:
		m.setState(Idle)
	}
}

// Tick advances the parking timer; call once per driver tick.
func (m *Machine) Tick(now time.Time) {
	if m.state == Parked && m.parkingActive && !now.Before(m.parkingDeadline) {
		m.stopParking()
		m.setState(Idle)
	}
}

func (m *Machine) startParking() {
	m.parkingActive = true
	m.parkingDeadline = m.clock.Now().Add(ParkingTimeout)
}

func (m *Machine) stopParking() {
	m.parkingActive = false
}

func (m *Machine) setState(s State) {
	m.state = s
}

// GeofenceUpdate evaluates the current position against a fence set and
// emits GeofenceEnter/GeofenceExit on membership transitions relative to
// the prior tick, per Testable Property 9 (alternation starting with
// Enter for any given id).
func (m *Machine) GeofenceUpdate(loc event.Location, fences []geo.Fence) {
	nowInside := make(map[string]bool, len(fences))
	for _, id := range geo.InsideFences(loc, fences) {
		nowInside[id] = true
		if !m.insideFences[id] {
			idCopy := id
			m.emitEdge(event.GeofenceEnter, map[string]*string{"geofence_id": &idCopy})
		}
	}
	for id := range m.insideFences {
		if !nowInside[id] {
			idCopy := id
			m.emitEdge(event.GeofenceExit, map[string]*string{"geofence_id": &idCopy})
		}
	}
	m.insideFences = nowInside
}

// GeofenceEdge manually applies a single geofence membership transition
// (e.g. from an operator override rather than a location fix), emitting
// Enter/Exit only when it actually changes the tracked set so the
// alternation invariant of Testable Property 9 holds regardless of
// whether membership came from GeofenceUpdate or this method.
func (m *Machine) GeofenceEdge(id string, entered bool) {
	wasInside := m.insideFences[id]
	if entered == wasInside {
		return
	}
	idCopy := id
	if entered {
		m.insideFences[id] = true
		m.emitEdge(event.GeofenceEnter, map[string]*string{"geofence_id": &idCopy})
		return
	}
	delete(m.insideFences, id)
	m.emitEdge(event.GeofenceExit, map[string]*string{"geofence_id": &idCopy})
}

// SpeedSample reports a measured speed against a limit; emits
// SpeedOverLimit for every sample strictly above the limit (no
// hysteresis, no rate limit).
func (m *Machine) SpeedSample(measured, limit float64) {
	if measured <= limit {
		return
	}
	limitStr := formatFloat(limit)
	measuredStr := formatFloat(measured)
	m.emitEdge(event.SpeedOverLimit, map[string]*string{
		"limit":    &limitStr,
		"measured": &measuredStr,
	})
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
