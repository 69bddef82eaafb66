// Package simulator implements the Scenario Simulator: an optional input
// generator that drives the Device State Machine and Telemetry Pipeline
// from a scripted route and duty cycle instead of a physical vehicle bus.
// Grounded on original_source/core/domain/TrackerSimulator.hpp and
// original_source/core/Simulator.cpp, restricted to generating inputs
// only (SPEC_FULL.md §10 resolves the original's event-emission
// duplication by making the state machine the sole event emitter).
package simulator

import (
	"time"

	"vehicle-telemetry-core/internal/core/battery"
	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/core/geo"
	"vehicle-telemetry-core/internal/core/ports"
)

// DutyCycle alternates ignition-on/driving and ignition-off/parked phases
// along the route.
type DutyCycle struct {
	DriveFor time.Duration
	ParkFor  time.Duration
}

func DefaultDutyCycle() DutyCycle {
	return DutyCycle{DriveFor: 10 * time.Minute, ParkFor: 5 * time.Minute}
}

// Scenario describes the scripted route, geofences, and duty cycle a
// ScenarioSimulator follows.
type Scenario struct {
	Route         []geo.RoutePoint
	Geofences     []geo.Fence
	SpeedLimitKph float64
	DutyCycle     DutyCycle
	StartBattery  float64
}

// SimulatedInputs is the shape of inputs the Device State Machine and
// Telemetry Pipeline accept, returned once per Advance call so the Engine
// can feed them straight through.
type SimulatedInputs struct {
	IgnitionOn     bool
	Moving         bool
	Location       event.Location
	Heading        float64
	SpeedKph       float64
	SpeedLimitKph  float64
	BatteryPercent float64
	BatteryVoltage float64
	Network        event.Network
}

const headingJitterDegrees = 4.0

// ScenarioSimulator produces a plausible stream of inputs by following a
// scripted route and duty cycle.
type ScenarioSimulator struct {
	scenario Scenario
	rng      ports.Random
	clock    ports.Clock
	battery  *battery.Battery

	routeLengthMeters float64
	routeProgress     float64

	driving        bool
	phaseStartedAt time.Time
	lastTick       time.Time

	location event.Location
	heading  float64
}

func NewScenarioSimulator(scenario Scenario, rng ports.Random, clk ports.Clock) *ScenarioSimulator {
	s := &ScenarioSimulator{
		scenario: scenario,
		rng:      rng,
		clock:    clk,
		battery:  battery.New(rng),
		driving:  true,
	}
	if scenario.StartBattery > 0 {
		s.battery.SetPercentage(scenario.StartBattery)
	}
	s.routeLengthMeters = routeLength(scenario.Route)
	s.location = geo.InterpolateRoute(scenario.Route, 0)
	now := clk.Now()
	s.phaseStartedAt = now
	s.lastTick = now
	return s
}

func routeLength(route []geo.RoutePoint) float64 {
	var total float64
	for i := 1; i < len(route); i++ {
		total += geo.DistanceMeters(route[i-1].Lat, route[i-1].Lon, route[i].Lat, route[i].Lon)
	}
	return total
}

// Advance produces the next SimulatedInputs sample for now, moving the
// route position proportionally to elapsed time while driving, perturbing
// heading, draining the battery, and alternating duty-cycle phases.
func (s *ScenarioSimulator) Advance(now time.Time) SimulatedInputs {
	delta := now.Sub(s.lastTick).Seconds()
	if delta < 0 {
		delta = 0
	}
	s.lastTick = now

	s.advanceDutyCycle(now)

	speed := 0.0
	if s.driving && s.routeLengthMeters > 0 {
		speed = s.rng.Uniform(0.6*s.scenario.SpeedLimitKph, s.scenario.SpeedLimitKph)
		metersMoved := (speed / 3.6) * delta
		s.routeProgress += metersMoved / s.routeLengthMeters
		for s.routeProgress > 1.0 {
			s.routeProgress -= 1.0
		}
		prev := s.location
		next := geo.InterpolateRoute(s.scenario.Route, s.routeProgress)
		if next != prev {
			s.heading = geo.BearingDegrees(prev.Lat, prev.Lon, next.Lat, next.Lon)
		}
		s.heading += s.rng.Normal(0, headingJitterDegrees)
		s.location = next
	}

	s.battery.Tick(delta, s.driving)
	batteryInfo := s.battery.Info()

	return SimulatedInputs{
		IgnitionOn:     s.driving,
		Moving:         s.driving && speed > 0,
		Location:       s.location,
		Heading:        normalizeHeading(s.heading),
		SpeedKph:       speed,
		SpeedLimitKph:  s.scenario.SpeedLimitKph,
		BatteryPercent: batteryInfo.Percentage,
		BatteryVoltage: batteryInfo.Voltage,
		Network:        event.Network{RSSI: -70 + s.rng.UniformInt(-10, 10), RAT: "LTE"},
	}
}

func (s *ScenarioSimulator) advanceDutyCycle(now time.Time) {
	phaseDuration := s.scenario.DutyCycle.DriveFor
	if !s.driving {
		phaseDuration = s.scenario.DutyCycle.ParkFor
	}
	if phaseDuration <= 0 {
		return
	}
	if now.Sub(s.phaseStartedAt) >= phaseDuration {
		s.driving = !s.driving
		s.phaseStartedAt = now
	}
}

func normalizeHeading(h float64) float64 {
	for h < 0 {
		h += 360
	}
	for h >= 360 {
		h -= 360
	}
	return h
}
