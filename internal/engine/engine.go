// Package engine is the composition root: it wires the Connection
// Orchestrator, Provisioning Engine, Device State Machine, Telemetry
// Pipeline, and Twin Adapter behind narrow ports, with no component
// holding a strong back-reference to another, per SPEC_FULL.md §9's
// Design Notes. The driver (cmd/main.go) owns an Engine and calls Tick
// at a cadence of its choosing.
package engine

import (
	"strconv"
	"sync"
	"time"

	"vehicle-telemetry-core/internal/controlapi"
	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/core/orchestrator"
	"vehicle-telemetry-core/internal/core/policy"
	"vehicle-telemetry-core/internal/core/ports"
	"vehicle-telemetry-core/internal/core/simulator"
	"vehicle-telemetry-core/internal/core/statemachine"
	"vehicle-telemetry-core/internal/core/telemetry"
	"vehicle-telemetry-core/internal/core/twin"
	"vehicle-telemetry-core/internal/journal"
	"vehicle-telemetry-core/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps bundles the collaborator ports and policy knobs an Engine needs.
// All transport, clock, and random concerns are supplied by the driver,
// per spec.md §1's external-collaborator boundary.
type Deps struct {
	NewHubTransport  orchestrator.TransportFactory
	NewProvTransport orchestrator.TransportFactory
	Clock            ports.Clock
	Random           ports.Random
	Storage          ports.Storage
	Journal          journal.Journal

	ReconnectPolicy policy.RetryPolicy
	RetryPolicy     policy.RetryPolicy
	ReportingPolicy policy.ReportingPolicy
	QueueCapacity   int

	Scenario          *simulator.Scenario
	UseUUIDRequestIDs bool
}

// Engine is the single-threaded core: all state mutation happens inside
// Tick and the transport/HTTP callbacks it synchronously invokes.
type Engine struct {
	deps Deps

	orchestrator *orchestrator.Orchestrator
	machine      *statemachine.Machine
	pipeline     *telemetry.Pipeline
	twinAdapter  *twin.Adapter
	simulator    *simulator.ScenarioSimulator

	deviceConfig orchestrator.DeviceConfig

	speedLimitKph float64
	ridCounter    uint64

	mu        sync.Mutex
	observers []func(event.Event)

	started bool
	ready   bool
}

func New(deps Deps) *Engine {
	if deps.ReconnectPolicy == nil {
		deps.ReconnectPolicy = policy.DefaultReconnectBackoff()
	}
	if deps.RetryPolicy == nil {
		deps.RetryPolicy = policy.DefaultRetryBackoff()
	}
	if deps.ReportingPolicy == nil {
		deps.ReportingPolicy = policy.DefaultReporting()
	}
	if deps.Journal == nil {
		deps.Journal = journal.NullJournal{}
	}

	e := &Engine{
		deps:          deps,
		speedLimitKph: 90,
	}
	e.orchestrator = orchestrator.New(deps.NewHubTransport, deps.NewProvTransport)
	e.orchestrator.SetReconnectPolicy(deps.ReconnectPolicy)
	if deps.Clock != nil {
		e.orchestrator.SetClock(deps.Clock)
	}
	if deps.Scenario != nil {
		e.speedLimitKph = deps.Scenario.SpeedLimitKph
	}
	return e
}

// Start begins provisioning/hub-attachment for cfg. onComplete, if
// non-nil, is invoked after onboarding in addition to the Engine's own
// internal wiring.
func (e *Engine) Start(cfg orchestrator.DeviceConfig, onComplete func(error)) {
	e.deviceConfig = cfg
	e.started = true
	e.orchestrator.Connect(cfg, func(err error) {
		if err != nil {
			logger.Error("connect failed", zap.Error(err))
			if onComplete != nil {
				onComplete(err)
			}
			return
		}
		e.wireAfterConnect()
		if onComplete != nil {
			onComplete(nil)
		}
	})
}

// Stop tears down the connection; idempotent.
func (e *Engine) Stop() {
	e.orchestrator.Disconnect()
	e.ready = false
}

func (e *Engine) wireAfterConnect() {
	deviceID := e.orchestrator.DeviceID()

	e.pipeline = telemetry.New(deviceID, e.orchestrator, e.deps.Clock, e.deps.RetryPolicy, e.deps.ReportingPolicy)
	if e.deps.QueueCapacity > 0 {
		e.pipeline.SetQueueCapacity(e.deps.QueueCapacity)
	}
	e.pipeline.OnRecord(e.onEventRecorded)
	e.pipeline.OnDrop(func(msg telemetry.OfflineMessage) {
		logger.Warn("telemetry message dropped after exhausting retry policy", zap.Int("attempts", msg.Attempts))
	})

	e.machine = statemachine.New(e.pipeline.Emit, e.deps.Clock)

	e.twinAdapter = twin.New(e.orchestrator, e.deps.Clock, e.deps.Storage, e.nextRequestID)
	e.orchestrator.OnTwinMessage(func(topic string, payload []byte, qos byte, retained bool) {
		e.twinAdapter.HandleMessage(topic, payload)
	})
	e.orchestrator.OnMessage(e.handleCommand)
	e.twinAdapter.Init()

	if e.deps.Scenario != nil {
		e.simulator = simulator.NewScenarioSimulator(*e.deps.Scenario, e.deps.Random, e.deps.Clock)
	}

	e.ready = true
	logger.WithDeviceID(deviceID).Info("engine ready")
}

func (e *Engine) nextRequestID() string {
	if e.deps.UseUUIDRequestIDs {
		return uuid.NewString()
	}
	e.ridCounter++
	return strconv.FormatUint(e.ridCounter, 10)
}

func (e *Engine) handleCommand(topic string, payload []byte, qos byte, retained bool) {
	logger.Info("c2d command received", zap.String("topic", topic), zap.Int("bytes", len(payload)))
}

func (e *Engine) onEventRecorded(ev event.Event) {
	if err := e.deps.Journal.Record(ev); err != nil {
		logger.Warn("failed to journal event", zap.Error(err))
	}
	e.mu.Lock()
	obs := append([]func(event.Event){}, e.observers...)
	e.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// Subscribe registers fn to observe every recorded Event (delivered or
// queued); used by the control API's websocket broadcast. Returns an
// unsubscribe func.
func (e *Engine) Subscribe(fn func(event.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
	idx := len(e.observers) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.observers) {
			e.observers = append(e.observers[:idx], e.observers[idx+1:]...)
		}
	}
}

// Tick drives the orchestrator, simulator, state machine, and pipeline
// for one driver cycle. Call at a steady cadence (typically 1 Hz).
func (e *Engine) Tick(now time.Time) {
	e.orchestrator.Tick(now)
	if !e.ready || e.machine == nil {
		return
	}

	if e.simulator != nil {
		in := e.simulator.Advance(now)
		e.applySimulatedInputs(in)
	}

	e.machine.Tick(now)
	e.pipeline.Tick(now)
}

func (e *Engine) applySimulatedInputs(in simulator.SimulatedInputs) {
	e.machine.Ignition(in.IgnitionOn)
	e.machine.Motion(in.Moving)
	e.machine.BatteryPercent(in.BatteryPercent)
	e.speedLimitKph = in.SpeedLimitKph
	e.machine.SpeedSample(in.SpeedKph, in.SpeedLimitKph)
	if e.deps.Scenario != nil {
		e.machine.GeofenceUpdate(in.Location, e.deps.Scenario.Geofences)
	}

	e.pipeline.SetLocation(in.Location)
	e.pipeline.SetSpeed(in.SpeedKph)
	e.pipeline.SetHeading(in.Heading)
	e.pipeline.SetBattery(event.Battery{Percentage: in.BatteryPercent, Voltage: in.BatteryVoltage})
	e.pipeline.SetNetwork(in.Network)
}

// --- controlapi.EngineFacade ---

func (e *Engine) SetIgnition(on bool) {
	if e.machine != nil {
		e.machine.Ignition(on)
	}
}

func (e *Engine) SetGeofence(id string, entered bool) {
	if e.machine != nil {
		e.machine.GeofenceEdge(id, entered)
	}
}

func (e *Engine) SetSpeed(kph float64) {
	if e.machine == nil || e.pipeline == nil {
		return
	}
	e.machine.SpeedSample(kph, e.speedLimitKph)
	e.pipeline.SetSpeed(kph)
}

func (e *Engine) Snapshot() controlapi.StateSnapshot {
	snap := controlapi.StateSnapshot{
		DeviceID:        e.orchestrator.DeviceID(),
		ConnectionState: e.orchestrator.State().String(),
	}
	if e.machine != nil {
		snap.DeviceState = e.machine.State().String()
	}
	if e.twinAdapter != nil {
		snap.ConfigVersion = e.twinAdapter.ConfigVersion()
	}
	if e.pipeline != nil {
		snap.QueueDepth = e.pipeline.QueueLen()
		snap.BatteryPercent = e.pipeline.BatteryPercent()
		snap.SpeedKph = e.pipeline.SpeedKph()
	}
	return snap
}
