// Package telemetry implements the Telemetry Pipeline: envelope assembly,
// JSON serialization, heartbeat pacing, and at-least-once delivery with a
// bounded offline queue and head-of-line retry. Grounded on
// original_source/core/domain/TelemetryPipeline.cpp, generalized to the
// pull-based event.Codec and policy.RetryPolicy/ReportingPolicy
// abstractions the rest of this module already defines.
package telemetry

import (
	"time"

	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/core/policy"
	"vehicle-telemetry-core/internal/core/ports"
	"vehicle-telemetry-core/internal/logger"

	"go.uber.org/zap"
)

// Publisher is the narrow send capability the pipeline depends on; the
// Connection Orchestrator satisfies it. The pipeline never touches the
// transport or subscription state directly, per the mediator pattern of
// SPEC_FULL.md §9.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) bool
	Connected() bool
}

// RecordFunc observes every assembled Event, whether or not it was
// successfully delivered; the Engine wires this to the optional Event
// Journal.
type RecordFunc func(event.Event)

// DropFunc observes an offline message dropped after exhausting the
// retry policy, satisfying the "observable via logging" hook SPEC_FULL.md
// §4.4 requires.
type DropFunc func(OfflineMessage)

// Pipeline owns the sequence counter and the offline queue exclusively,
// per SPEC_FULL.md's ownership summary.
type Pipeline struct {
	deviceID  string
	publisher Publisher
	clock     ports.Clock
	codec     event.Codec

	retryPolicy     policy.RetryPolicy
	reportingPolicy policy.ReportingPolicy

	queue *offlineQueue

	sequence uint64

	lastHeartbeatAt        time.Time
	inMotion                bool
	lastReportedBatteryPct  float64

	location event.Location
	speed    float64
	heading  float64
	battery  event.Battery
	network  event.Network

	onRecord RecordFunc
	onDrop   DropFunc
}

// New builds a Pipeline for deviceID. retryPolicy paces offline-queue
// retries (not the Orchestrator's own reconnect backoff, which is a
// separate policy instance per SPEC_FULL.md §4.1/§4.4).
func New(deviceID string, publisher Publisher, clk ports.Clock, retryPolicy policy.RetryPolicy, reportingPolicy policy.ReportingPolicy) *Pipeline {
	return &Pipeline{
		deviceID:               deviceID,
		publisher:               publisher,
		clock:                   clk,
		retryPolicy:              retryPolicy,
		reportingPolicy:          reportingPolicy,
		queue:                    newOfflineQueue(DefaultQueueCapacity),
		lastReportedBatteryPct:   100.0,
	}
}

// SetQueueCapacity overrides the default Q_MAX (100).
func (p *Pipeline) SetQueueCapacity(capacity int) { p.queue = newOfflineQueue(capacity) }

// OnRecord registers the Event Journal hook.
func (p *Pipeline) OnRecord(fn RecordFunc) { p.onRecord = fn }

// OnDrop registers the retry-exhaustion observability hook.
func (p *Pipeline) OnDrop(fn DropFunc) { p.onDrop = fn }

// QueueLen reports the current offline-queue depth, for diagnostics.
func (p *Pipeline) QueueLen() int { return p.queue.Len() }

// QueueDropped reports how many queued messages were evicted by the
// drop-oldest-when-full policy (distinct from retry-exhaustion drops).
func (p *Pipeline) QueueDropped() int { return p.queue.Dropped() }

// BatteryPercent and SpeedKph report the telemetry sample currently
// stamped onto each assembled envelope, for diagnostics (e.g. the
// control API's state snapshot).
func (p *Pipeline) BatteryPercent() float64 { return p.battery.Percentage }
func (p *Pipeline) SpeedKph() float64       { return p.speed }

// SetLocation/SetSpeed/SetHeading/SetBattery/SetNetwork update the current
// telemetry sample the next assembled envelope will carry; the Engine
// calls these from the Scenario Simulator or a real vehicle bus each tick.
func (p *Pipeline) SetLocation(loc event.Location) { p.location = loc }
func (p *Pipeline) SetSpeed(kph float64)           { p.speed = kph }
func (p *Pipeline) SetHeading(deg float64)         { p.heading = deg }
func (p *Pipeline) SetBattery(b event.Battery)     { p.battery = b }
func (p *Pipeline) SetNetwork(n event.Network)     { p.network = n }

// Emit is the statemachine.Emitter the Device State Machine publishes
// domain events through. It assembles, filters, and dispatches a full
// Event envelope.
func (p *Pipeline) Emit(domainEvent event.Event) {
	p.dispatch(domainEvent)
}

// Tick paces heartbeats and drains the retry queue. Call once per driver
// tick.
func (p *Pipeline) Tick(now time.Time) {
	if p.lastHeartbeatAt.IsZero() {
		p.lastHeartbeatAt = now
	}
	if now.Sub(p.lastHeartbeatAt) >= p.reportingPolicy.HeartbeatInterval(p.inMotion) {
		p.dispatch(event.Event{Type: event.Heartbeat})
		p.lastHeartbeatAt = now
	}
	p.drainRetries(now)
}

func (p *Pipeline) dispatch(domainEvent event.Event) {
	now := p.clock.Now()

	switch domainEvent.Type {
	case event.MotionStart:
		p.inMotion = true
	case event.MotionStop:
		p.inMotion = false
	}

	if !p.shouldPublish(domainEvent) {
		return
	}

	p.sequence++
	full := event.Event{
		DeviceID:    p.deviceID,
		Timestamp:   p.clock.ISO8601(),
		Type:        domainEvent.Type,
		Sequence:    p.sequence,
		Location:    p.location,
		SpeedKph:    p.speed,
		Heading:     p.heading,
		Battery:     p.battery,
		Network:     p.network,
		ExtraKeys:   domainEvent.ExtraKeys,
		ExtraValues: domainEvent.ExtraValues,
	}

	if p.onRecord != nil {
		p.onRecord(full)
	}

	if domainEvent.Type == event.LowBattery {
		p.lastReportedBatteryPct = p.battery.Percentage
	}

	payload, err := p.codec.Encode(full)
	if err != nil {
		logger.Error("failed to encode telemetry event", zap.Error(err), zap.Uint64("seq", full.Sequence))
		return
	}

	p.send(payload, now)
}

// shouldPublish applies the reporting-policy suppression hooks of
// SPEC_FULL.md §4.4. Heartbeats are never suppressed.
func (p *Pipeline) shouldPublish(e event.Event) bool {
	switch e.Type {
	case event.Heartbeat:
		return true
	case event.MotionStart, event.MotionStop:
		return p.reportingPolicy.ShouldReportMotionChange()
	case event.LowBattery:
		return p.reportingPolicy.ShouldReportBatteryLevel(p.battery.Percentage, p.lastReportedBatteryPct)
	default:
		return true
	}
}

func (p *Pipeline) send(payload []byte, now time.Time) {
	const qos byte = 1
	if p.publisher.Connected() && p.publisher.Publish("", payload, qos, false) {
		return
	}
	p.enqueue(OfflineMessage{
		Topic:       "",
		Payload:     payload,
		QoS:         qos,
		Attempts:    1,
		NextRetryAt: now.Add(p.retryPolicy.BackoffDelay(1)),
	})
}

func (p *Pipeline) enqueue(msg OfflineMessage) {
	if p.queue.Len() >= p.queue.capacity {
		logger.Warn("offline queue full, dropping oldest message", zap.String("device_id", p.deviceID))
	}
	p.queue.Push(msg)
}

// drainRetries processes the offline queue head-of-line: at most one
// dequeue attempt per tick (SPEC_FULL.md §5 bounds Tick's work to "at most
// one dequeue attempt on the retry queue"), stopping on a not-yet-due head
// or a failed publish to preserve per-topic order (Testable Property 8).
func (p *Pipeline) drainRetries(now time.Time) {
	if !p.publisher.Connected() {
		return
	}
	msg, ok := p.queue.Peek()
	if !ok {
		return
	}
	if now.Before(msg.NextRetryAt) {
		return
	}
	if !p.retryPolicy.ShouldRetry(msg.Attempts) {
		p.queue.PopFront()
		logger.WithComponent("telemetry").Warn("dropping message after exhausting retry policy", zap.Int("attempts", msg.Attempts))
		if p.onDrop != nil {
			p.onDrop(msg)
		}
		return
	}
	if p.publisher.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retained) {
		p.queue.PopFront()
		return
	}
	msg.Attempts++
	msg.NextRetryAt = now.Add(p.retryPolicy.BackoffDelay(msg.Attempts))
	p.queue.UpdateFront(msg)
}
