package telemetry

import (
	"testing"
	"time"

	"vehicle-telemetry-core/internal/core/event"
	"vehicle-telemetry-core/internal/core/policy"
	"vehicle-telemetry-core/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher is a minimal Publisher double, independent of
// testsupport.FakeTransport since the pipeline depends on the narrower
// Publisher interface rather than the full Transport.
type fakePublisher struct {
	connected bool
	fail      bool
	published []OfflineMessage
}

func (f *fakePublisher) Connected() bool { return f.connected }

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) bool {
	if f.fail || !f.connected {
		return false
	}
	f.published = append(f.published, OfflineMessage{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return true
}

func newPipeline(pub *fakePublisher, clk *testsupport.FakeClock) *Pipeline {
	return New("device-1", pub, clk, policy.DefaultRetryBackoff(), policy.DefaultReporting())
}

func TestSequenceIsStrictlyMonotonicPerPublishedEnvelope(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	pub := &fakePublisher{connected: true}
	p := newPipeline(pub, clk)

	p.Emit(event.Event{Type: event.IgnitionOn})
	p.Emit(event.Event{Type: event.IgnitionOff})

	require.Len(t, pub.published, 2)
	first, err := event.Codec{}.Decode(pub.published[0].Payload)
	require.NoError(t, err)
	second, err := event.Codec{}.Decode(pub.published[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestPublishFailureEnqueuesForRetry(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	pub := &fakePublisher{connected: false}
	p := newPipeline(pub, clk)

	p.Emit(event.Event{Type: event.IgnitionOn})

	assert.Equal(t, 1, p.QueueLen())
	assert.Empty(t, pub.published)
}

func TestDrainRetriesDeliversAtMostOnePerTick(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	pub := &fakePublisher{connected: false}
	p := newPipeline(pub, clk)

	p.Emit(event.Event{Type: event.IgnitionOn})
	p.Emit(event.Event{Type: event.IgnitionOff})
	require.Equal(t, 2, p.QueueLen())

	pub.connected = true
	clk.Advance(2 * time.Second)
	p.Tick(clk.Now())

	// Tick bounds the retry loop to a single dequeue attempt (SPEC_FULL.md
	// §5), so only the head of the two queued messages drains this tick.
	assert.Equal(t, 1, p.QueueLen())
	assert.Len(t, pub.published, 1)

	clk.Advance(time.Second)
	p.Tick(clk.Now())

	assert.Equal(t, 0, p.QueueLen())
	assert.Len(t, pub.published, 2)
}

func TestOfflineQueueDropsOldestWhenFull(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	pub := &fakePublisher{connected: false}
	p := newPipeline(pub, clk)
	p.SetQueueCapacity(2)

	p.Emit(event.Event{Type: event.IgnitionOn})
	p.Emit(event.Event{Type: event.MotionStart})
	p.Emit(event.Event{Type: event.MotionStop})

	assert.Equal(t, 2, p.QueueLen())
	assert.Equal(t, 1, p.QueueDropped())
}

func TestHeartbeatPacesFasterWhileMoving(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	pub := &fakePublisher{connected: true}
	p := newPipeline(pub, clk)

	p.Emit(event.Event{Type: event.MotionStart})
	require.Len(t, pub.published, 1) // the motion-start event itself
	p.Tick(clk.Now()) // establishes the heartbeat baseline at t=0

	reporting := policy.DefaultReporting()
	clk.Advance(reporting.MovingInterval + time.Second)
	p.Tick(clk.Now())

	assert.Len(t, pub.published, 2)
	hb, err := event.Codec{}.Decode(pub.published[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, event.Heartbeat, hb.Type)
}

func TestLowBatterySuppressedUnderDeltaThreshold(t *testing.T) {
	clk := testsupport.NewFakeClock(time.Unix(0, 0))
	pub := &fakePublisher{connected: true}
	p := newPipeline(pub, clk)
	p.SetBattery(event.Battery{Percentage: 19})

	p.Emit(event.Event{Type: event.LowBattery})
	assert.Len(t, pub.published, 1)

	p.SetBattery(event.Battery{Percentage: 17}) // 2pp delta, below the 5pp threshold
	p.Emit(event.Event{Type: event.LowBattery})
	assert.Len(t, pub.published, 1)

	p.SetBattery(event.Battery{Percentage: 10}) // now 9pp delta from 19
	p.Emit(event.Event{Type: event.LowBattery})
	assert.Len(t, pub.published, 2)
}
