package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffGrowsThenCaps(t *testing.T) {
	p := ExponentialBackoff{Base: time.Second, Multiplier: 2.0, Cap: 10 * time.Second, MaxAttempts: 10}

	assert.Equal(t, time.Second, p.BackoffDelay(1))
	assert.Equal(t, 2*time.Second, p.BackoffDelay(2))
	assert.Equal(t, 4*time.Second, p.BackoffDelay(3))
	assert.Equal(t, 8*time.Second, p.BackoffDelay(4))
	assert.Equal(t, 10*time.Second, p.BackoffDelay(5)) // would be 16s, capped to 10s
}

func TestExponentialBackoffShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := DefaultRetryBackoff()
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(4))
	assert.False(t, p.ShouldRetry(5))
}

func TestDefaultReconnectBackoffMatchesTenAttemptCeiling(t *testing.T) {
	p := DefaultReconnectBackoff()
	assert.True(t, p.ShouldRetry(9))
	assert.False(t, p.ShouldRetry(10))
}

func TestAdaptiveReportingHeartbeatIntervalDependsOnMotion(t *testing.T) {
	p := DefaultReporting()
	assert.Equal(t, p.MovingInterval, p.HeartbeatInterval(true))
	assert.Equal(t, p.StationaryInterval, p.HeartbeatInterval(false))
}

func TestAdaptiveReportingBatteryDeltaThreshold(t *testing.T) {
	p := AdaptiveReporting{BatteryDeltaPct: 5.0}
	assert.False(t, p.ShouldReportBatteryLevel(50, 47))
	assert.True(t, p.ShouldReportBatteryLevel(50, 44))
	assert.True(t, p.ShouldReportBatteryLevel(44, 50)) // symmetric around the delta
}
