// Package policy implements the pluggable backoff and reporting hooks the
// Connection Orchestrator and Telemetry Pipeline consult.
// Grounded on original_source/core/adapters/DefaultPolicies.hpp.
package policy

import (
	"math"
	"time"
)

// RetryPolicy decides backoff delay and retry eligibility for both
// reconnect attempts and offline-queue publish retries.
type RetryPolicy interface {
	BackoffDelay(attempt int) time.Duration
	ShouldRetry(attempt int) bool
}

// ExponentialBackoff implements delay_k = min(base * multiplier^(k-1), cap),
// per SPEC_FULL §4.1's reconnect policy and §4.4's retry loop.
type ExponentialBackoff struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

func DefaultReconnectBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:        1 * time.Second,
		Multiplier:  2.0,
		Cap:         60 * time.Second,
		MaxAttempts: 10,
	}
}

func DefaultRetryBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:        1 * time.Second,
		Multiplier:  2.0,
		Cap:         60 * time.Second,
		MaxAttempts: 5,
	}
}

func (p ExponentialBackoff) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	d := time.Duration(delay)
	if d > p.Cap {
		return p.Cap
	}
	return d
}

func (p ExponentialBackoff) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// ReportingPolicy decides heartbeat pacing and suppression of
// low-information telemetry.
type ReportingPolicy interface {
	HeartbeatInterval(inMotion bool) time.Duration
	ShouldReportMotionChange() bool
	ShouldReportBatteryLevel(currentPct, lastReportedPct float64) bool
}

// AdaptiveReporting paces heartbeats faster while moving and suppresses
// battery reports under a percentage-point threshold.
type AdaptiveReporting struct {
	StationaryInterval time.Duration
	MovingInterval     time.Duration
	BatteryDeltaPct    float64
}

func DefaultReporting() AdaptiveReporting {
	return AdaptiveReporting{
		StationaryInterval: 5 * time.Minute,
		MovingInterval:      1 * time.Minute,
		BatteryDeltaPct:     5.0,
	}
}

func (p AdaptiveReporting) HeartbeatInterval(inMotion bool) time.Duration {
	if inMotion {
		return p.MovingInterval
	}
	return p.StationaryInterval
}

func (p AdaptiveReporting) ShouldReportMotionChange() bool { return true }

func (p AdaptiveReporting) ShouldReportBatteryLevel(currentPct, lastReportedPct float64) bool {
	delta := currentPct - lastReportedPct
	if delta < 0 {
		delta = -delta
	}
	return delta >= p.BatteryDeltaPct
}
