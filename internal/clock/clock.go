// Package clock implements the Clock port: a thin wrapper over the
// standard library's wall clock, grounded on
// original_source/core/IClock.cpp. A FakeClock test double lives in
// internal/testsupport for deterministic scenario tests.
package clock

import "time"

// WallClock satisfies ports.Clock using the process's real wall clock.
type WallClock struct{}

func New() WallClock { return WallClock{} }

func (WallClock) Now() time.Time { return time.Now() }

// ISO8601 formats the current instant as UTC, millisecond precision, with
// a trailing Z, matching SPEC_FULL.md §3's timestamp requirement.
func (WallClock) ISO8601() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatISO8601 formats an arbitrary instant the same way; exported so
// callers that already hold a time.Time (e.g. the Telemetry Pipeline
// stamping an event) don't need to re-sample Now().
func FormatISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
