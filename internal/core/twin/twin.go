// Package twin implements the Twin Protocol Adapter: subscription to the
// device-twin control plane, GET/PATCH request/response correlation,
// desired-property application, and reported-property acknowledgement.
// Grounded on original_source/core/TwinHandler.cpp, restructured around
// the request-id correlation table and atomic Configuration snapshot
// SPEC_FULL.md §3/§4.5 require.
package twin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vehicle-telemetry-core/internal/core/ports"
	apperrors "vehicle-telemetry-core/pkg/errors"
)

const (
	ResponseTopicPrefix   = "$iothub/twin/res/"
	DesiredPatchPrefix    = "$iothub/twin/PATCH/properties/desired/"
	ResponseTopicWildcard = "$iothub/twin/res/#"
	DesiredPatchWildcard  = "$iothub/twin/PATCH/properties/desired/#"
)

// Purpose distinguishes what a correlation-table entry is waiting for.
type Purpose int

const (
	PurposeGet Purpose = iota
	PurposeReportedPatch
)

// CorrelationEntry tracks an in-flight GET or reported-PATCH, keyed by
// request id in the Adapter's correlation table (exclusively owned by
// this package, per SPEC_FULL.md's ownership summary).
type CorrelationEntry struct {
	RequestID string
	Purpose   Purpose
	IssuedAt  time.Time
}

// Configuration is the atomically-replaced applied desired-properties
// snapshot of SPEC_FULL.md §3.
type Configuration struct {
	Version string
	Values  map[string]any
}

// ResponseFunc is invoked whenever the adapter surfaces a protocol error
// (bad status, malformed JSON, storage failure) that the driver should
// observe. Correlation entries are not expired, so no timeout error is
// ever raised for an unanswered request.
type ResponseFunc func(err error)

// ChangeFunc is invoked after a desired-properties application succeeds,
// whether or not the version actually changed.
type ChangeFunc func(cfg Configuration, hasChanges bool)

// Publisher is the narrow send capability the adapter needs from the
// Connection Orchestrator.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) bool
	Subscribe(topic string, qos byte) bool
}

// RequestIDSource generates correlation ids; the Engine wires either the
// protocol's small monotonic counter or uuid.NewString, per SPEC_FULL.md
// §14.
type RequestIDSource func() string

// Adapter implements the twin control-plane conversation. It rejects
// GET/PATCH requests until Init has subscribed the response and
// desired-PATCH topics.
type Adapter struct {
	publisher Publisher
	clock     ports.Clock
	storage   ports.Storage
	nextRID   RequestIDSource

	initialized bool
	correlation map[string]CorrelationEntry

	applied Configuration

	onResponse ResponseFunc
	onChange   ChangeFunc
}

func New(publisher Publisher, clk ports.Clock, storage ports.Storage, nextRID RequestIDSource) *Adapter {
	return &Adapter{
		publisher:   publisher,
		clock:       clk,
		storage:     storage,
		nextRID:     nextRID,
		correlation: make(map[string]CorrelationEntry),
		applied:     Configuration{Version: "unknown", Values: map[string]any{}},
	}
}

func (a *Adapter) OnResponse(fn ResponseFunc) { a.onResponse = fn }
func (a *Adapter) OnChange(fn ChangeFunc)     { a.onChange = fn }

// ConfigVersion returns the currently applied configuration version.
func (a *Adapter) ConfigVersion() string { return a.applied.Version }

// Config returns a snapshot of the currently applied configuration.
// Readers always see one consistent version since Configuration is
// replaced as a single value, never mutated in place.
func (a *Adapter) Config() Configuration { return a.applied }

// Init subscribes the twin topics once the hub transport is Connected,
// then issues the initial GET sync described in SPEC_FULL.md §4.5.
func (a *Adapter) Init() {
	a.publisher.Subscribe(ResponseTopicWildcard, 1)
	a.publisher.Subscribe(DesiredPatchWildcard, 1)
	a.initialized = true
	a.requestFullTwin()
}

func (a *Adapter) requestFullTwin() {
	rid := a.nextRID()
	a.correlation[rid] = CorrelationEntry{RequestID: rid, Purpose: PurposeGet, IssuedAt: a.clock.Now()}
	topic := fmt.Sprintf("$iothub/twin/GET/?$rid=%s", rid)
	a.publisher.Publish(topic, nil, 1, false)
}

// HandleMessage demultiplexes an inbound twin-prefixed message: either a
// GET/PATCH response, or a desired-properties PATCH push.
func (a *Adapter) HandleMessage(topic string, payload []byte) {
	if !a.initialized {
		a.fail(apperrors.Validation("twin adapter received a message before Init"))
		return
	}
	if hasPrefix(topic, ResponseTopicPrefix) {
		a.handleResponse(topic, payload)
		return
	}
	if hasPrefix(topic, DesiredPatchPrefix) {
		a.handleDesiredPatch(payload)
		return
	}
}

func (a *Adapter) handleResponse(topic string, payload []byte) {
	status, rid := parseResponseTopic(topic)
	entry, tracked := a.correlation[rid]
	if tracked {
		delete(a.correlation, rid)
	}

	switch {
	case status == 200 && (!tracked || entry.Purpose == PurposeGet):
		a.applyFromGetResponse(payload)
	case status == 204 && tracked && entry.Purpose == PurposeReportedPatch:
		// Reported PATCH acknowledged; nothing further to do.
	default:
		a.fail(apperrors.ProtocolFailure(fmt.Sprintf("unexpected twin response status %d", status)))
	}
}

func (a *Adapter) applyFromGetResponse(payload []byte) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		a.recordParseError(payload, err)
		return
	}

	desired, ok := envelope["desired"]
	if !ok {
		if props, ok2 := envelope["properties"]; ok2 {
			var nested struct {
				Desired json.RawMessage `json:"desired"`
			}
			if err := json.Unmarshal(props, &nested); err == nil {
				desired = nested.Desired
			}
		}
	}
	if len(desired) == 0 {
		a.fail(apperrors.ProtocolFailure("twin response missing desired properties"))
		return
	}

	a.applyDesired(desired, true)
}

func (a *Adapter) handleDesiredPatch(payload []byte) {
	a.applyDesired(payload, false)
}

// applyDesired parses a desired-properties document, strips metadata
// keys, atomically replaces the applied configuration if the version
// changed, and publishes a reported acknowledgement.
func (a *Adapter) applyDesired(payload []byte, isFullSync bool) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		a.recordParseError(payload, err)
		return
	}

	version := extractVersion(raw)
	clean := stripMetadata(raw)

	hasChanges := version != a.applied.Version
	if hasChanges {
		a.applied = Configuration{Version: version, Values: clean}
	}

	if err := a.storage.WriteAtomic("twin-config.json", mustMarshal(clean)); err != nil {
		a.fail(apperrors.Storage("failed to persist applied configuration", err))
		return
	}

	ack := a.buildAck(raw, version, hasChanges, nil)
	a.publishAck(ack)

	if a.onChange != nil {
		a.onChange(a.applied, hasChanges)
	}
}

func (a *Adapter) buildAck(desired map[string]any, version string, hasChanges bool, ackErr error) map[string]any {
	status := "ok"
	if ackErr != nil {
		status = "error"
	}
	appliedAt := a.clock.ISO8601()

	ack := map[string]any{}
	if configRaw, ok := desired["config"]; ok {
		configMap, _ := configRaw.(map[string]any)
		configAck := map[string]any{
			"config_version": version,
			"status":         status,
			"applied_at":     appliedAt,
		}
		for k, v := range configMap {
			if k == "config_version" {
				continue
			}
			configAck[k] = v
		}
		ack["config"] = configAck
	} else {
		ack["config_version"] = version
		ack["status"] = status
		ack["applied_at"] = appliedAt
		for _, group := range []string{"reporting", "modes", "ota"} {
			if v, ok := desired[group]; ok {
				ack[group+"_ack"] = map[string]any{"accepted": v, "status": "ok"}
			}
		}
	}
	if ackErr != nil {
		ack["error"] = ackErr.Error()
	}
	return ack
}

func (a *Adapter) publishAck(ack map[string]any) {
	rid := a.nextRID()
	a.correlation[rid] = CorrelationEntry{RequestID: rid, Purpose: PurposeReportedPatch, IssuedAt: a.clock.Now()}
	topic := fmt.Sprintf("$iothub/twin/PATCH/properties/reported/?$rid=%s", rid)
	a.publisher.Publish(topic, mustMarshal(ack), 1, false)
}

func (a *Adapter) recordParseError(payload []byte, err error) {
	diag := map[string]any{
		"topic": "twin",
		"error": err.Error(),
	}
	diag["payload"] = string(payload)
	_ = a.storage.WriteErrorRecord(mustMarshal(diag))
	a.fail(apperrors.JSONParse("malformed twin payload", err))
}

func (a *Adapter) fail(err error) {
	if a.onResponse != nil {
		a.onResponse(err)
	}
}

func extractVersion(raw map[string]any) string {
	if v, ok := raw["$version"]; ok {
		return stringifyVersion(v)
	}
	if configRaw, ok := raw["config"]; ok {
		if configMap, ok := configRaw.(map[string]any); ok {
			if v, ok := configMap["config_version"]; ok {
				return stringifyVersion(v)
			}
		}
	}
	return "unknown"
}

func stringifyVersion(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func stripMetadata(raw map[string]any) map[string]any {
	clean := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "$version" || k == "$metadata" {
			continue
		}
		clean[k] = v
	}
	return clean
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// parseResponseTopic extracts the status code and rid from a topic of the
// form "$iothub/twin/res/<status>/?$rid=<id>".
func parseResponseTopic(topic string) (status int, rid string) {
	rest := topic[len(ResponseTopicPrefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, ""
	}
	status, _ = strconv.Atoi(rest[:slash])
	query := rest[slash:]
	const ridMarker = "$rid="
	idx := strings.Index(query, ridMarker)
	if idx < 0 {
		return status, ""
	}
	rid = query[idx+len(ridMarker):]
	if amp := strings.IndexByte(rid, '&'); amp >= 0 {
		rid = rid[:amp]
	}
	return status, rid
}
