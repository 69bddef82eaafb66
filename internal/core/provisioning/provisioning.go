// Package provisioning implements the DPS-style registration/assignment
// conversation on a dedicated transport. Grounded on
// original_source/core/DpsProvisioning.cpp, with the completion-callback
// exactly-once contract from SPEC_FULL.md §4.2.
package provisioning

import (
	"encoding/json"
	"fmt"
	"time"

	"vehicle-telemetry-core/internal/core/ports"
	apperrors "vehicle-telemetry-core/pkg/errors"
)

type State int

const (
	Idle State = iota
	ConnectingToProvisioner
	SendingRegistration
	WaitingForAssignment
	Completed
	Failed
)

const (
	ResponseTopicWildcard = "$dps/registrations/res/#"
	registerTopic         = "$dps/registrations/PUT/iotdps-register/?$rid=1"

	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 120 * time.Second
)

// Config describes the target provisioning service and device identity.
type Config struct {
	GlobalEndpoint string
	Port           int
	IDScope        string
	RegistrationID string
	Credentials    ports.Credentials

	PollInterval time.Duration
	Timeout      time.Duration
}

// Result carries the outcome of a provisioning attempt. On success,
// AssignedHub and DeviceID are populated; on failure, Err is non-nil.
type Result struct {
	Success     bool
	AssignedHub string
	DeviceID    string
	Err         error
}

// CompletionFunc is invoked exactly once per Start call.
type CompletionFunc func(Result)

// Engine runs the registration/polling state machine over a dedicated
// Transport, released on completion.
type Engine struct {
	transport ports.Transport
	cfg       Config
	onDone    CompletionFunc

	state       State
	operationID string
	startedAt   time.Time
	lastPoll    time.Time
	completed   bool
}

func New(transport ports.Transport) *Engine {
	return &Engine{transport: transport, state: Idle}
}

func (e *Engine) State() State { return e.state }

// Start begins the provisioning conversation: opens the transport,
// subscribes to the response wildcard, and publishes the registration PUT
// once connected. now is the monotonic start time used for the deadline.
func (e *Engine) Start(cfg Config, now time.Time, onDone CompletionFunc) {
	e.cfg = cfg
	if e.cfg.PollInterval == 0 {
		e.cfg.PollInterval = DefaultPollInterval
	}
	if e.cfg.Timeout == 0 {
		e.cfg.Timeout = DefaultTimeout
	}
	e.onDone = onDone
	e.state = ConnectingToProvisioner
	e.startedAt = now
	e.lastPoll = now
	e.completed = false

	e.transport.OnConnection(e.onConnection)
	e.transport.OnMessage(e.onMessage)

	username := fmt.Sprintf("%s/registrations/%s/api-version=2021-06-01", cfg.IDScope, cfg.RegistrationID)
	creds := cfg.Credentials
	creds.Username = username

	if err := e.transport.Connect(cfg.GlobalEndpoint, cfg.Port, cfg.RegistrationID, creds); err != nil {
		e.complete(Result{Success: false, Err: apperrors.Transport("failed to initiate connection to provisioning service", err)})
	}
}

// Tick drives the polling cadence and the overall provisioning deadline.
// Call once per driver tick while Start has been called and State() is
// neither Completed nor Failed.
func (e *Engine) Tick(now time.Time) {
	if e.completed {
		return
	}
	e.transport.Pump()

	if now.Sub(e.startedAt) > e.cfg.Timeout {
		e.complete(Result{Success: false, Err: apperrors.ProtocolTimeout("provisioning timeout")})
		return
	}

	if e.state == WaitingForAssignment && now.Sub(e.lastPoll) >= e.cfg.PollInterval {
		e.pollAssignment()
		e.lastPoll = now
	}
}

// Cancel aborts an in-flight provisioning attempt, completing as failure
// ("cancelled") and releasing the transport.
func (e *Engine) Cancel() {
	if e.completed || e.state == Idle {
		return
	}
	e.complete(Result{Success: false, Err: apperrors.ProtocolFailure("cancelled")})
}

func (e *Engine) onConnection(connected bool, reason string) {
	if e.state != ConnectingToProvisioner {
		return
	}
	if !connected {
		e.complete(Result{Success: false, Err: apperrors.Transport("failed to connect to provisioning service: "+reason, nil)})
		return
	}

	e.transport.Subscribe(ResponseTopicWildcard, 1)

	payload, _ := json.Marshal(struct {
		RegistrationID string `json:"registrationId"`
	}{RegistrationID: e.cfg.RegistrationID})

	if e.transport.Publish(registerTopic, payload, 1, false) {
		e.state = SendingRegistration
		return
	}
	e.complete(Result{Success: false, Err: apperrors.Transport("failed to send registration request", nil)})
}

func (e *Engine) onMessage(topic string, payload []byte, qos byte, retained bool) {
	if e.state != SendingRegistration && e.state != WaitingForAssignment {
		return
	}

	var body struct {
		Status      string `json:"status"`
		OperationID string `json:"operationId"`
		AssignedHub string `json:"assignedHub"`
		DeviceID    string `json:"deviceId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		e.complete(Result{Success: false, Err: apperrors.JSONParse("malformed registration response", err)})
		return
	}

	switch body.Status {
	case "assigning":
		e.operationID = body.OperationID
		e.state = WaitingForAssignment
	case "assigned":
		if body.AssignedHub == "" || body.DeviceID == "" {
			e.complete(Result{Success: false, Err: apperrors.ProtocolFailure("assignment response missing required fields")})
			return
		}
		e.complete(Result{Success: true, AssignedHub: body.AssignedHub, DeviceID: body.DeviceID})
	default:
		e.complete(Result{Success: false, Err: apperrors.ProtocolFailure(fmt.Sprintf("registration failed with status: %s", body.Status))})
	}
}

func (e *Engine) pollAssignment() {
	if e.state != WaitingForAssignment || e.operationID == "" {
		return
	}
	topic := fmt.Sprintf("$dps/registrations/GET/iotdps-get-operationstatus/?$rid=2&operationId=%s", e.operationID)
	e.transport.Publish(topic, nil, 1, false)
}

func (e *Engine) complete(result Result) {
	if e.completed {
		return
	}
	e.completed = true
	if result.Success {
		e.state = Completed
	} else {
		e.state = Failed
	}
	e.transport.Disconnect()
	if e.onDone != nil {
		e.onDone(result)
	}
}
