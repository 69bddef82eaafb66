// Package orchestrator implements the Connection Orchestrator: the
// two-phase provisioning -> hub-attachment lifecycle, reconnect with
// exponential backoff, and inbound-message demultiplexing by topic prefix.
// Grounded on original_source/core/DpsConnectionManager.cpp; the reconnect
// backoff and re-subscription-before-retry behavior are additions the
// original lacked, per SPEC_FULL.md §4.1 / §9's Design Notes.
package orchestrator

import (
	"fmt"
	"os"
	"strings"
	"time"

	"vehicle-telemetry-core/internal/core/policy"
	"vehicle-telemetry-core/internal/core/ports"
	"vehicle-telemetry-core/internal/core/provisioning"
	"vehicle-telemetry-core/internal/logger"
	apperrors "vehicle-telemetry-core/pkg/errors"

	"go.uber.org/zap"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Provisioning
	ConnectingToHub
	Connected
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Provisioning:
		return "provisioning"
	case ConnectingToHub:
		return "connecting-to-hub"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeviceConfig describes how to provision and which credential material to
// present to both the provisioning service and the hub.
type DeviceConfig struct {
	IDScope              string
	RegistrationID       string
	ProvisioningEndpoint string
	ProvisioningPort     int
	Credentials          ports.Credentials
}

// CredentialChecker validates that the credential material a DeviceConfig
// references is actually available before a connection attempt begins.
type CredentialChecker interface {
	Validate(creds ports.Credentials) error
}

// FileCredentialChecker validates presence of the client certificate,
// private key, and trust anchor on the local filesystem. Filesystem
// certificate discovery proper is an external collaborator concern per
// spec.md §1; this is the minimal existence check the Orchestrator needs
// before attempting a connection.
type FileCredentialChecker struct{}

func (FileCredentialChecker) Validate(creds ports.Credentials) error {
	for _, path := range []string{creds.ClientCertPath, creds.ClientKeyPath, creds.TrustAnchorPath} {
		if path == "" {
			return apperrors.Validation("credential material path is empty")
		}
		if _, err := os.Stat(path); err != nil {
			return apperrors.Validation(fmt.Sprintf("credential material not found: %s", path))
		}
	}
	return nil
}

// TransportFactory creates a fresh Transport for one connection phase
// (provisioning or hub).
type TransportFactory func() ports.Transport

// CompletionFunc is invoked exactly once per Connect call, with an error on
// failure and nil on success.
type CompletionFunc func(err error)

// Orchestrator drives the device from Disconnected to Connected via
// provisioning then hub attachment, and keeps it Connected against
// transient faults.
type Orchestrator struct {
	newHubTransport TransportFactory
	newProvTransport TransportFactory
	credChecker     CredentialChecker
	reconnectPolicy policy.RetryPolicy
	clock           ports.Clock

	state        ConnState
	deviceID     string
	assignedHub  string
	cfg          DeviceConfig
	onComplete   CompletionFunc

	hub  ports.Transport
	prov *provisioning.Engine

	subscriptions map[string]byte // topic -> qos, replayed on reconnect
	reconnecting       bool // a reconnect has been scheduled or is awaiting its result
	reconnectInFlight  bool // an attemptReconnect call is awaiting onHubConnection
	reconnectAttempt   int
	nextReconnectAt    time.Time
	stopping           bool

	twinHandler    ports.MessageHandler
	messageHandler ports.MessageHandler
}

func New(newHubTransport, newProvTransport TransportFactory) *Orchestrator {
	return &Orchestrator{
		newHubTransport:  newHubTransport,
		newProvTransport: newProvTransport,
		credChecker:      FileCredentialChecker{},
		reconnectPolicy:  policy.DefaultReconnectBackoff(),
		clock:            systemClock{},
		state:            Disconnected,
		subscriptions:    make(map[string]byte),
	}
}

// systemClock is the zero-value fallback clock, used only until a real
// ports.Clock is wired in via SetClock; it keeps New usable in isolation
// while the Engine supplies the shared clock used everywhere else.
type systemClock struct{}

func (systemClock) Now() time.Time   { return time.Now() }
func (systemClock) ISO8601() string  { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z") }

// SetClock overrides the clock used for reconnect scheduling and
// provisioning start time, wiring the Engine's shared ports.Clock in place
// of the wall clock so reconnect timing is deterministic under test.
func (o *Orchestrator) SetClock(c ports.Clock) { o.clock = c }

func (o *Orchestrator) State() ConnState { return o.state }
func (o *Orchestrator) DeviceID() string { return o.deviceID }

// Connected reports whether the hub transport is currently usable for
// publish/subscribe, satisfying the narrow Publisher interface the
// Telemetry Pipeline depends on.
func (o *Orchestrator) Connected() bool { return o.state == Connected }

// SetCredentialChecker overrides the default filesystem-existence checker.
func (o *Orchestrator) SetCredentialChecker(c CredentialChecker) { o.credChecker = c }

// SetReconnectPolicy overrides the default exponential backoff.
func (o *Orchestrator) SetReconnectPolicy(p policy.RetryPolicy) { o.reconnectPolicy = p }

// OnTwinMessage registers the handler for $iothub/twin/ prefixed messages.
func (o *Orchestrator) OnTwinMessage(h ports.MessageHandler) { o.twinHandler = h }

// OnMessage registers the fallback handler for everything else (C2D
// commands and any application-defined topics).
func (o *Orchestrator) OnMessage(h ports.MessageHandler) { o.messageHandler = h }

const (
	twinPrefix              = "$iothub/twin/"
	telemetryTopicPrefix    = "devices/"
	commandTopicSuffix      = "/messages/devicebound/#"
)

func (o *Orchestrator) commandTopic() string {
	return telemetryTopicPrefix + o.deviceID + commandTopicSuffix
}

func (o *Orchestrator) telemetryPrefix() string {
	return telemetryTopicPrefix + o.deviceID + "/messages/events/"
}

// Connect begins provisioning; rejected if not Disconnected.
func (o *Orchestrator) Connect(cfg DeviceConfig, onComplete CompletionFunc) {
	if o.state != Disconnected {
		if onComplete != nil {
			onComplete(apperrors.Validation("connect rejected: orchestrator is not disconnected"))
		}
		return
	}

	if err := o.credChecker.Validate(cfg.Credentials); err != nil {
		if onComplete != nil {
			onComplete(err)
		}
		return
	}

	o.cfg = cfg
	o.onComplete = onComplete
	o.state = Provisioning
	o.stopping = false

	provTransport := o.newProvTransport()
	o.prov = provisioning.New(provTransport)
	o.prov.Start(provisioning.Config{
		GlobalEndpoint: cfg.ProvisioningEndpoint,
		Port:           cfg.ProvisioningPort,
		IDScope:        cfg.IDScope,
		RegistrationID: cfg.RegistrationID,
		Credentials:    cfg.Credentials,
	}, o.clock.Now(), o.onProvisioningComplete)
}

// Disconnect is idempotent: cancels provisioning if in flight, closes the
// hub transport if attached, and clears assigned-hub/device-id.
func (o *Orchestrator) Disconnect() {
	o.stopping = true
	if o.prov != nil {
		o.prov.Cancel()
		o.prov = nil
	}
	if o.hub != nil && o.hub.IsConnected() {
		o.hub.Disconnect()
	}
	o.hub = nil
	o.state = Disconnected
	o.assignedHub = ""
	o.deviceID = ""
	o.subscriptions = make(map[string]byte)
	o.reconnecting = false
	o.reconnectInFlight = false
	o.reconnectAttempt = 0
}

// Publish is valid only when Connected; prepends the device telemetry
// prefix when topic isn't already device-scoped.
func (o *Orchestrator) Publish(topic string, payload []byte, qos byte, retained bool) bool {
	if o.state != Connected || o.hub == nil {
		return false
	}
	full := topic
	if !strings.HasPrefix(topic, telemetryTopicPrefix) {
		full = o.telemetryPrefix() + topic
	}
	return o.hub.Publish(full, payload, qos, retained)
}

// Subscribe is valid only when Connected; subscriptions are tracked for
// replay on reconnect.
func (o *Orchestrator) Subscribe(topic string, qos byte) bool {
	if o.state != Connected || o.hub == nil {
		return false
	}
	ok := o.hub.Subscribe(topic, qos)
	if ok {
		o.subscriptions[topic] = qos
	}
	return ok
}

func (o *Orchestrator) Unsubscribe(topic string) bool {
	if o.state != Connected || o.hub == nil {
		return false
	}
	delete(o.subscriptions, topic)
	return o.hub.Unsubscribe(topic)
}

// Tick pumps the active transport and drives reconnection logic.
func (o *Orchestrator) Tick(now time.Time) {
	switch o.state {
	case Provisioning:
		if o.prov != nil {
			o.prov.Tick(now)
		}
	case ConnectingToHub, Connected:
		if o.hub != nil {
			o.hub.Pump()
		}
	}

	if o.reconnecting && !o.reconnectInFlight && !now.Before(o.nextReconnectAt) {
		o.attemptReconnect()
	}
}

func (o *Orchestrator) onProvisioningComplete(result provisioning.Result) {
	o.prov = nil
	if !result.Success {
		o.state = Failed
		if o.onComplete != nil {
			o.onComplete(result.Err)
		}
		return
	}

	o.assignedHub = result.AssignedHub
	o.deviceID = result.DeviceID
	o.state = ConnectingToHub

	o.hub = o.newHubTransport()
	o.hub.OnConnection(o.onHubConnection)
	o.hub.OnMessage(o.onHubMessage)

	username := fmt.Sprintf("%s/%s/?api-version=2021-04-12", o.assignedHub, o.deviceID)
	creds := o.cfg.Credentials
	creds.Username = username

	if err := o.hub.Connect(o.assignedHub, 8883, o.deviceID, creds); err != nil {
		o.state = Failed
		if o.onComplete != nil {
			o.onComplete(apperrors.Transport("failed to initiate connection to hub", err))
		}
	}
}

func (o *Orchestrator) onHubConnection(connected bool, reason string) {
	if connected {
		o.onHubConnected()
		return
	}
	o.onHubDisconnected(reason)
}

func (o *Orchestrator) onHubConnected() {
	wasReconnect := o.reconnecting
	o.reconnecting = false
	o.reconnectInFlight = false
	o.reconnectAttempt = 0

	if wasReconnect {
		for topic, qos := range o.subscriptions {
			o.hub.Subscribe(topic, qos)
		}
		logger.WithComponent("orchestrator").Info("hub transport reconnected, subscriptions replayed", zap.String("device_id", o.deviceID))
	} else {
		o.hub.Subscribe(o.commandTopic(), 1)
		o.subscriptions[o.commandTopic()] = 1
	}

	o.state = Connected
	if !wasReconnect && o.onComplete != nil {
		o.onComplete(nil)
	}
}

func (o *Orchestrator) onHubDisconnected(reason string) {
	o.reconnectInFlight = false
	if o.stopping {
		return
	}
	if o.state != Connected && !o.reconnecting {
		o.state = Failed
		if o.onComplete != nil {
			o.onComplete(apperrors.Transport("failed to connect to hub: "+reason, nil))
		}
		return
	}

	o.state = ConnectingToHub
	o.scheduleReconnect()
}

func (o *Orchestrator) scheduleReconnect() {
	o.reconnectAttempt++
	if !o.reconnectPolicy.ShouldRetry(o.reconnectAttempt) {
		o.reconnecting = false
		o.state = Failed
		logger.WithComponent("orchestrator").Warn("reconnect attempts exhausted", zap.Int("attempts", o.reconnectAttempt))
		return
	}
	o.reconnecting = true
	delay := o.reconnectPolicy.BackoffDelay(o.reconnectAttempt)
	o.nextReconnectAt = o.clock.Now().Add(delay)
}

func (o *Orchestrator) attemptReconnect() {
	o.reconnectInFlight = true
	username := fmt.Sprintf("%s/%s/?api-version=2021-04-12", o.assignedHub, o.deviceID)
	creds := o.cfg.Credentials
	creds.Username = username
	if err := o.hub.Connect(o.assignedHub, 8883, o.deviceID, creds); err != nil {
		o.onHubDisconnected(err.Error())
	}
}

func (o *Orchestrator) onHubMessage(topic string, payload []byte, qos byte, retained bool) {
	if strings.HasPrefix(topic, twinPrefix) {
		if o.twinHandler != nil {
			o.twinHandler(topic, payload, qos, retained)
		}
		return
	}
	if o.messageHandler != nil {
		o.messageHandler(topic, payload, qos, retained)
	}
}
