// Package mqtt adapts eclipse/paho.mqtt.golang to the core's narrow
// ports.Transport interface, supporting both username/password and TLS
// client-certificate credentials. Grounded on the teacher's
// internal/ingestion/mqtt_client.go connect/subscribe/publish lifecycle,
// generalized from a single fixed broker session to the per-phase
// fresh-instance-per-connect shape the Connection Orchestrator and
// Provisioning Engine require.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"vehicle-telemetry-core/internal/core/ports"
	"vehicle-telemetry-core/internal/logger"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Options configures the session and timing behavior of a Transport; the
// broker address, client id, and credentials are supplied per Connect
// call. Automatic reconnect is always disabled.
type Options struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
}

func DefaultOptions() Options {
	return Options{
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 15 * time.Second,
		CleanSession:   true,
	}
}

// Transport implements ports.Transport over a single paho.Client. A fresh
// Transport is created per connection phase by the factory closures
// pkg/mqtt.NewFactory returns.
type Transport struct {
	opts   Options
	client paho.Client

	onMessage    ports.MessageHandler
	onConnection ports.ConnectionHandler
}

// NewFactory returns a ports.Transport factory bound to opts, suitable for
// orchestrator.TransportFactory.
func NewFactory(opts Options) func() ports.Transport {
	return func() ports.Transport {
		return &Transport{opts: opts}
	}
}

func New(opts Options) *Transport {
	return &Transport{opts: opts}
}

// Connect dials host:port over TLS as clientID, authenticating with creds.
// When creds carries a client-certificate bundle, it is presented for TLS
// mutual auth; Username and Password, when set, are sent as well.
func (t *Transport) Connect(host string, port int, clientID string, creds ports.Credentials) error {
	tlsConfig, err := buildTLSConfig(creds)
	if err != nil {
		return fmt.Errorf("failed to build tls config: %w", err)
	}

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(fmt.Sprintf("tls://%s:%d", host, port))
	clientOpts.SetClientID(clientID)
	clientOpts.SetTLSConfig(tlsConfig)
	clientOpts.SetCleanSession(t.opts.CleanSession)
	clientOpts.SetKeepAlive(t.opts.KeepAlive)
	clientOpts.SetConnectTimeout(t.opts.ConnectTimeout)
	clientOpts.SetAutoReconnect(false) // the Connection Orchestrator owns reconnect backoff

	if creds.Username != "" {
		clientOpts.SetUsername(creds.Username)
	}
	if creds.Password != "" {
		clientOpts.SetPassword(creds.Password)
	}

	clientOpts.SetDefaultPublishHandler(func(c paho.Client, msg paho.Message) {
		if t.onMessage != nil {
			t.onMessage(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
		}
	})
	clientOpts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("mqtt transport connected", zap.String("client_id", clientID))
		if t.onConnection != nil {
			t.onConnection(true, "")
		}
	})
	clientOpts.SetConnectionLostHandler(func(c paho.Client, err error) {
		logger.Warn("mqtt transport connection lost", zap.String("client_id", clientID), zap.Error(err))
		if t.onConnection != nil {
			t.onConnection(false, err.Error())
		}
	})

	t.client = paho.NewClient(clientOpts)

	token := t.client.Connect()
	token.Wait()
	return token.Error()
}

func buildTLSConfig(creds ports.Credentials) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !creds.VerifyServer}

	if creds.TrustAnchorPath != "" {
		caCert, err := os.ReadFile(creds.TrustAnchorPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust anchor: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("trust anchor contains no valid certificates")
		}
		cfg.RootCAs = pool
	}

	if creds.ClientCertPath != "" && creds.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(creds.ClientCertPath, creds.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (t *Transport) Disconnect() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
}

func (t *Transport) IsConnected() bool {
	return t.client != nil && t.client.IsConnected()
}

func (t *Transport) Publish(topic string, payload []byte, qos byte, retained bool) bool {
	if t.client == nil {
		return false
	}
	token := t.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error() == nil
}

func (t *Transport) Subscribe(topic string, qos byte) bool {
	if t.client == nil {
		return false
	}
	token := t.client.Subscribe(topic, qos, func(c paho.Client, msg paho.Message) {
		if t.onMessage != nil {
			t.onMessage(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
		}
	})
	token.Wait()
	return token.Error() == nil
}

func (t *Transport) Unsubscribe(topic string) bool {
	if t.client == nil {
		return false
	}
	token := t.client.Unsubscribe(topic)
	token.Wait()
	return token.Error() == nil
}

func (t *Transport) OnMessage(handler ports.MessageHandler) { t.onMessage = handler }

func (t *Transport) OnConnection(handler ports.ConnectionHandler) { t.onConnection = handler }

// Pump is a no-op: paho runs its own network goroutine internally.
func (t *Transport) Pump() {}
