// Package config loads device-provisioning, transport, policy, journal,
// and control-API settings from environment variables (with an optional
// .env file), following the teacher's spf13/viper Load pattern.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Provisioning ProvisioningConfig
	Credentials  CredentialsConfig
	Policy       PolicyConfig
	Journal      JournalConfig
	ControlAPI   ControlAPIConfig
	Scenario     ScenarioConfig
}

type ServerConfig struct {
	Environment string
}

// ProvisioningConfig describes the DPS-style endpoint and device identity
// used to bootstrap the two-phase connection lifecycle.
type ProvisioningConfig struct {
	GlobalEndpoint string
	Port           int
	IDScope        string
	RegistrationID string
}

// CredentialsConfig holds the on-disk TLS client-certificate bundle a
// device presents to both the provisioning service and the hub.
type CredentialsConfig struct {
	ClientCertPath  string
	ClientKeyPath   string
	TrustAnchorPath string
	VerifyServer    bool
}

// PolicyConfig carries the reconnect/retry backoff and reporting knobs of
// the Connection Orchestrator and Telemetry Pipeline.
type PolicyConfig struct {
	ReconnectBaseDelay  time.Duration
	ReconnectMultiplier float64
	ReconnectCapDelay   time.Duration
	ReconnectMaxAttempt int

	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RetryCapDelay   time.Duration
	RetryMaxAttempt int

	QueueCapacity int

	HeartbeatIntervalIdle    time.Duration
	HeartbeatIntervalMoving  time.Duration
	BatteryDeltaThreshold    float64
}

// JournalConfig selects and configures the optional durable Event
// Journal; when Enabled is false the Engine uses journal.NullJournal.
type JournalConfig struct {
	Enabled bool
	DSN     string
	DataDir string
}

// ControlAPIConfig configures the local operator sidecar.
type ControlAPIConfig struct {
	ListenAddr     string
	AllowedOrigins []string
}

// ScenarioConfig selects the Scenario Simulator's demo route when no
// physical vehicle bus is present.
type ScenarioConfig struct {
	Enabled       bool
	SpeedLimitKph float64
	StartBattery  float64
	DriveMinutes  int
	ParkMinutes   int
}

func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(homeDir)
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Printf("Warning: config file not found: %v. Falling back to environment variables only.", err)
	}

	viper.SetDefault("PROVISIONING_PORT", 8883)
	viper.SetDefault("RECONNECT_BASE_DELAY_MS", 1000)
	viper.SetDefault("RECONNECT_MULTIPLIER", 2.0)
	viper.SetDefault("RECONNECT_CAP_DELAY_S", 60)
	viper.SetDefault("RECONNECT_MAX_ATTEMPTS", 10)
	viper.SetDefault("RETRY_BASE_DELAY_MS", 1000)
	viper.SetDefault("RETRY_MULTIPLIER", 2.0)
	viper.SetDefault("RETRY_CAP_DELAY_S", 60)
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("QUEUE_CAPACITY", 100)
	viper.SetDefault("HEARTBEAT_INTERVAL_IDLE_S", 60)
	viper.SetDefault("HEARTBEAT_INTERVAL_MOVING_S", 10)
	viper.SetDefault("BATTERY_DELTA_THRESHOLD", 5.0)
	viper.SetDefault("CONTROL_API_ADDR", "127.0.0.1:8090")
	viper.SetDefault("SCENARIO_SPEED_LIMIT_KPH", 90.0)
	viper.SetDefault("SCENARIO_START_BATTERY", 100.0)
	viper.SetDefault("SCENARIO_DRIVE_MINUTES", 10)
	viper.SetDefault("SCENARIO_PARK_MINUTES", 5)

	config := &Config{
		Server: ServerConfig{
			Environment: viper.GetString("ENVIRONMENT"),
		},
		Provisioning: ProvisioningConfig{
			GlobalEndpoint: viper.GetString("PROVISIONING_ENDPOINT"),
			Port:           viper.GetInt("PROVISIONING_PORT"),
			IDScope:        viper.GetString("ID_SCOPE"),
			RegistrationID: viper.GetString("REGISTRATION_ID"),
		},
		Credentials: CredentialsConfig{
			ClientCertPath:  viper.GetString("CLIENT_CERT_PATH"),
			ClientKeyPath:   viper.GetString("CLIENT_KEY_PATH"),
			TrustAnchorPath: viper.GetString("TRUST_ANCHOR_PATH"),
			VerifyServer:    viper.GetBool("VERIFY_SERVER"),
		},
		Policy: PolicyConfig{
			ReconnectBaseDelay:  viper.GetDuration("RECONNECT_BASE_DELAY_MS") * time.Millisecond,
			ReconnectMultiplier: viper.GetFloat64("RECONNECT_MULTIPLIER"),
			ReconnectCapDelay:   viper.GetDuration("RECONNECT_CAP_DELAY_S") * time.Second,
			ReconnectMaxAttempt: viper.GetInt("RECONNECT_MAX_ATTEMPTS"),
			RetryBaseDelay:      viper.GetDuration("RETRY_BASE_DELAY_MS") * time.Millisecond,
			RetryMultiplier:     viper.GetFloat64("RETRY_MULTIPLIER"),
			RetryCapDelay:       viper.GetDuration("RETRY_CAP_DELAY_S") * time.Second,
			RetryMaxAttempt:     viper.GetInt("RETRY_MAX_ATTEMPTS"),
			QueueCapacity:       viper.GetInt("QUEUE_CAPACITY"),
			HeartbeatIntervalIdle:   viper.GetDuration("HEARTBEAT_INTERVAL_IDLE_S") * time.Second,
			HeartbeatIntervalMoving: viper.GetDuration("HEARTBEAT_INTERVAL_MOVING_S") * time.Second,
			BatteryDeltaThreshold:   viper.GetFloat64("BATTERY_DELTA_THRESHOLD"),
		},
		Journal: JournalConfig{
			Enabled: viper.GetBool("JOURNAL_ENABLED"),
			DSN:     viper.GetString("JOURNAL_DSN"),
			DataDir: viper.GetString("JOURNAL_DATA_DIR"),
		},
		ControlAPI: ControlAPIConfig{
			ListenAddr:     viper.GetString("CONTROL_API_ADDR"),
			AllowedOrigins: viper.GetStringSlice("CONTROL_API_ALLOWED_ORIGINS"),
		},
		Scenario: ScenarioConfig{
			Enabled:       viper.GetBool("SCENARIO_ENABLED"),
			SpeedLimitKph: viper.GetFloat64("SCENARIO_SPEED_LIMIT_KPH"),
			StartBattery:  viper.GetFloat64("SCENARIO_START_BATTERY"),
			DriveMinutes:  viper.GetInt("SCENARIO_DRIVE_MINUTES"),
			ParkMinutes:   viper.GetInt("SCENARIO_PARK_MINUTES"),
		},
	}

	return config, nil
}
