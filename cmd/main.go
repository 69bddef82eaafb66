package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vehicle-telemetry-core/internal/clock"
	"vehicle-telemetry-core/internal/config"
	"vehicle-telemetry-core/internal/controlapi"
	"vehicle-telemetry-core/internal/core/geo"
	"vehicle-telemetry-core/internal/core/orchestrator"
	"vehicle-telemetry-core/internal/core/policy"
	"vehicle-telemetry-core/internal/core/ports"
	"vehicle-telemetry-core/internal/core/simulator"
	"vehicle-telemetry-core/internal/engine"
	"vehicle-telemetry-core/internal/journal"
	"vehicle-telemetry-core/internal/logger"
	"vehicle-telemetry-core/internal/random"
	mqtttransport "vehicle-telemetry-core/pkg/mqtt"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("Failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	env := cfg.Server.Environment
	if env == "" {
		env = "development"
	}
	if err := logger.Init(env); err != nil {
		os.Stderr.WriteString("Failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting vehicle telemetry device", zap.String("environment", env))

	if cfg.Provisioning.IDScope == "" || cfg.Provisioning.RegistrationID == "" {
		logger.Fatal("provisioning configuration is missing. Please set ID_SCOPE and REGISTRATION_ID environment variables.")
	}

	eng := engine.New(buildDeps(cfg))

	deviceCfg := orchestrator.DeviceConfig{
		IDScope:              cfg.Provisioning.IDScope,
		RegistrationID:       cfg.Provisioning.RegistrationID,
		ProvisioningEndpoint: cfg.Provisioning.GlobalEndpoint,
		ProvisioningPort:     cfg.Provisioning.Port,
		Credentials: ports.Credentials{
			ClientCertPath:  cfg.Credentials.ClientCertPath,
			ClientKeyPath:   cfg.Credentials.ClientKeyPath,
			TrustAnchorPath: cfg.Credentials.TrustAnchorPath,
			VerifyServer:    cfg.Credentials.VerifyServer,
		},
	}

	eng.Start(deviceCfg, func(err error) {
		if err != nil {
			logger.Error("onboarding failed", zap.Error(err))
			return
		}
		logger.Info("onboarding complete")
	})

	server := controlapi.New(eng, controlapi.CORSConfig{AllowedOrigins: cfg.ControlAPI.AllowedOrigins}, env)
	eng.Subscribe(server.Broadcast)

	httpServer := &http.Server{
		Addr:         cfg.ControlAPI.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("control api listening", zap.String("address", cfg.ControlAPI.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("control api failed to start", zap.Error(err))
		}
	}()

	stop := make(chan struct{})
	go runTickLoop(eng, stop)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	close(stop)
	eng.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("failed to shut down control api", zap.Error(err))
	}

	log.Println("shutdown complete")
}

// runTickLoop drives the Engine at a 1 Hz cadence, matching the Scenario
// Simulator's duty-cycle granularity.
func runTickLoop(eng *engine.Engine, stop <-chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			eng.Tick(now)
		}
	}
}

func buildDeps(cfg *config.Config) engine.Deps {
	wallClock := clock.WallClock{}
	rng := random.New(time.Now().UnixNano())

	hubOpts := mqtttransport.DefaultOptions()
	provOpts := mqtttransport.DefaultOptions()
	provOpts.CleanSession = true

	reconnectPolicy := policy.ExponentialBackoff{
		Base:        cfg.Policy.ReconnectBaseDelay,
		Multiplier:  cfg.Policy.ReconnectMultiplier,
		Cap:         cfg.Policy.ReconnectCapDelay,
		MaxAttempts: cfg.Policy.ReconnectMaxAttempt,
	}
	retryPolicy := policy.ExponentialBackoff{
		Base:        cfg.Policy.RetryBaseDelay,
		Multiplier:  cfg.Policy.RetryMultiplier,
		Cap:         cfg.Policy.RetryCapDelay,
		MaxAttempts: cfg.Policy.RetryMaxAttempt,
	}
	reportingPolicy := policy.AdaptiveReporting{
		StationaryInterval: cfg.Policy.HeartbeatIntervalIdle,
		MovingInterval:      cfg.Policy.HeartbeatIntervalMoving,
		BatteryDeltaPct:      cfg.Policy.BatteryDeltaThreshold,
	}

	fileStorage := journal.NewFileStorage(dataDir(cfg))
	var eventJournal journal.Journal = journal.NullJournal{}
	if cfg.Journal.Enabled {
		gj, err := journal.NewGormJournal(cfg.Journal.DSN)
		if err != nil {
			logger.Error("failed to open event journal, continuing without durable records", zap.Error(err))
		} else {
			eventJournal = gj
		}
	}
	storage := journal.NewJournaledStorage(fileStorage, eventJournal)

	deps := engine.Deps{
		NewHubTransport:  mqtttransport.NewFactory(hubOpts),
		NewProvTransport: mqtttransport.NewFactory(provOpts),
		Clock:            wallClock,
		Random:           rng,
		Storage:          storage,
		Journal:          eventJournal,
		ReconnectPolicy:  reconnectPolicy,
		RetryPolicy:      retryPolicy,
		ReportingPolicy:  reportingPolicy,
		QueueCapacity:    cfg.Policy.QueueCapacity,
	}

	if cfg.Scenario.Enabled {
		deps.Scenario = buildScenario(cfg)
	}

	return deps
}

func dataDir(cfg *config.Config) string {
	if cfg.Journal.DataDir != "" {
		return cfg.Journal.DataDir
	}
	return "./data"
}

// buildScenario constructs a small demo loop around a single-block route
// with one geofence, used when no physical vehicle bus is wired up.
func buildScenario(cfg *config.Config) *simulator.Scenario {
	route := []geo.RoutePoint{
		{Lat: 37.7749, Lon: -122.4194},
		{Lat: 37.7849, Lon: -122.4094},
		{Lat: 37.7949, Lon: -122.4294},
		{Lat: 37.7749, Lon: -122.4194},
	}
	fences := []geo.Fence{
		{ID: "depot", Lat: 37.7749, Lon: -122.4194, RadiusMeters: 300},
	}
	return &simulator.Scenario{
		Route:         route,
		Geofences:     fences,
		SpeedLimitKph: cfg.Scenario.SpeedLimitKph,
		DutyCycle: simulator.DutyCycle{
			DriveFor: time.Duration(cfg.Scenario.DriveMinutes) * time.Minute,
			ParkFor:  time.Duration(cfg.Scenario.ParkMinutes) * time.Minute,
		},
		StartBattery: cfg.Scenario.StartBattery,
	}
}
