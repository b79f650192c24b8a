package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binspire-simulator/internal/config"
	"binspire-simulator/internal/database"
	"binspire-simulator/internal/device"
	"binspire-simulator/internal/fleet"
	"binspire-simulator/internal/handlers"
	"binspire-simulator/internal/logging"
	"binspire-simulator/internal/metrics"
	"binspire-simulator/internal/models"
	"binspire-simulator/internal/sensor"
	"binspire-simulator/internal/services"
	"binspire-simulator/internal/transport"
	"binspire-simulator/internal/urgency"
	"binspire-simulator/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenv := config.LoadDotEnv()

	// The level is read before validation so config errors are logged at the right level
	log, err := logging.New(os.Getenv("LOGGING_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	runID := uuid.NewString()
	log = log.With("run_id", runID)

	if !dotenv {
		log.Warn(".env file not found, using environment variables from system")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Errorw("Invalid configuration", "error", err)
		return 1
	}

	log.Infow("Starting trashbin simulator",
		"trashbins", len(cfg.TrashbinIDs),
		"sensor_trashbins", len(cfg.SensorTrashbinIDs),
		"broker", cfg.MQTT.URL(),
	)

	// Database
	pool := database.NewPool(cfg.DatabaseURL, log)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = pool.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		logging.Critical(log, "Database connection failed", "error", err)
		return 1
	}

	if err := preflight(pool, cfg.DBOpTimeout, log); err != nil {
		logging.Critical(log, "Database preflight failed", "error", err)
		pool.Disconnect()
		return 1
	}

	// Push notifications are optional
	var notifier device.Notifier
	if fcm := initFCM(cfg, log); fcm != nil {
		notifier = fcm
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	mqttCfg := transport.Config{
		BrokerURL: cfg.MQTT.URL(),
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		TLS:       cfg.MQTT.TLS,
	}

	// The physical sensor is shared by every sensor-bound bin
	var ultrasonic *sensor.HCSR04
	if len(cfg.SensorTrashbinIDs) > 0 {
		ultrasonic, err = sensor.OpenHCSR04(cfg.Ultrasonic.TrigPin, cfg.Ultrasonic.EchoPin, cfg.Ultrasonic.Timeout)
		if err != nil {
			logging.Critical(log, "Ultrasonic sensor initialization failed", "error", err)
			pool.Disconnect()
			return 1
		}
		defer ultrasonic.Halt()
	}

	deps := device.Deps{
		Store:    pool,
		Notifier: notifier,
		NewTransport: func(binID string) device.Transport {
			return transport.NewSession(mqttCfg, "trashbin_"+binID, log.Named("mqtt"))
		},
		Metrics: recorder,
		Log:     log,
	}
	policy := urgency.Policy{MaxWeight: cfg.MaxWeightKg}

	spawn := func(binID string) (fleet.Runner, error) {
		var source sensor.Source = sensor.NewSynthetic(cfg.MaxWeightKg, 0)
		if cfg.IsSensorBin(binID) {
			source = sensor.NewUltrasonic(ultrasonic, sensor.NewSynthetic(cfg.MaxWeightKg, 0))
		}
		return device.New(binID, source, device.Config{
			Interval:             cfg.IntervalFor(binID),
			Policy:               policy,
			NotificationLinkBase: cfg.NotificationLinkBase,
			OpTimeout:            cfg.DBOpTimeout,
		}, deps), nil
	}

	orch := fleet.New(pool, spawn, recorder, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live status feed
	hub := websocket.NewHub(log)
	go hub.Run(ctx)

	monitor := transport.NewSession(mqttCfg, "binspire_monitor_"+runID[:8], log.Named("mqtt"))
	defer monitor.Disconnect()
	go func() {
		if err := monitor.Connect(ctx); err != nil {
			if ctx.Err() == nil {
				log.Warnw("Live status feed disabled, monitor could not connect", "error", err)
			}
			return
		}
		if err := monitor.Subscribe(models.StatusTopicFilter, hub.HandleStatus); err != nil {
			log.Warnw("Live status feed disabled, subscribe failed", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           newRouter(pool, orch, hub, registry, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server failed", "error", err)
		}
	}()

	if err := orch.Start(ctx, cfg.TrashbinIDs); err != nil {
		log.Errorw("Failed to start device loops", "error", err)
		shutdown(orch, srv, cfg.ShutdownTimeout, log)
		return 1
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("Shutting down due to signal...")
	case <-orch.Done():
		log.Error("Every device loop has stopped, shutting down")
		exitCode = 1
	}

	if !shutdown(orch, srv, cfg.ShutdownTimeout, log) {
		return 1
	}
	return exitCode
}

// preflight logs the server time and version. Failure is startup-fatal.
func preflight(pool *database.Pool, timeout time.Duration, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	now, err := pool.CurrentTime(ctx)
	if err != nil {
		return err
	}
	version, err := pool.Version(ctx)
	if err != nil {
		return err
	}

	log.Infow("Database connected", "now", now, "version", version)
	return nil
}

// initFCM prefers base64 credentials and falls back to the credentials file.
// A nil result disables push notifications.
func initFCM(cfg config.Config, log *zap.SugaredLogger) *services.FCMService {
	ctx := context.Background()
	fcmLog := log.Named("fcm")

	if cfg.FirebaseCredentialsBase64 != "" {
		fcm, err := services.NewFCMServiceFromBase64(ctx, cfg.FirebaseCredentialsBase64, fcmLog)
		if err != nil {
			log.Warnw("Failed to initialize FCM from base64, push notifications disabled", "error", err)
			return nil
		}
		log.Info("Firebase Cloud Messaging initialized from base64 credentials")
		return fcm
	}

	fcm, err := services.NewFCMService(ctx, cfg.FirebaseCredentialsFile, fcmLog)
	if err != nil {
		log.Warnw("Failed to initialize FCM from file, push notifications disabled",
			"file", cfg.FirebaseCredentialsFile, "error", err)
		return nil
	}
	log.Info("Firebase Cloud Messaging initialized from file")
	return fcm
}

func newRouter(pool *database.Pool, orch *fleet.Orchestrator, hub *websocket.Hub, registry *prometheus.Registry, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpLog := log.Named("http")
	r.Get("/health", handlers.Health(pool, httpLog))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/ws", websocket.HandleWebSocket(hub))

	r.Route("/api", func(r chi.Router) {
		r.Get("/fleet", handlers.GetFleetStatus(orch))
		r.Post("/fleet/{binId}/stop", handlers.StopLoop(orch, httpLog))
		r.Get("/statuses", handlers.GetLatestStatuses(hub))
	})

	return r
}

// shutdown stops every loop, releases the pool and closes the HTTP server.
// It returns false if that did not finish within timeout.
func shutdown(orch *fleet.Orchestrator, srv *http.Server, timeout time.Duration, log *zap.SugaredLogger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- orch.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			log.Errorw("Error closing database pool", "error", err)
		}
	case <-ctx.Done():
		logging.Critical(log, "Device loops did not stop in time", "timeout", timeout)
		return false
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("HTTP server shutdown", "error", err)
	}
	return true
}
