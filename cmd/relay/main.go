package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tokenplace/relay/internal/api"
	"github.com/tokenplace/relay/internal/audit"
	"github.com/tokenplace/relay/internal/config"
	"github.com/tokenplace/relay/internal/crypto"
	"github.com/tokenplace/relay/internal/debug"
	"github.com/tokenplace/relay/internal/dispatch"
	"github.com/tokenplace/relay/internal/metrics"
	"github.com/tokenplace/relay/internal/middleware"
	"github.com/tokenplace/relay/internal/perfmon"
	"github.com/tokenplace/relay/internal/ratelimit"
	"github.com/tokenplace/relay/internal/tracing"
	"github.com/tokenplace/relay/internal/worker"
)

// Exit codes, per the external interfaces contract: 0 clean shutdown, 1
// fatal init error, 2 unrecoverable crypto backend init failure, 3 refused
// insecure defaults in a production environment.
const (
	exitOK              = 0
	exitFatalInit       = 1
	exitCryptoBackend   = 2
	exitInsecureDefault = 3
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to relay-config.yaml")
		verbose    = flag.Bool("verbose", false, "Enable debug logging regardless of LOG_LEVEL")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load(*configPath)
	if *verbose {
		cfg.LogLevel = "debug"
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	debug.InitFromLogLevel(cfg.LogLevel)
	perfmon.SetEnabled(cfg.PerfMonitor)

	if err := refuseInsecureProductionDefaults(cfg); err != nil {
		logger.WithError(err).Error("refusing to start with insecure defaults")
		os.Exit(exitInsecureDefault)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("fatal error")
		os.Exit(exitFatalInit)
	}
	os.Exit(exitOK)
}

// refuseInsecureProductionDefaults rejects starting with no worker
// registration token when RELAY_ENV=production, since an unauthenticated
// worker registration endpoint on a public deployment defeats the whole
// envelope-privacy model.
func refuseInsecureProductionDefaults(cfg *config.Config) error {
	if os.Getenv("RELAY_ENV") == "production" && cfg.ServerToken == "" {
		return fmt.Errorf("TOKEN_PLACE_RELAY_SERVER_TOKEN must be set when RELAY_ENV=production")
	}
	return nil
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := tracing.NewProvider(ctx, tracingOptionsFromEnv())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tracerProvider.Shutdown(shutdownCtx)
	}()

	keys, err := buildKeyManager(ctx, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize key manager")
		os.Exit(exitCryptoBackend)
	}

	registry := worker.New(worker.Options{
		TTL:           cfg.WorkerTTL,
		SharedToken:   cfg.ServerToken,
		AllowPatterns: cfg.WorkerAllowPatterns,
		MaxInFlight:   cfg.MaxInFlightPerWorker,
	})
	queue := dispatch.New(registry, dispatch.Options{
		RequestTTL:        cfg.RequestTTL,
		WorkerPollTimeout: cfg.PollTimeout,
		StreamGapTimeout:  cfg.StreamGapTimeout,
	})
	limiter := ratelimit.New(cfg.StreamRateLimit, time.Minute)
	m := metrics.NewMetrics()
	health := metrics.NewHealth(cfg.PublicURL)
	auditLogger := audit.NewLogger(1000, nil)

	stop := make(chan struct{})
	go registry.RunReaper(cfg.WorkerTTL/3, stop, func(id string) {
		m.RecordWorkerEvicted()
		auditLogger.LogWorkerEvict(id)
	})
	go queue.RunReaper(cfg.RequestTTL/3, stop)
	go limiter.RunSweeper(time.Minute, stop)
	go m.StartSystemMetricsCollector(stop)

	handler := api.NewHandler(registry, queue, keys, limiter, m, health, auditLogger, logger, api.Options{
		MaxEnvelopeBytes:  cfg.MaxEnvelopeBytes,
		StreamPollTimeout: cfg.StreamPollTimeout,
	})

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware(m))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		close(stop)
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	health.BeginDraining()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown did not complete in time")
	}
	close(stop)
	return nil
}

// buildKeyManager wires a KMIP-backed KeyProtector when
// TOKEN_PLACE_RELAY_KMIP_ENDPOINT is set, keeping the relay's private key
// resident-only otherwise.
func buildKeyManager(ctx context.Context, logger *logrus.Logger) (*crypto.LocalKeyManager, error) {
	endpoint := os.Getenv("TOKEN_PLACE_RELAY_KMIP_ENDPOINT")
	if endpoint == "" {
		return crypto.NewLocalKeyManager(5*time.Minute, nil)
	}

	keyID := os.Getenv("TOKEN_PLACE_RELAY_KMIP_KEY_ID")
	if keyID == "" {
		return nil, fmt.Errorf("TOKEN_PLACE_RELAY_KMIP_KEY_ID is required when TOKEN_PLACE_RELAY_KMIP_ENDPOINT is set")
	}
	logger.WithField("endpoint", endpoint).Info("wrapping relay private key through KMIP")
	protector, err := crypto.NewCosmianKMIPManager(crypto.CosmianKMIPOptions{
		Endpoint: endpoint,
		Keys:     []crypto.KMIPKeyReference{{ID: keyID, Version: 1}},
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to kmip server: %w", err)
	}
	return crypto.NewLocalKeyManager(5*time.Minute, protector)
}

func tracingOptionsFromEnv() tracing.Options {
	exporter := tracing.Exporter(os.Getenv("TOKEN_PLACE_RELAY_TRACE_EXPORTER"))
	return tracing.Options{
		ServiceName:    "tokenplace-relay",
		Exporter:       exporter,
		OTLPEndpoint:   os.Getenv("TOKEN_PLACE_RELAY_OTLP_ENDPOINT"),
		JaegerEndpoint: os.Getenv("TOKEN_PLACE_RELAY_JAEGER_ENDPOINT"),
		SampleRatio:    1.0,
	}
}
