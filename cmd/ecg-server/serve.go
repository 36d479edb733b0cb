package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ecgreview/internal/config"
	"github.com/ehr/ecgreview/internal/domain/capture"
	"github.com/ehr/ecgreview/internal/domain/classification"
	"github.com/ehr/ecgreview/internal/domain/intake"
	"github.com/ehr/ecgreview/internal/domain/patient"
	"github.com/ehr/ecgreview/internal/domain/record"
	"github.com/ehr/ecgreview/internal/domain/report"
	"github.com/ehr/ecgreview/internal/domain/timeline"
	"github.com/ehr/ecgreview/internal/platform/auth"
	"github.com/ehr/ecgreview/internal/platform/blobstore"
	"github.com/ehr/ecgreview/internal/platform/db"
	"github.com/ehr/ecgreview/internal/platform/device"
	"github.com/ehr/ecgreview/internal/platform/events"
	"github.com/ehr/ecgreview/internal/platform/middleware"
	"github.com/ehr/ecgreview/internal/platform/telemetry"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	apiPrefix       = "/api/v1"
	shutdownTimeout = 10 * time.Second
	uploadWorkers   = 3
)

// app is the assembled server and the resources it must release on shutdown.
type app struct {
	echo      *echo.Echo
	intake    *intake.Service
	publisher events.Publisher
	telemetry *telemetry.TelemetryProvider
	pool      *pgxpool.Pool
	logger    zerolog.Logger
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV") == "" || os.Getenv("ENV") == "development")

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise server")
	}

	// Stale drafts
	go a.sweepDrafts(ctx, cfg.DraftMaxAge)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newApp wires every component selected by cfg and mounts the routes.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	// Telemetry
	tp, err := telemetry.NewTelemetryProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    "ecg-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		TracingEnabled: cfg.OTELEnabled,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tp
	checks := map[string]db.Pinger{}

	// Record store and patient directory
	var store record.Store
	var patients patient.Directory
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.pool = pool
		checks["database"] = pool
		store = record.NewPGStore(pool)
		patients = patient.NewPGDirectory(pool)
		logger.Info().Msg("connected to database")
	} else {
		store = record.NewMemoryStore()
		patients = patient.NewMemoryDirectory(patient.DemoPatients()...)
		logger.Warn().Msg("using in-memory record store; records are lost on restart")
	}

	// Image storage
	var blobs blobstore.BlobStore
	if cfg.BlobBackend == "s3" {
		s3, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("blob store: %w", err)
		}
		checks["blobstore"] = s3
		blobs = s3
	} else {
		blobs = blobstore.NewInMemoryBlobStore()
	}

	// Capture device
	var dev device.Device
	switch cfg.DeviceDriver {
	case "simulated":
		dev = device.NewSimulated()
	case "mqtt":
		dev = device.NewMQTT(device.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTFrameTopic,
			ClientID: "ecg-server-" + version,
		}, logger)
	}
	tracker := &device.Tracker{}

	// Classification
	engine, err := newEngine(cfg, logger, tp.Metrics)
	if err != nil {
		return nil, err
	}

	// Record events
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		a.publisher = pub
	} else {
		a.publisher = events.NoopPublisher{}
	}

	records := record.NewService(store, a.publisher, tp.Metrics, logger)
	a.intake = intake.NewService(intake.Config{
		CaptureTimeout: cfg.CaptureTimeout,
		UploadWorkers:  uploadWorkers,
	}, intake.Components{
		Acquirer:   capture.NewAcquirer(dev, tracker),
		Previews:   capture.NewPreviewRegistry(),
		Classifier: engine,
		Blobs:      blobs,
		Records:    records,
		Patients:   patients,
		Metrics:    tp.Metrics,
	}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a.echo = e

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))
	e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{
		Timeout: cfg.RequestTimeout,
		Skipper: isCaptureOpen,
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "jwt" {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthJWTSecret),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		e.Use(auth.DevAuthMiddleware())
	}

	// Health checks and metrics
	health := db.HealthHandler(a.pool, checks)
	e.GET("/health", health)
	e.GET("/health/ready", health)
	e.GET("/health/live", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", tp.PrometheusHandler())

	// API routes
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	apiV1 := e.Group(apiPrefix, middleware.RateLimit(rl), middleware.Audit(logger, apiPrefix))

	patient.NewHandler(patients).RegisterRoutes(apiV1)
	timeline.NewHandler(records, patients).RegisterRoutes(apiV1)
	report.NewHandler(report.NewPresenter(records, logger), records).RegisterRoutes(apiV1)
	intake.NewHandler(a.intake).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(blobs).RegisterRoutes(
		apiV1.Group("", auth.RequireRole(auth.RoleTechnician, auth.RoleClinician)))

	logger.Info().
		Str("store", cfg.StoreBackend).
		Str("blobs", cfg.BlobBackend).
		Str("device", cfg.DeviceDriver).
		Str("classifier", engine.Mode()).
		Str("auth", cfg.ResolvedAuthMode()).
		Msg("components initialised")
	return a, nil
}

// newEngine builds the local strategy and, in remote mode, the remote
// primary that falls back to it.
func newEngine(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Collector) (*classification.Engine, error) {
	rules, err := loadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	local := classification.NewLocalStrategy(rules, classification.NewSignalSource(cfg.SignalSource))

	var primary classification.Strategy
	if cfg.ClassifierMode == "remote" {
		primary = classification.NewRemoteStrategy(classification.RemoteConfig{
			URL:           cfg.ClassifierURL,
			Timeout:       cfg.ClassifierTimeout,
			EncodeWorkers: cfg.ClassifierEncodeWorkers,
		})
	}
	return classification.NewEngine(local, primary, logger, metrics), nil
}

func loadRules(path string) (*classification.RuleSet, error) {
	if path == "" {
		return classification.DefaultRules()
	}
	rules, err := classification.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("classification rules: %w", err)
	}
	return rules, nil
}

// isCaptureOpen exempts opening a capture session from the request timeout;
// the intake service bounds that wait with the capture timeout instead.
func isCaptureOpen(c echo.Context) bool {
	return c.Request().Method == http.MethodPost && strings.HasSuffix(c.Request().URL.Path, "/capture")
}

// sweepDrafts discards abandoned drafts until ctx is done.
func (a *app) sweepDrafts(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	interval := maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.intake.Sweep(maxAge); n > 0 {
				a.logger.Info().Int("drafts", n).Msg("discarded stale drafts")
			}
		}
	}
}

// shutdown stops accepting requests, then releases drafts, capture sessions,
// the event publisher, telemetry and the database pool in that order.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	a.intake.Close()
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
