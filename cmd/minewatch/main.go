// Package main is the entry point for the minewatch detection service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"minewatch/internal/alerts"
	"minewatch/internal/apperr"
	"minewatch/internal/bus"
	"minewatch/internal/config"
	"minewatch/internal/detect"
	"minewatch/internal/ingest"
	"minewatch/internal/rules"
	"minewatch/internal/schema"
	"minewatch/internal/storage"
	"minewatch/internal/tracelog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	apperr.ProductionMode = cfg.Logging.Production

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Bus.Kafka.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
	)

	ctx := context.Background()

	// Storage backend
	var store *storage.Store
	var pgClient *storage.PostgresClient
	if cfg.Storage.Enabled {
		pgClient, err = storage.NewPostgresClient(cfg.Storage.Postgres, logger)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		if err := pgClient.Migrate(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		store = storage.NewPostgresStore(pgClient)
	} else {
		slog.Warn("storage disabled, using in-memory store (development only)")
		store = storage.NewMemoryStore()
	}

	// Message bus
	var eventBus bus.Bus
	if cfg.Bus.Kafka.Enabled {
		kb, err := bus.NewKafkaBus(cfg.Bus.Kafka, logger)
		if err != nil {
			slog.Error("failed to initialize kafka bus", "error", err)
			os.Exit(1)
		}
		eventBus = kb
	} else {
		slog.Info("kafka disabled, using embedded bus")
		eventBus = bus.NewMemoryBus(logger)
	}

	// Builtin rule catalog
	if cfg.Detection.SeedBuiltinRules {
		if err := rules.SeedBuiltinRules(ctx, store.Rules, logger); err != nil {
			slog.Error("failed to seed builtin rules", "error", err)
			os.Exit(1)
		}
	}

	// Trace log mirror
	var trace *tracelog.Writer
	var archiver *tracelog.Archiver
	if cfg.TraceLog.Enabled {
		if cfg.TraceLog.Archive.Enabled {
			archiver, err = tracelog.NewArchiver(ctx, cfg.TraceLog.Archive, logger)
			if err != nil {
				slog.Error("failed to initialize trace log archiver", "error", err)
				os.Exit(1)
			}
		}
		trace, err = tracelog.NewWriter(cfg.TraceLog, archiver, logger)
		if err != nil {
			slog.Error("failed to open trace log", "error", err)
			os.Exit(1)
		}
	}

	// Detection engine
	engine := detect.NewEngine(store, eventBus, cfg.Bus.Kafka.AlertTopic, logger)
	if err := engine.Start(cfg.Bus.Kafka.EventTopic); err != nil {
		slog.Error("failed to start detection engine", "error", err)
		os.Exit(1)
	}

	// HTTP handlers
	validator := schema.NewValidator(cfg.Ingest.MaxBatchSize)
	ingestHandler := ingest.NewHandler(store, eventBus, validator, cfg.Bus.Kafka.EventTopic, logger).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize)
	if trace != nil {
		ingestHandler = ingestHandler.WithTraceSink(trace)
	}
	if pgClient != nil {
		ingestHandler = ingestHandler.WithPinger(pgClient.Ping)
	}
	ingestHandler.AddMetricsSource(engine.WriteMetrics)
	if archiver != nil {
		ingestHandler.AddMetricsSource(archiver.WriteMetrics)
	}

	rulesHandler := rules.NewHandler(store.Rules, validator, logger)
	alertsHandler := alerts.NewHandler(store.Alerts, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/eve", ingestHandler.HandleEve)
	mux.HandleFunc("GET /rulesets/{$}", rulesHandler.HandleList)
	mux.HandleFunc("POST /rulesets/rules", rulesHandler.HandleCreate)
	mux.HandleFunc("PATCH /rulesets/{id}/toggle", rulesHandler.HandleToggle)
	mux.HandleFunc("DELETE /rulesets/auto-generated", rulesHandler.HandleDeleteAutoGenerated)
	mux.HandleFunc("DELETE /rulesets/{id}", rulesHandler.HandleDelete)
	mux.HandleFunc("GET /alerts/{$}", alertsHandler.HandleList)
	mux.HandleFunc("GET /alerts/by-event/{id}", alertsHandler.HandleByEvent)
	mux.HandleFunc("GET /healthz", ingestHandler.HealthCheck)
	mux.HandleFunc("GET /metrics", ingestHandler.Metrics)

	handler, stopLimiter := ingest.WithMiddleware(mux, cfg)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting minewatch server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	stopLimiter()

	// The bus drains in-flight batches before stopping subscribers.
	if err := eventBus.Close(); err != nil {
		slog.Error("bus close error", "error", err)
	}

	if trace != nil {
		if err := trace.Close(); err != nil {
			slog.Error("trace log close error", "error", err)
		}
		written, dropped := trace.Stats()
		slog.Info("trace log stats", "written", written, "dropped", dropped)
	}

	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			slog.Error("postgres close error", "error", err)
		}
	}

	slog.Info("shutdown complete")
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
