package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/adminhttp"
	"github.com/arc-self/viewstream/internal/config"
	"github.com/arc-self/viewstream/internal/schema"
	"github.com/arc-self/viewstream/internal/source"
	"github.com/arc-self/viewstream/internal/telemetry"
	"github.com/arc-self/viewstream/internal/trigger"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}

	views, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		logger.Fatal("view schema load failed", zap.Error(err))
	}
	logger.Info("loaded view schema", zap.Int("view_count", len(views)))

	// ── OpenTelemetry ────────────────────────────────────────────────────
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(context.Background(), "viewstream", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
			logger.Info("OTel meter provider initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	registry := source.NewRegistry(cfg.UpstreamDSN, nil, logger)
	schemaLookup := func(name string) (*schema.View, error) {
		v, ok := views[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return v, nil
	}
	sender := trigger.NewWebhookSender(logger)
	engine := trigger.NewEngine(registry, schemaLookup, sender, logger)

	if _, err := telemetry.RegisterGauges(otel.Meter("viewstream"),
		func() []telemetry.RegistryStats {
			stats := registry.Snapshot()
			out := make([]telemetry.RegistryStats, 0, len(stats))
			for _, s := range stats {
				out = append(out, telemetry.RegistryStats{
					ViewName:        s.ViewName,
					SubscriberCount: s.SubscriberCount,
					CacheSize:       s.CacheSize,
				})
			}
			return out
		},
		func() int {
			total := 0
			for name := range views {
				total += len(engine.List(name))
			}
			return total
		},
	); err != nil {
		logger.Error("failed to register OTel gauges", zap.Error(err))
	}

	housekeeper, err := source.NewHousekeeper(registry, logger, cfg.HousekeepingCronSpec)
	if err != nil {
		logger.Fatal("housekeeping scheduler setup failed", zap.Error(err))
	}
	housekeeper.Start()
	defer housekeeper.Stop()

	// ── Admin HTTP ───────────────────────────────────────────────────────
	e := adminhttp.New(registry, engine, logger)
	go func() {
		logger.Info("admin HTTP server listening", zap.String("addr", cfg.AdminAddr))
		if err := e.Start(cfg.AdminAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin HTTP shutdown error", zap.Error(err))
	}

	registry.DisposeAll()
	logger.Info("viewstream shut down cleanly")
}
