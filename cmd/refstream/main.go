// Package main implements the entry point for the RefStream harvester.
// RefStream pulls bibliographic references from scholarly APIs on demand
// and turns each run into a versioned change feed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/refstream/config"
	"github.com/c360/refstream/harvest"
	"github.com/c360/refstream/metric"
	"github.com/c360/refstream/natsclient"
	"github.com/c360/refstream/queue"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/source/crossref"
	"github.com/c360/refstream/source/hal"
	"github.com/c360/refstream/storage"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "refstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	metricsRegistry := metric.NewMetricsRegistry()

	natsClient, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
	err = natsClient.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer closeCancel()
		if err := natsClient.Close(closeCtx); err != nil {
			slog.Warn("NATS close failed", "error", err)
		}
	}()

	registry := buildSourceRegistry(cfg, logger)
	slog.Info("source adapters registered", "sources", registry.Names())

	orchestrator := harvest.NewOrchestrator(harvest.OrchestratorDeps{
		Gateway:  db,
		Registry: registry,
		Logger:   logger,
		Metrics:  metricsRegistry.CoreMetrics(),
	})
	publisher := queue.NewPublisher(natsClient, logger)
	consumer := queue.NewConsumer(queue.ConsumerDeps{
		Broker:       natsClient,
		Orchestrator: orchestrator,
		Publisher:    publisher,
		Config:       cfg,
		Logger:       logger,
		Registry:     metricsRegistry,
	})

	metricsServer := startMetricsServer(cfg.Metrics.ListenAddr, metricsRegistry)

	return runWithSignalHandling(ctx, cfg, consumer, metricsServer)
}

// buildSourceRegistry wires every enabled source adapter with its
// normalizer. A source absent from the config map is disabled.
func buildSourceRegistry(cfg *config.Config, logger *slog.Logger) *source.Registry {
	registry := source.NewRegistry()

	if src, ok := cfg.Sources[crossref.Name]; ok && src.Enabled {
		opts := []crossref.Option{crossref.WithLogger(logger)}
		if src.BaseURL != "" {
			opts = append(opts, crossref.WithBaseURL(src.BaseURL))
		}
		if src.RateLimit > 0 {
			opts = append(opts, crossref.WithRateLimit(src.RateLimit))
		}
		if mailto := os.Getenv("REFSTREAM_CROSSREF_MAILTO"); mailto != "" {
			opts = append(opts, crossref.WithMailto(mailto))
		}
		registry.Register(source.Pair{
			Adapter:    crossref.New(opts...),
			Normalizer: crossref.NewNormalizer(),
		})
	}

	if src, ok := cfg.Sources[hal.Name]; ok && src.Enabled {
		opts := []hal.Option{hal.WithLogger(logger)}
		if src.BaseURL != "" {
			opts = append(opts, hal.WithBaseURL(src.BaseURL))
		}
		if src.RateLimit > 0 {
			opts = append(opts, hal.WithRateLimit(src.RateLimit))
		}
		registry.Register(source.Pair{
			Adapter:    hal.New(opts...),
			Normalizer: hal.NewNormalizer(),
		})
	}

	return registry
}

// startMetricsServer exposes the Prometheus endpoint. Returns nil when
// disabled.
func startMetricsServer(addr string, registry *metric.MetricsRegistry) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return srv
}

// runWithSignalHandling starts the consumer and blocks until a shutdown
// signal arrives, then stops components in reverse order: consumer first
// so no new work enters, then the pool drain inside it, and the NATS
// drain last via the deferred Close in run.
func runWithSignalHandling(ctx context.Context, cfg *config.Config, consumer *queue.Consumer, metricsServer *http.Server) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := consumer.Start(signalCtx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	slog.Info("RefStream started", "stream", cfg.NATS.Stream, "subject", cfg.NATS.Subject)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := consumer.Stop(); err != nil {
		slog.Warn("worker pool did not drain cleanly", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "error", err)
		}
	}

	slog.Info("RefStream shutdown complete")
	return nil
}
