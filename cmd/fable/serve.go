package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fable/internal/logging"
	"fable/internal/observability"
	"fable/internal/runtime"
	"fable/internal/server/app"
	serverhttp "fable/internal/server/http"
	"fable/internal/session"
	"fable/internal/timeline"
)

func newServeCommand() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}

func runServe(host string, port int) error {
	cfg, meta, err := loadGatewayConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	if err := logging.Setup(logging.ParseLevel(cfg.Observability.Logging.Level), cfg.Observability.Logging.File); err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()

	logger := logging.NewComponentLogger("Serve")
	if meta.FilePath() != "" {
		logger.Info("configuration loaded from %s", meta.FilePath())
	} else {
		logger.Info("configuration from defaults and environment")
	}
	logger.Info("environment=%s runtime=%s protocol=%s",
		cfg.Environment, cfg.Runtime.BaseURL, cfg.Stream.DefaultProtocol)

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store := session.NewMemoryStore()
	hub := app.NewFrameHub(
		app.WithHistoryLimit(cfg.Stream.HistoryLimit),
		app.WithSubscriberBuffer(cfg.Stream.SubscriberBuffer),
		app.WithHubLogger(logging.NewComponentLogger("FrameHub")),
		app.WithHubMetrics(metrics),
	)
	client := runtime.NewClient(runtime.Config{
		BaseURL:        cfg.Runtime.BaseURL,
		APIKey:         cfg.Runtime.APIKey,
		ConnectTimeout: cfg.Runtime.ConnectTimeout(),
	}, logging.NewComponentLogger("Runtime"))
	coordinator := app.NewCoordinator(store, hub, client,
		app.WithCoordinatorLogger(logging.NewComponentLogger("Coordinator")),
		app.WithCoordinatorMetrics(metrics),
		app.WithCoordinatorTracer(tracer),
	)
	cache, err := timeline.NewCache(0)
	if err != nil {
		return fmt.Errorf("init timeline cache: %w", err)
	}
	timelines := app.NewTimelineService(store, cache, metrics, tracer)

	srv := serverhttp.NewServer(cfg, serverhttp.Deps{
		Store:       store,
		Hub:         hub,
		Coordinator: coordinator,
		Timelines:   timelines,
		Logger:      logging.NewComponentLogger("HTTP"),
		Version:     serverhttp.VersionInfo{Version: version, Commit: commit, BuiltAt: builtAt},
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown: %v", err)
		return err
	}
	if err := tracer.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown: %v", err)
	}
	if err := metrics.Shutdown(ctx); err != nil {
		logger.Warn("metrics shutdown: %v", err)
	}
	logger.Info("server stopped")
	return nil
}
