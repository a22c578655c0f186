package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/harness"
	"github.com/peterbarnett03/influxdb3-plugins/internal/influxhttp"
	"github.com/peterbarnett03/influxdb3-plugins/internal/runfeed"
)

func main() {
	configPath := flag.String("config", "harness.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("plugin-harness starting", "config", *configPath)

	cfg, err := harness.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"server", cfg.Server.URL,
		"http_port", cfg.HTTP.Port,
		"triggers", len(cfg.Triggers),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := influxhttp.New(cfg.Server.URL, cfg.Server.Token())
	if err := client.Health(ctx); err != nil {
		// Plugins fail per-run while the server is down, so keep going.
		slog.Warn("server health check failed", "server", cfg.Server.URL, "err", err)
	}

	// Run feed streams finished runs to WebSocket clients.
	feed := runfeed.New()
	go feed.Run(ctx)

	runner := harness.NewRunner(client, feed, logger)
	if err := runner.Apply(ctx, cfg); err != nil {
		slog.Error("failed to start triggers", "err", err)
		os.Exit(1)
	}
	defer runner.Stop()

	// Hot reload: a config save swaps out the whole trigger set.
	go func() {
		onChange := func(next *harness.Config) {
			if err := runner.Apply(ctx, next); err != nil {
				slog.Error("reload failed, keeping previous triggers", "err", err)
			}
		}
		if err := harness.Watch(ctx, *configPath, onChange); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: harness.NewServer(cfg.HTTP, runner, client, feed, logger),
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.HTTP.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("plugin-harness shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
