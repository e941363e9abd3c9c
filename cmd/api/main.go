// cmd/api/main.go
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

	http_api "ci-control-plane/internal/api/http"
	"ci-control-plane/internal/app"
	"ci-control-plane/internal/config"
	"ci-control-plane/internal/scheduler"
	"ci-control-plane/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	logger := app.NewLogger(cfg.LogLevel)

	tracerShutdown, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Wire store, engine and services
	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize control plane: %v", err)
	}
	defer a.Close()

	// 5. In-process watchdog
	cronScheduler := scheduler.NewCronScheduler(logger)
	if cfg.Watchdog.Enabled {
		if err := a.ScheduleWatchdog(cronScheduler, cfg.Watchdog.Schedule); err != nil {
			log.Fatalf("Failed to schedule watchdog: %v", err)
		}
		go func() {
			if err := cronScheduler.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler stopped with error", "error", err)
			}
		}()
	}

	// 6. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	http_api.NewHandler(a.Dispatch, a.Executions, a.Pinger, cfg.APIVersion, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HTTPListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 7. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down application gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("application shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
