// cmd/watchdog/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ci-control-plane/internal/app"
	"ci-control-plane/internal/config"
	"ci-control-plane/internal/scheduler"
	"ci-control-plane/internal/tracing"
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation pass, print its report and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg.LogLevel)

	tracerShutdown, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-watchdog", cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize watchdog: %v", err)
	}
	defer a.Close()

	if *once {
		report, err := a.Watchdog.Reconcile(rootCtx)
		_ = json.NewEncoder(os.Stdout).Encode(report)
		if err != nil {
			logger.Error("reconciliation failed", "error", err)
			a.Close()
			os.Exit(1)
		}
		return
	}

	cronScheduler := scheduler.NewCronScheduler(logger)
	if err := a.ScheduleWatchdog(cronScheduler, cfg.Watchdog.Schedule); err != nil {
		log.Fatalf("Failed to schedule watchdog: %v", err)
	}
	logger.Info("watchdog started", "schedule", cfg.Watchdog.Schedule)
	if err := cronScheduler.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped with error", "error", err)
	}
	logger.Info("watchdog stopped")
}
