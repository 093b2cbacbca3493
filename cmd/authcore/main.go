package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"authcore/config"
	"authcore/internal/app"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	log.Info("authcore", "env", cfg.Env)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageApp, initStorageErr := app.NewStorageApp(cfg.StoragePath)
	if initStorageErr != nil {
		panic(initStorageErr)
	}

	application := app.New(log, cfg, storageApp)
	application.Start(rootCtx)

	log.Info("sweeper started", "interval", cfg.Sweeper.Interval.String())

	// Waiting for SIGINT (pkill -2) or SIGTERM
	<-rootCtx.Done()
	stop()

	log.Info("Received shutdown signal, shutting down gracefully")

	application.Stop()

	if closeStorageErr := storageApp.Stop(); closeStorageErr != nil {
		log.Error("closing storage app", "err", closeStorageErr)
	}

	log.Info("Shut down gracefully.")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
