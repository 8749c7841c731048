// Package main is the entry point for the synthetic OTC market core: it
// loads configuration, wires every component via the DI container, starts
// the HTTP/WebSocket server, and waits for a shutdown signal.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/config"
	"github.com/otcplatform/sentinel-otc/internal/di"
	"github.com/otcplatform/sentinel-otc/internal/server"
	"github.com/otcplatform/sentinel-otc/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("starting synthetic OTC market core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}

	if err := container.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start container")
	}
	log.Info().Msg("container started: market loop, settlement timer, and real-feed adapter are running")

	devMode, _ := strconv.ParseBool(os.Getenv("DEV_MODE"))
	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Container: container,
		DevMode:   devMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("HTTP server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	cancel()

	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("container shutdown encountered errors")
	}

	log.Info().Msg("synthetic OTC market core stopped")
}
