package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/coordinator"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/forecast"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/inverter"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/kompas"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/server"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/tariff"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	inv := inverter.Configured()
	prices := forecast.Configured()
	kp := kompas.Configured()
	td := tariff.Configured()
	db := storage.Configured()

	// init the control loop and server
	coord := coordinator.Configured(db, inv, prices, kp, td)
	srv := server.Configured(db, coord)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// the coordinator and the server run side by side; either one failing
	// takes the process down so the orchestrator restarts it
	errChan := make(chan error, 2)
	go func() {
		if err := coord.Run(ctx); err != nil {
			errChan <- fmt.Errorf("coordinator failed: %w", err)
			return
		}
		errChan <- nil
	}()
	go func() {
		if err := srv.Run(ctx); err != nil {
			errChan <- fmt.Errorf("server failed: %w", err)
			return
		}
		errChan <- nil
	}()

	if err := <-errChan; err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "exiting", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
