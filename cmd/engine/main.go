package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bimaledger/internal/infrastructure"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := infrastructure.Bootstrap(ctx)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		if cleanup != nil {
			cleanup()
		}
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("Bima durable engine is running")

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Engine shut down cleanly")
}
