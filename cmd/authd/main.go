package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keyloom/keyloom/internal/auth/app"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := app.LoadConfigFromEnv()
	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
