package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/steamharvest/internal/api"
	"github.com/timmy/steamharvest/internal/app"
	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/logger"
)

func main() {
	// Initialize logger first (rotation and outputs come from LOG_* env)
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	application, err := app.New(cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application.ResumeOnStartup(logger.SetComponent(ctx, "server"))

	if err := api.Serve(ctx, application.Services(), cfg, appLogger); err != nil {
		appLogger.WithError(err).Error("Server stopped with error")
	}
}
