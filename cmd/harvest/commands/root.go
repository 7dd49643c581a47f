package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/app"
	"github.com/timmy/steamharvest/internal/config"
	"github.com/timmy/steamharvest/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "harvest",
	Short:         "harvest collects Steam player counts and price history in throttled batches.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetDefaultLogger(logger.NewDefault())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to config file")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openApp loads the config and wires the application.
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}
