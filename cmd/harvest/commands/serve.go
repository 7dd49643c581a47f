package commands

import (
	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/api"
	"github.com/timmy/steamharvest/internal/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the HTTP API and resumes an interrupted job.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		a.ResumeOnStartup(logger.SetComponent(ctx, "server"))
		return api.Serve(ctx, a.Services(), a.Config, logger.GetDefault())
	},
}
