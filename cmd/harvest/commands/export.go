package commands

import (
	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/service"
)

var exportType string

func init() {
	exportCmd.Flags().StringVarP(&exportType, "type", "t", service.ExportTypeFull, "ccu, errors, prices or full")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Writes timestamped CSV exports of the collected history.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if exportType == service.ExportTypeFull {
			full, err := a.ExportService.ExportFull(cmd.Context())
			if err != nil {
				return err
			}
			printExports(full.Files)
			return nil
		}
		f, err := a.ExportService.Export(cmd.Context(), exportType)
		if err != nil {
			return err
		}
		printExports(map[string]*service.ExportFile{exportType: f})
		return nil
	},
}
