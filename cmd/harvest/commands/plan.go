package commands

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/batch"
	"github.com/timmy/steamharvest/internal/source/idfile"
)

var planBatchSize int

func init() {
	planCmd.Flags().IntVarP(&planBatchSize, "batch-size", "b", 0, "batch size (default from config)")
	rootCmd.AddCommand(planCmd)
}

var planCmd = &cobra.Command{
	Use:   "plan <id-file>",
	Short: "Prints the batches a job over the id file would dispatch, without running it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size := planBatchSize
		if size == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			size = cfg.Scheduler.BatchSize
		}

		ids, err := idfile.NewAdapter(args[0]).Load(cmd.Context())
		if err != nil {
			return err
		}
		batches, err := batch.Plan(ids, size)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Batch", "Apps", "First", "Last"})
		for _, b := range batches {
			t.AppendRow(table.Row{b.Number, len(b.AppIDs), b.AppIDs[0], b.AppIDs[len(b.AppIDs)-1]})
		}
		t.AppendFooter(table.Row{"Total", batch.Count(batches), "", fmt.Sprintf("%d batches", len(batches))})
		t.SetStyle(table.StyleRounded)
		t.Render()
		return nil
	},
}
