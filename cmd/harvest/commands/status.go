package commands

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/domain"
)

var statusJobs int

func init() {
	statusCmd.Flags().IntVarP(&statusJobs, "jobs", "n", 5, "number of recent jobs to list")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints item statistics and the most recent jobs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		st, err := a.JobService.Status(ctx)
		if err != nil {
			return err
		}
		stats := st.Statistics
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Apps", "Done", "Pending", "Errors", "CCU rows", "Price rows"})
		t.AppendRow(table.Row{stats.TotalApps, stats.Completed, stats.Pending, stats.Errors, stats.CCURecords, stats.PriceRecords})
		t.SetStyle(table.StyleRounded)
		t.Render()

		jobs, err := a.Jobs.ListRecent(ctx, statusJobs)
		if err != nil {
			return err
		}
		jt := table.NewWriter()
		jt.SetOutputMirror(os.Stdout)
		jt.AppendHeader(table.Row{"Job", "Kind", "Status", "Apps", "Batches", "Completed", "Failed", "Started", "Finished"})
		for _, j := range jobs {
			jt.AppendRow(table.Row{j.ID, j.Kind, j.Status, j.TotalItems, j.TotalBatches,
				j.CompletedBatches, j.FailedBatches, formatTime(j.StartedAt), formatTime(j.CompletedAt)})
		}
		jt.SetStyle(table.StyleRounded)
		jt.Render()
		return nil
	},
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(domain.DateTimeLayout)
}
