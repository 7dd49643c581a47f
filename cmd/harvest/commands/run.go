package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/logger"
	"github.com/timmy/steamharvest/internal/service"
	"github.com/timmy/steamharvest/internal/source"
	"github.com/timmy/steamharvest/internal/source/idfile"
	"github.com/timmy/steamharvest/internal/source/pending"
)

var (
	runKind       string
	runPending    bool
	runErrorsOnly bool
	runResume     bool
	runInterval   time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&runKind, "kind", "k", "", "job kind: ccu, extension, price or steamprice (default from config)")
	runCmd.Flags().BoolVar(&runPending, "pending", false, "re-run apps whose status is not done")
	runCmd.Flags().BoolVar(&runErrorsOnly, "errors-only", false, "with --pending, only re-run failed apps")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "resume the persisted job instead of starting a new one")
	runCmd.Flags().DurationVar(&runInterval, "progress", 10*time.Second, "progress report interval")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [id-file]",
	Short: "Runs a harvest job in the foreground until it finishes. Ctrl-C stops it resumably.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := logger.SetComponent(cmd.Context(), "cli")
		jobs := a.JobService

		switch {
		case runResume:
			resumed, err := jobs.Resume(ctx, true)
			if err != nil {
				return err
			}
			if !resumed {
				fmt.Println("nothing to resume")
				return nil
			}
		default:
			var src source.Source
			switch {
			case runPending:
				src = pending.NewAdapter(a.Apps, runErrorsOnly)
			case len(args) == 1:
				src = idfile.NewAdapter(args[0])
			default:
				return errors.New("an id file or --pending is required")
			}
			res, err := jobs.StartFromSource(ctx, src, domain.JobKind(runKind))
			if err != nil {
				return err
			}
			fmt.Printf("job %s started: kind=%s apps=%d batches=%d\n", res.JobID, res.Kind, res.Total, res.Batches)
		}

		return waitForJob(ctx, jobs, runInterval)
	},
}

// waitForJob prints progress until the job ends. Cancelling ctx stops the job
// and waits for its active batches.
func waitForJob(ctx context.Context, jobs *service.JobService, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := jobs.Controller().Done()

	for {
		select {
		case <-done:
			if err := jobs.Wait(context.Background()); err != nil {
				return err
			}
			return report(jobs)
		case <-ticker.C:
			s := jobs.Snapshot()
			fmt.Printf("%.1f%% completed=%d/%d active=%d errors=%d max_parallel=%d\n",
				s.ProgressPercent, s.Completed, s.Total, s.Active, s.Errors, s.MaxParallel)
		case <-ctx.Done():
			fmt.Println("stopping; waiting for active batches...")
			jobs.Stop()
			if err := jobs.Wait(context.Background()); err != nil {
				return err
			}
			return report(jobs)
		}
	}
}

func report(jobs *service.JobService) error {
	s := jobs.Snapshot()
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Job", "Kind", "Batches", "Completed", "Failed", "Queued", "Stopped"})
	t.AppendRow(table.Row{s.JobID, s.Kind, s.Total, s.Completed, s.Errors, s.Queued, s.Stopped})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if full := jobs.LastExport(); full != nil && !s.Stopped {
		printExports(full.Files)
	}
	if s.Stopped {
		fmt.Println("job stopped; continue it with `harvest run --resume`")
	}
	return nil
}

func printExports(files map[string]*service.ExportFile) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Export", "Rows", "Path", "URL"})
	for _, typ := range []string{service.ExportTypeCCU, service.ExportTypeErrors, service.ExportTypePrices} {
		if f, ok := files[typ]; ok {
			t.AppendRow(table.Row{typ, f.Rows, f.Path, f.URL})
		}
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}
