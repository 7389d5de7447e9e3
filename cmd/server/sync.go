package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/david/fundingfinder/internal/auth"
	"github.com/david/fundingfinder/internal/orchestrator"
)

func newSyncCmd(root *rootOptions) *cobra.Command {
	var opts orchestrator.CycleOptions
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the per-source report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			syncer, err := a.syncer(ctx)
			if err != nil {
				return err
			}
			report, err := syncer.RunCycle(ctx, opts)
			if err != nil {
				return err
			}
			renderCycle(report)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.SourceID, "source", "", "sync only this source (active or not)")
	cmd.Flags().StringVar(&opts.URLOverride, "url", "", "override the source's endpoint for this run")
	cmd.Flags().IntVar(&opts.MaxNotices, "max-notices", 0, "cap the records taken from the source")
	cmd.Flags().BoolVar(&opts.Scheduled, "scheduled", false, "behave like the daily run and send the brief")
	return cmd
}

func renderCycle(r orchestrator.CycleReport) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("sync " + r.CorrelationID)
	t.AppendHeader(table.Row{"Source", "Status", "Fetched", "Dropped", "Inserted", "Changed", "Unchanged", "Duration", "Error"})
	for _, s := range r.Sources {
		t.AppendRow(table.Row{s.Source, s.Status, s.Fetched, s.Dropped, s.Inserted, s.Changed, s.Unchanged,
			s.Duration.Round(time.Millisecond).String(), s.Error})
	}
	t.AppendFooter(table.Row{"jobs", fmt.Sprintf("%d created", r.JobsCreated), fmt.Sprintf("%d published", r.JobsPublished)})
	t.Render()
}

func newTasksCmd(root *rootOptions) *cobra.Command {
	var budget time.Duration
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Drain pending tasks once within a time budget",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			syncer, err := a.syncer(ctx)
			if err != nil {
				return err
			}
			if budget <= 0 {
				budget = root.cfg.Sync.TaskBudget
			}
			report, err := orchestrator.NewTaskRunner(a.store, syncer, root.log).Drain(ctx, budget)
			if err != nil {
				return err
			}
			fmt.Printf("claimed=%d completed=%d failed=%d\n", report.Claimed, report.Completed, report.Failed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&budget, "budget", 0, "wall-clock budget (default sync.task_budget)")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for server.admin_password_hash",
		Args:  cobra.ExactArgs(1),
		// No config or database needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
