package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petrijr/fluxhist/internal/adminapi"
	"github.com/petrijr/fluxhist/internal/app"
	"github.com/petrijr/fluxhist/internal/metrics"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "worker",
		Short: "Apply queued history jobs and serve the admin API",
		Long: `worker starts the history job executor and, unless --admin-addr is
empty, the admin HTTP API with health, metrics, dead-letter and query
endpoints. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), opts)
		},
	}

	f := c.Flags()
	f.String("admin-addr", ":8089", "admin API listen address (empty disables it)")
	f.Int("concurrency", 2, "number of worker loops")
	f.String("redrive-schedule", "", "cron schedule for re-driving dead jobs (empty disables it)")
	bindFlags(opts.v, f, map[string]string{
		"admin.addr":             "admin-addr",
		"executor.concurrency":   "concurrency",
		"admin.redrive_schedule": "redrive-schedule",
	})
	return c
}

func runWorker(parent context.Context, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := opts.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	if err := a.Service.StartWorkers(ctx); err != nil {
		return err
	}
	defer a.Service.Stop()

	if spec := opts.cfg.Admin.RedriveSchedule; spec != "" {
		trigger, err := app.NewRedriveTrigger(spec, a.Service, a.Logger)
		if err != nil {
			return err
		}
		trigger.Start(ctx)
	}

	if opts.cfg.Admin.Addr == "" {
		pending, err := a.Service.PendingJobCount(ctx)
		if err != nil {
			return err
		}
		a.Logger.Info("worker_running", "pending", pending)
		<-ctx.Done()
		return nil
	}

	srv := adminapi.New(a.Service, adminapi.Options{
		Logger:  a.Logger,
		Metrics: metrics.Handler(a.Registry),
	})
	return srv.ListenAndServe(ctx, opts.cfg.Admin.Addr)
}
