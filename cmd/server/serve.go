package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/api"
	"github.com/david/fundingfinder/internal/auth"
	"github.com/david/fundingfinder/internal/orchestrator"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var noCron bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync and task schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, !noCron)
		},
	}
	cmd.Flags().BoolVar(&noCron, "no-cron", false, "serve the API without scheduled syncs or task drains")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, withCron bool) error {
	cfg := root.cfg
	log := root.log

	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.close()

	syncer, err := a.syncer(ctx)
	if err != nil {
		return err
	}
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(auth.Options{
		PasswordHash: cfg.Server.AdminPasswordHash,
		AdminSecret:  cfg.Server.AdminSecret,
		JWTSecret:    cfg.Server.JWTSecret,
		TokenTTL:     cfg.Server.TokenTTL,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Deps{
		Store:       a.store,
		Auth:        authSvc,
		Cycles:      syncer,
		Dispatcher:  dispatcher,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log,
	})

	if withCron {
		c, err := schedule(ctx, root, syncer, orchestrator.NewTaskRunner(a.store, syncer, log))
		if err != nil {
			return err
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.Start(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// schedule registers the daily sync cycle and the periodic task drain.
func schedule(ctx context.Context, root *rootOptions, syncer *orchestrator.Syncer, tasks *orchestrator.TaskRunner) (*cron.Cron, error) {
	cfg := root.cfg.Sync
	log := root.log.Named("cron")
	c := cron.New(cron.WithLogger(cronLogger{log.Sugar()}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{log.Sugar()})))

	if _, err := c.AddFunc(cfg.Cron, func() {
		log.Info("running scheduled sync")
		report, err := syncer.RunCycle(ctx, orchestrator.CycleOptions{Scheduled: true})
		if err != nil {
			log.Error("scheduled sync failed", zap.Error(err))
			return
		}
		log.Info("scheduled sync completed",
			zap.String("correlation_id", report.CorrelationID),
			zap.Int("jobs_created", report.JobsCreated),
			zap.Bool("brief_sent", report.BriefSent))
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule sync %q: %w", cfg.Cron, err)
	}
	log.Info("sync scheduled", zap.String("cron", cfg.Cron))

	if _, err := c.AddFunc(cfg.TaskCron, func() {
		report, err := tasks.Drain(ctx, cfg.TaskBudget)
		if err != nil {
			log.Error("task drain failed", zap.Error(err))
			return
		}
		if report.Claimed > 0 {
			log.Info("task drain completed", zap.Int("claimed", report.Claimed),
				zap.Int("completed", report.Completed), zap.Int("failed", report.Failed))
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule task drain %q: %w", cfg.TaskCron, err)
	}
	log.Info("task drain scheduled", zap.String("cron", cfg.TaskCron))
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
