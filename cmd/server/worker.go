package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/orchestrator"
	"github.com/david/fundingfinder/internal/queue"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume document jobs from Pub/Sub and score them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := root.cfg

			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.close()

			client, err := a.pubsubClient(ctx)
			if err != nil {
				return err
			}
			if client == nil {
				return errors.New("queue.project_id is required to run the worker")
			}
			pipeline, err := a.pipeline(ctx)
			if err != nil {
				return err
			}

			handler := orchestrator.NewJobHandler(a.store, pipeline, root.log)
			consumer := queue.NewPubSubConsumer(client, cfg.Queue.SubscriptionID, cfg.Queue.MaxOutstanding, root.log)

			root.log.Info("worker started",
				zap.String("subscription", cfg.Queue.SubscriptionID),
				zap.Int("max_outstanding", cfg.Queue.MaxOutstanding))
			return consumer.Run(ctx, handler.Handle)
		},
	}
}
