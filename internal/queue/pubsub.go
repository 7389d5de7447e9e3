package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/models"
)

// PubSubPublisher publishes jobs as JSON messages.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(client *pubsub.Client, topicID string) *PubSubPublisher {
	return &PubSubPublisher{topic: client.Topic(topicID)}
}

// Publish blocks until the server has accepted the message so the caller
// only reports jobs that are actually queued.
func (p *PubSubPublisher) Publish(ctx context.Context, job models.PdfJob) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.JobID, err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id":         job.JobID.String(),
			"source":         job.Source,
			"correlation_id": job.CorrelationID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish job %s: %w", job.JobID, err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// PubSubConsumer receives jobs from a subscription.
type PubSubConsumer struct {
	sub *pubsub.Subscription
	log *zap.Logger
}

func NewPubSubConsumer(client *pubsub.Client, subscriptionID string, maxOutstanding int, logger *zap.Logger) *PubSubConsumer {
	sub := client.Subscription(subscriptionID)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubConsumer{sub: sub, log: logger.Named("consumer")}
}

// Run blocks until ctx is cancelled. Undecodable messages are acked so they
// are not redelivered forever; KindRetryable results are nacked.
func (c *PubSubConsumer) Run(ctx context.Context, handle Handler) error {
	return c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var job models.PdfJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			c.log.Error("dropping undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}

		res := handle(ctx, job)
		fields := []zap.Field{
			zap.String("message_id", msg.ID),
			zap.String("job_id", job.JobID.String()),
			zap.String("correlation_id", job.CorrelationID),
			zap.Stringer("result", res.Kind),
		}
		switch res.Kind {
		case KindRetryable:
			c.log.Warn("job will be retried", append(fields, zap.Error(res.Err))...)
			msg.Nack()
		case KindFatal:
			c.log.Error("job failed permanently", append(fields, zap.Error(res.Err))...)
			msg.Ack()
		default:
			c.log.Debug("job done", fields...)
			msg.Ack()
		}
	})
}
