package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/queue"
)

// JobStore persists jobs before they are handed to the queue.
type JobStore interface {
	CreatePdfJob(ctx context.Context, job models.PdfJob) error
}

// JobDispatcher persists and publishes document jobs. A nil publisher
// leaves jobs queued in the database only.
type JobDispatcher struct {
	store     JobStore
	publisher queue.Publisher
	log       *zap.Logger
}

func NewJobDispatcher(store JobStore, publisher queue.Publisher, logger *zap.Logger) *JobDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobDispatcher{store: store, publisher: publisher, log: logger.Named("dispatch")}
}

// NewJob builds a queued job for an opportunity.
func NewJob(opp models.Opportunity, correlationID string) models.PdfJob {
	return models.PdfJob{
		JobID:         uuid.New(),
		OpportunityID: opp.OpportunityID,
		Source:        opp.Source,
		Title:         opp.Title,
		DetailURL:     opp.URL,
		DocumentURLs:  opp.DocumentURLs,
		CorrelationID: correlationID,
		Status:        models.JobQueued,
	}
}

// Dispatch writes each job and then publishes it. A job whose row cannot be
// written is never published. Failures are logged per job.
func (d *JobDispatcher) Dispatch(ctx context.Context, jobs []models.PdfJob) (created, published int) {
	for _, job := range jobs {
		log := d.log.With(
			zap.String("job_id", job.JobID.String()),
			zap.String("correlation_id", job.CorrelationID),
			zap.String("opportunity_id", job.OpportunityID))

		if err := d.store.CreatePdfJob(ctx, job); err != nil {
			log.Error("failed to persist job", zap.Error(err))
			continue
		}
		created++
		metrics.ObserveJob(models.JobQueued)

		if d.publisher == nil {
			continue
		}
		if _, err := d.publisher.Publish(ctx, job); err != nil {
			log.Error("failed to publish job", zap.Error(err))
			continue
		}
		published++
	}
	return created, published
}
