package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/documents"
	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/queue"
)

// JobStateStore mirrors job progress into pdf_jobs.
type JobStateStore interface {
	MarkJobProcessing(ctx context.Context, jobID uuid.UUID) (int, error)
	MarkJobCompleted(ctx context.Context, jobID uuid.UUID, d time.Duration) error
	MarkJobFailed(ctx context.Context, jobID uuid.UUID, msg string) error
}

// Processor runs the document pipeline for one job.
type Processor interface {
	Process(ctx context.Context, job models.PdfJob) (documents.Outcome, error)
}

// JobHandler executes queued document jobs. The pdf_jobs row is only a
// mirror: redelivery is left to the queue, which retries nacked messages.
type JobHandler struct {
	store     JobStateStore
	processor Processor
	log       *zap.Logger
	now       func() time.Time
}

func NewJobHandler(store JobStateStore, processor Processor, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{store: store, processor: processor, log: logger.Named("jobs"), now: time.Now}
}

// Handle implements queue.Handler.
func (h *JobHandler) Handle(ctx context.Context, job models.PdfJob) queue.Result {
	log := h.log.With(zap.String("job_id", job.JobID.String()), zap.String("correlation_id", job.CorrelationID))

	attempts, err := h.store.MarkJobProcessing(ctx, job.JobID)
	if errors.Is(err, db.ErrNotFound) {
		log.Error("job row missing, dropping message")
		return queue.Fatal(err)
	}
	if err != nil {
		return queue.Retry(err)
	}
	metrics.ObserveJob(models.JobProcessing)
	log.Info("job started", zap.Int("attempt", attempts))

	start := h.now()
	_, err = h.processor.Process(ctx, job)
	elapsed := h.now().Sub(start)
	metrics.ObserveJobDuration(elapsed)

	if err != nil {
		metrics.ObserveJob(models.JobFailed)
		if markErr := h.store.MarkJobFailed(ctx, job.JobID, err.Error()); markErr != nil {
			log.Warn("failed to mark job failed", zap.Error(markErr))
		}
		if documents.Permanent(err) {
			log.Warn("job failed permanently", zap.Error(err))
			return queue.Fatal(err)
		}
		log.Warn("job failed, leaving redelivery to the queue", zap.Error(err))
		return queue.Retry(err)
	}

	if err := h.store.MarkJobCompleted(ctx, job.JobID, elapsed); err != nil {
		log.Warn("failed to mark job completed", zap.Error(err))
	}
	metrics.ObserveJob(models.JobCompleted)
	log.Info("job completed", zap.Duration("duration", elapsed))
	return queue.Ack()
}
