package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/david/fundingfinder/internal/models"
)

// CreatePdfJob persists a queued job. It must succeed before the job is
// published so the row outlives a consumer crash.
func (s *Store) CreatePdfJob(ctx context.Context, job models.PdfJob) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pdf_jobs (job_id, opportunity_id, source, title, detail_url, document_urls, correlation_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued')`,
		job.JobID, job.OpportunityID, job.Source, job.Title, job.DetailURL, nonNil(job.DocumentURLs), job.CorrelationID)
	if err != nil {
		return fmt.Errorf("create pdf job: %w", err)
	}
	return nil
}

// MarkJobProcessing moves a job to processing and returns its attempt count
// including this one. Keyed by job id so redelivery is safe.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID uuid.UUID) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
		UPDATE pdf_jobs SET status = 'processing', attempts = attempts + 1, error = '', updated_at = NOW()
		WHERE job_id = $1
		RETURNING attempts`, jobID).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("mark job processing: %w", err)
	}
	return attempts, nil
}

func (s *Store) MarkJobCompleted(ctx context.Context, jobID uuid.UUID, d time.Duration) error {
	_, err := s.db.Exec(ctx, `
		UPDATE pdf_jobs SET status = 'completed', duration_ms = $2, error = '', updated_at = NOW()
		WHERE job_id = $1`, jobID, d.Milliseconds())
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

func (s *Store) MarkJobFailed(ctx context.Context, jobID uuid.UUID, msg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE pdf_jobs SET status = 'failed', error = $2, updated_at = NOW()
		WHERE job_id = $1`, jobID, msg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// EnqueueTask inserts a pending task with payload encoded as JSON.
func (s *Store) EnqueueTask(ctx context.Context, taskType string, payload any) (models.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Task{}, fmt.Errorf("encode task payload: %w", err)
	}
	t := models.Task{Type: taskType, Payload: raw, Status: models.TaskPending}
	err = s.db.QueryRow(ctx, `
		INSERT INTO tasks (type, payload) VALUES ($1, $2)
		RETURNING id, created_at, updated_at`, taskType, raw).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return t, nil
}

// claimTaskSQL flips the oldest pending row to processing in one statement.
// SKIP LOCKED keeps concurrent claimers off each other's candidate and the
// outer status check makes the update a compare-and-set.
const claimTaskSQL = `
	UPDATE tasks SET status = 'processing', updated_at = NOW()
	WHERE id = (
		SELECT id FROM tasks
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	) AND status = 'pending'
	RETURNING id, type, payload, status, created_at, updated_at`

// ClaimNextTask returns the oldest pending task, now owned by the caller, or
// nil when the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context) (*models.Task, error) {
	var (
		t   models.Task
		raw []byte
	)
	err := s.db.QueryRow(ctx, claimTaskSQL).Scan(&t.ID, &t.Type, &raw, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	t.Payload = raw
	return &t, nil
}

func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.Exec(ctx, "UPDATE tasks SET status = 'completed', error = '', updated_at = NOW() WHERE id = $1", id); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (s *Store) FailTask(ctx context.Context, id uuid.UUID, msg string) error {
	if _, err := s.db.Exec(ctx, "UPDATE tasks SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1", id, msg); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}
