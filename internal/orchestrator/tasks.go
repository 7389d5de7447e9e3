package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/models"
)

// TaskStore is the durable task queue.
type TaskStore interface {
	ClaimNextTask(ctx context.Context) (*models.Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID) error
	FailTask(ctx context.Context, id uuid.UUID, msg string) error
}

// CycleRunner runs one sync cycle. *Syncer implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context, opts CycleOptions) (CycleReport, error)
}

// TaskRunner drains the task table within a wall-clock budget. It is meant
// to be invoked repeatedly, e.g. from cron, not run as a long-lived loop.
type TaskRunner struct {
	store  TaskStore
	cycles CycleRunner
	log    *zap.Logger
	now    func() time.Time
}

func NewTaskRunner(store TaskStore, cycles CycleRunner, logger *zap.Logger) *TaskRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskRunner{store: store, cycles: cycles, log: logger.Named("tasks"), now: time.Now}
}

type DrainReport struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Drain claims and runs tasks, oldest first, until none are pending or the
// budget is spent. A task already started is allowed to finish.
func (r *TaskRunner) Drain(ctx context.Context, budget time.Duration) (DrainReport, error) {
	var report DrainReport
	deadline := r.now().Add(budget)

	for r.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		task, err := r.store.ClaimNextTask(ctx)
		if err != nil {
			return report, err
		}
		if task == nil {
			break
		}
		report.Claimed++

		log := r.log.With(zap.String("task_id", task.ID.String()), zap.String("type", task.Type))
		if err := r.execute(ctx, task); err != nil {
			report.Failed++
			metrics.ObserveTask(task.Type, models.TaskFailed)
			log.Warn("task failed", zap.Error(err))
			if ferr := r.store.FailTask(ctx, task.ID, err.Error()); ferr != nil {
				return report, ferr
			}
			continue
		}
		report.Completed++
		metrics.ObserveTask(task.Type, models.TaskCompleted)
		log.Info("task completed")
		if err := r.store.CompleteTask(ctx, task.ID); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *TaskRunner) execute(ctx context.Context, task *models.Task) error {
	switch task.Type {
	case models.TaskSyncSource:
		var p models.SyncTaskPayload
		if len(task.Payload) > 0 {
			if err := json.Unmarshal(task.Payload, &p); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		report, err := r.cycles.RunCycle(ctx, CycleOptions{
			SourceID:    p.SourceID,
			URLOverride: p.URLOverride,
			MaxNotices:  p.MaxNotices,
		})
		if err != nil {
			return err
		}
		var errs []error
		for _, s := range report.Sources {
			if s.Status == models.SyncFailed {
				errs = append(errs, fmt.Errorf("%s: %s", s.Source, s.Error))
			}
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}
