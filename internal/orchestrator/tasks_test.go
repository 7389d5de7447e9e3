package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fundingfinder/internal/models"
)

type scriptedCycles struct {
	opts    []CycleOptions
	reports map[string]CycleReport
	err     error
}

func (s *scriptedCycles) RunCycle(_ context.Context, opts CycleOptions) (CycleReport, error) {
	s.opts = append(s.opts, opts)
	if s.err != nil {
		return CycleReport{}, s.err
	}
	return s.reports[opts.SourceID], nil
}

func task(typ string, payload any, age time.Duration) *models.Task {
	raw, _ := json.Marshal(payload)
	return &models.Task{ID: uuid.New(), Type: typ, Payload: raw, Status: models.TaskPending, CreatedAt: time.Now().Add(-age)}
}

func TestDrainRunsTasksOldestFirst(t *testing.T) {
	store := newMemStore()
	newer := task(models.TaskSyncSource, models.SyncTaskPayload{SourceID: "sam"}, time.Minute)
	older := task(models.TaskSyncSource, models.SyncTaskPayload{SourceID: "grants_gov", MaxNotices: 20}, time.Hour)
	store.tasks = []*models.Task{newer, older}

	cycles := &scriptedCycles{reports: map[string]CycleReport{
		"grants_gov": {Sources: []SourceReport{{Source: "grants_gov", Status: models.SyncSuccess}}},
		"sam":        {Sources: []SourceReport{{Source: "sam", Status: models.SyncFailed, Error: "timeout"}}},
	}}
	runner := NewTaskRunner(store, cycles, nil)

	report, err := runner.Drain(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Claimed: 2, Completed: 1, Failed: 1}, report)

	require.Len(t, cycles.opts, 2)
	assert.Equal(t, "grants_gov", cycles.opts[0].SourceID)
	assert.Equal(t, 20, cycles.opts[0].MaxNotices)
	assert.False(t, cycles.opts[0].Scheduled)

	assert.Equal(t, models.TaskCompleted, older.Status)
	assert.Equal(t, models.TaskFailed, newer.Status)
	assert.Contains(t, newer.Error, "sam: timeout")
}

func TestDrainStopsWhenBudgetIsSpent(t *testing.T) {
	store := newMemStore()
	store.tasks = []*models.Task{
		task(models.TaskSyncSource, models.SyncTaskPayload{}, 2*time.Minute),
		task(models.TaskSyncSource, models.SyncTaskPayload{}, time.Minute),
	}
	runner := NewTaskRunner(store, &scriptedCycles{}, nil)

	// Each call to now advances the clock by 10s; the budget covers one task.
	clock := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	runner.now = func() time.Time {
		clock = clock.Add(10 * time.Second)
		return clock
	}

	report, err := runner.Drain(context.Background(), 15*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, models.TaskPending, store.tasks[1].Status)
}

func TestDrainUnknownTaskTypeFails(t *testing.T) {
	store := newMemStore()
	bad := task("reindex", map[string]string{}, time.Minute)
	store.tasks = []*models.Task{bad}

	report, err := NewTaskRunner(store, &scriptedCycles{}, nil).Drain(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, bad.Error, "unknown task type")
}

func TestDrainCycleErrorFailsTask(t *testing.T) {
	store := newMemStore()
	tk := task(models.TaskSyncSource, models.SyncTaskPayload{SourceID: "nope"}, time.Minute)
	store.tasks = []*models.Task{tk}

	cycles := &scriptedCycles{err: ErrUnknownSource}
	report, err := NewTaskRunner(store, cycles, nil).Drain(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, models.TaskFailed, tk.Status)
	assert.Equal(t, ErrUnknownSource.Error(), tk.Error)
}

func TestDrainEmptyQueue(t *testing.T) {
	report, err := NewTaskRunner(newMemStore(), &scriptedCycles{}, nil).Drain(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
}
