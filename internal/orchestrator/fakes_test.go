package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/normalize"
)

// memStore is an in-memory versioned store with the same upsert contract
// as the Postgres store.
type memStore struct {
	mu        sync.Mutex
	sources   []models.FundingSource
	rules     []models.ExclusionRule
	opps      map[string]*models.Opportunity
	versions  map[uuid.UUID][]models.OpportunityVersion
	jobs      []models.PdfJob
	jobState  map[uuid.UUID]*models.PdfJob
	runs      []models.SourceSyncRun
	status    map[string]string
	tasks     []*models.Task
	top       []models.ListedOpportunity
	upsertErr map[string]error
	failJobs  bool
}

func newMemStore(sources ...models.FundingSource) *memStore {
	return &memStore{
		sources:   sources,
		opps:      make(map[string]*models.Opportunity),
		versions:  make(map[uuid.UUID][]models.OpportunityVersion),
		jobState:  make(map[uuid.UUID]*models.PdfJob),
		status:    make(map[string]string),
		upsertErr: make(map[string]error),
	}
}

func key(source, id string) string { return source + "|" + id }

func (m *memStore) ListSources(context.Context) ([]models.FundingSource, error) {
	return m.sources, nil
}

func (m *memStore) ActiveExclusionRules(context.Context) ([]models.ExclusionRule, error) {
	return m.rules, nil
}

func (m *memStore) StartSyncRun(_ context.Context, source, corrID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := models.SourceSyncRun{ID: uuid.New(), Source: source, Status: models.SyncRunning, CorrelationID: corrID}
	m.runs = append(m.runs, run)
	return run.ID, nil
}

func (m *memStore) CompleteSyncRun(_ context.Context, id uuid.UUID, status string, ingested int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs[i].Status = status
			m.runs[i].Ingested = ingested
			m.runs[i].Error = errMsg
			return nil
		}
	}
	return db.ErrNotFound
}

func (m *memStore) RecordSourceSync(_ context.Context, id, status, _ string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[id] = status
	return nil
}

func (m *memStore) UpsertOpportunity(_ context.Context, rec models.Opportunity) (db.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertErr[rec.OpportunityID]; err != nil {
		return db.UpsertResult{}, err
	}

	k := key(rec.Source, rec.OpportunityID)
	cur, ok := m.opps[k]
	if !ok {
		rec.ID = uuid.New()
		rec.Version = 1
		m.opps[k] = &rec
		m.versions[rec.ID] = append(m.versions[rec.ID], models.OpportunityVersion{OpportunityRowID: rec.ID, Version: 1, VersionHash: rec.VersionHash, RawPayload: rec.RawPayload})
		return db.UpsertResult{ID: rec.ID, Version: 1, Updated: true}, nil
	}
	if cur.VersionHash == rec.VersionHash {
		cur.UpdatedAt = time.Now()
		return db.UpsertResult{ID: cur.ID, Version: cur.Version, Updated: false}, nil
	}
	rec.ID = cur.ID
	rec.Version = cur.Version + 1
	m.opps[k] = &rec
	m.versions[rec.ID] = append(m.versions[rec.ID], models.OpportunityVersion{OpportunityRowID: rec.ID, Version: rec.Version, VersionHash: rec.VersionHash, RawPayload: rec.RawPayload})
	return db.UpsertResult{ID: rec.ID, Version: rec.Version, Updated: true}, nil
}

func (m *memStore) CreatePdfJob(_ context.Context, job models.PdfJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failJobs {
		return errors.New("insert failed")
	}
	m.jobs = append(m.jobs, job)
	j := job
	m.jobState[job.JobID] = &j
	return nil
}

func (m *memStore) TopByFeasibility(_ context.Context, n int, _ time.Time) ([]models.ListedOpportunity, error) {
	if len(m.top) > n {
		return m.top[:n], nil
	}
	return m.top, nil
}

func (m *memStore) MarkJobProcessing(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobState[id]
	if !ok {
		return 0, db.ErrNotFound
	}
	j.Status = models.JobProcessing
	j.Attempts++
	return j.Attempts, nil
}

func (m *memStore) MarkJobCompleted(_ context.Context, id uuid.UUID, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobState[id]
	j.Status = models.JobCompleted
	j.DurationMS = d.Milliseconds()
	return nil
}

func (m *memStore) MarkJobFailed(_ context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobState[id]
	j.Status = models.JobFailed
	j.Error = msg
	return nil
}

func (m *memStore) ClaimNextTask(context.Context) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.SliceStable(m.tasks, func(i, j int) bool { return m.tasks[i].CreatedAt.Before(m.tasks[j].CreatedAt) })
	for _, t := range m.tasks {
		if t.Status == models.TaskPending {
			t.Status = models.TaskProcessing
			claimed := *t
			return &claimed, nil
		}
	}
	return nil, nil
}

func (m *memStore) setTask(id uuid.UUID, status, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			t.Status = status
			t.Error = msg
			return nil
		}
	}
	return db.ErrNotFound
}

func (m *memStore) CompleteTask(_ context.Context, id uuid.UUID) error {
	return m.setTask(id, models.TaskCompleted, "")
}

func (m *memStore) FailTask(_ context.Context, id uuid.UUID, msg string) error {
	return m.setTask(id, models.TaskFailed, msg)
}

// staticConnector serves canned inputs per source id.
type staticConnector struct {
	mu     sync.Mutex
	inputs map[string][]normalize.Input
	errs   map[string]error
	calls  []string
}

func (c *staticConnector) Fetch(_ context.Context, src ingest.SourceConfig) ([]normalize.Input, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, src.ID)
	if err := c.errs[src.ID]; err != nil {
		return nil, err
	}
	return c.inputs[src.ID], nil
}

// anyConnector serves every integration type with the same connector.
type anyConnector struct{ c ingest.Connector }

func (a anyConnector) Get(models.IntegrationType) (ingest.Connector, error) { return a.c, nil }

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []models.PdfJob
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, job models.PdfJob) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.jobs = append(p.jobs, job)
	return "msg-" + job.JobID.String(), nil
}

type recordingNotifier struct {
	briefs []Brief
}

func (n *recordingNotifier) SendBrief(_ context.Context, b Brief) error {
	n.briefs = append(n.briefs, b)
	return nil
}
