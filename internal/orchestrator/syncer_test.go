package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/normalize"
)

type syncFixture struct {
	store     *memStore
	connector *staticConnector
	publisher *recordingPublisher
	notifier  *recordingNotifier
	syncer    *Syncer
}

func newSyncFixture(sources ...models.FundingSource) *syncFixture {
	f := &syncFixture{
		store:     newMemStore(sources...),
		connector: &staticConnector{inputs: map[string][]normalize.Input{}, errs: map[string]error{}},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	dispatcher := NewJobDispatcher(f.store, f.publisher, nil)
	f.syncer = NewSyncer(f.store, nil, anyConnector{f.connector}, dispatcher, f.notifier, SyncerOptions{BatchSize: 3})
	return f
}

func coreSource(id string) models.FundingSource {
	return models.FundingSource{ID: id, Name: id, IntegrationType: models.IntegrationCoreAPI, Active: true}
}

func healthAIGrant(title string) normalize.Input {
	return normalize.Input{
		OpportunityID: "X",
		Title:         title,
		Agency:        "Department of Health",
		Eligibility:   "Open to for-profit small businesses",
		URL:           "https://grants.example/X",
		RawPayload:    fmt.Sprintf(`{"id":"X","title":%q}`, title),
	}
}

func TestEndToEndVersioningAndJobGating(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(coreSource("grants_gov"))
	f.connector.inputs["grants_gov"] = []normalize.Input{healthAIGrant("Health AI Grant")}

	// First sync inserts version 1 and creates one job.
	report, err := f.syncer.RunCycle(ctx, CycleOptions{})
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, models.SyncSuccess, report.Sources[0].Status)
	assert.Equal(t, 1, report.Sources[0].Inserted)

	opp := f.store.opps[key("grants_gov", "X")]
	require.NotNil(t, opp)
	assert.True(t, opp.ForProfitEligible)
	assert.True(t, opp.SmallBusinessEligible)
	assert.True(t, opp.EligibleForDeepDive)
	assert.Equal(t, 1, opp.Version)
	assert.Equal(t, 1, report.JobsCreated)
	assert.Equal(t, 1, report.JobsPublished)
	require.Len(t, f.publisher.jobs, 1)
	assert.Equal(t, report.CorrelationID, f.publisher.jobs[0].CorrelationID)
	assert.Equal(t, "https://grants.example/X", f.publisher.jobs[0].DetailURL)

	// Unchanged payload: no new version, no new job.
	report, err = f.syncer.RunCycle(ctx, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Unchanged)
	assert.Equal(t, 0, report.JobsCreated)
	assert.Len(t, f.store.jobs, 1)
	assert.Equal(t, 1, f.store.opps[key("grants_gov", "X")].Version)

	// Title change: version 2 and exactly one more job.
	f.connector.inputs["grants_gov"] = []normalize.Input{healthAIGrant("Health AI Grant (amended)")}
	report, err = f.syncer.RunCycle(ctx, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Changed)
	assert.Equal(t, 2, f.store.opps[key("grants_gov", "X")].Version)
	assert.Len(t, f.store.versions[opp.ID], 2)
	assert.Equal(t, 1, report.JobsCreated)
	assert.Len(t, f.store.jobs, 2)
}

func TestIneligibleChangesCreateNoJobs(t *testing.T) {
	f := newSyncFixture(coreSource("grants_gov"))
	f.connector.inputs["grants_gov"] = []normalize.Input{{
		OpportunityID: "U-1",
		Title:         "University health data research",
		Eligibility:   "Institutions of higher education only",
		RawPayload:    `{"id":"U-1"}`,
	}}

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Inserted)
	assert.Zero(t, report.JobsCreated)
	assert.Empty(t, f.publisher.jobs)
}

func TestCoreSourcesRunFirstAndInactiveAreSkipped(t *testing.T) {
	scrape := models.FundingSource{ID: "state_portal", IntegrationType: models.IntegrationHTMLScrape, Active: true}
	bulk := models.FundingSource{ID: "eu_bulk", IntegrationType: models.IntegrationJSONBulk, Active: true}
	off := models.FundingSource{ID: "old", IntegrationType: models.IntegrationCSVBulk, Active: false}
	f := newSyncFixture(scrape, coreSource("grants_gov"), off, bulk, coreSource("sam"))

	_, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"grants_gov", "sam", "state_portal", "eu_bulk"}, f.connector.calls)
}

func TestSourceFailureIsIsolated(t *testing.T) {
	f := newSyncFixture(coreSource("broken"), coreSource("grants_gov"))
	f.connector.errs["broken"] = errors.New("403 from upstream")
	f.connector.inputs["grants_gov"] = []normalize.Input{healthAIGrant("Health AI Grant")}

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	require.Len(t, report.Sources, 2)
	assert.Equal(t, models.SyncFailed, report.Sources[0].Status)
	assert.Contains(t, report.Sources[0].Error, "403")
	assert.Equal(t, models.SyncSuccess, report.Sources[1].Status)

	assert.Equal(t, models.SyncFailed, f.store.status["broken"])
	assert.Equal(t, models.SyncSuccess, f.store.status["grants_gov"])
	require.Len(t, f.store.runs, 2)
	for _, run := range f.store.runs {
		assert.Equal(t, report.CorrelationID, run.CorrelationID)
		assert.NotEqual(t, models.SyncRunning, run.Status)
	}
}

func TestUpsertErrorKeepsJobsForWrittenRecords(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(coreSource("grants_gov"))
	var inputs []normalize.Input
	for i := range 7 {
		in := healthAIGrant(fmt.Sprintf("Health AI Grant %d", i))
		in.OpportunityID = fmt.Sprintf("X-%d", i)
		inputs = append(inputs, in)
	}
	f.connector.inputs["grants_gov"] = inputs
	f.store.upsertErr["X-5"] = errors.New("connection reset")

	report, err := f.syncer.RunCycle(ctx, CycleOptions{})
	require.NoError(t, err)
	sr := report.Sources[0]
	assert.Equal(t, models.SyncFailed, sr.Status)
	assert.Contains(t, sr.Error, "X-5")
	// The first batch and the rest of the failing batch were written; the
	// last batch never ran.
	assert.Len(t, f.store.opps, 5)
	assert.NotContains(t, f.store.opps, key("grants_gov", "X-6"))
	assert.Equal(t, 5, sr.Inserted)
	assert.Equal(t, 5, report.JobsCreated)

	// Once the store recovers only the records that were never written are new.
	delete(f.store.upsertErr, "X-5")
	report, err = f.syncer.RunCycle(ctx, CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.SyncSuccess, report.Sources[0].Status)
	assert.Equal(t, 5, report.Sources[0].Unchanged)
	assert.Equal(t, 2, report.JobsCreated)

	jobbed := map[string]int{}
	for _, job := range f.store.jobs {
		jobbed[job.OpportunityID]++
	}
	require.Len(t, jobbed, 7)
	for id, n := range jobbed {
		assert.Equal(t, 1, n, id)
	}
}

// cancellingConnector cancels the cycle's context once it has served its inputs.
type cancellingConnector struct {
	inner  ingest.Connector
	cancel context.CancelFunc
}

func (c cancellingConnector) Fetch(ctx context.Context, src ingest.SourceConfig) ([]normalize.Input, error) {
	defer c.cancel()
	return c.inner.Fetch(ctx, src)
}

func TestCancelledCycleStillCreatesJobsForWrittenRecords(t *testing.T) {
	f := newSyncFixture(coreSource("grants_gov"), coreSource("sam_gov"))
	f.connector.inputs["grants_gov"] = []normalize.Input{healthAIGrant("Health AI Grant")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.syncer.connectors = anyConnector{cancellingConnector{inner: f.connector, cancel: cancel}}

	report, err := f.syncer.RunCycle(ctx, CycleOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, 1, report.JobsCreated)
	assert.Len(t, f.store.jobs, 1)
	assert.Equal(t, []string{"grants_gov"}, f.connector.calls)
}

func TestDropPolicy(t *testing.T) {
	bulk := models.FundingSource{ID: "eu_bulk", IntegrationType: models.IntegrationJSONBulk, Active: true, KeywordsExclude: []string{"fisheries"}}
	f := newSyncFixture(bulk)
	f.store.rules = []models.ExclusionRule{{RuleType: models.RuleExcludedBureau, Value: "Department of Defense", Active: true}}
	f.connector.inputs["eu_bulk"] = []normalize.Input{
		{OpportunityID: "1", Title: "Digital health platform for SMEs", RawPayload: "1"},
		{OpportunityID: "2", Title: "Cultural heritage festival", RawPayload: "2"},
		{OpportunityID: "3", Title: "Fisheries data pilot", RawPayload: "3"},
		{OpportunityID: "4", Title: "AI logistics", Agency: "Department of Defense - Army", RawPayload: "4"},
		{OpportunityID: "", Title: "no id", RawPayload: "5"},
	}

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	sr := report.Sources[0]
	assert.Equal(t, 5, sr.Fetched)
	assert.Equal(t, 4, sr.Dropped)
	assert.Equal(t, 1, sr.Inserted)
	assert.Contains(t, f.store.opps, key("eu_bulk", "1"))
}

func TestCoreAPIKeepsZeroScoreRecords(t *testing.T) {
	f := newSyncFixture(coreSource("grants_gov"))
	f.connector.inputs["grants_gov"] = []normalize.Input{{OpportunityID: "Z", Title: "Cultural heritage festival", RawPayload: "z"}}

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sources[0].Inserted)
	assert.Zero(t, report.JobsCreated)
}

func TestOnDemandSourceWithOverrides(t *testing.T) {
	reg, err := ingest.ParseRegistry([]byte(`
sources:
  - id: eu_bulk
    name: EU bulk
    type: json_bulk
    url: https://default.example/feed.json
    active: false
`))
	require.NoError(t, err)

	f := newSyncFixture(models.FundingSource{ID: "eu_bulk", IntegrationType: models.IntegrationJSONBulk, Active: false}, coreSource("grants_gov"))
	var seen ingest.SourceConfig
	capture := connectorFunc(func(_ context.Context, src ingest.SourceConfig) ([]normalize.Input, error) {
		seen = src
		return nil, nil
	})
	f.syncer = NewSyncer(f.store, reg, anyConnector{capture}, NewJobDispatcher(f.store, nil, nil), f.notifier, SyncerOptions{})

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{
		SourceID:    "eu_bulk",
		URLOverride: "https://override.example/feed.json",
		MaxNotices:  7,
	})
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, "eu_bulk", seen.ID)
	assert.Equal(t, "https://override.example/feed.json", seen.URL)
	assert.Equal(t, 7, seen.MaxNotices)

	_, err = f.syncer.RunCycle(context.Background(), CycleOptions{SourceID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestScheduledRunSendsBrief(t *testing.T) {
	f := newSyncFixture(coreSource("grants_gov"))
	for i := range 7 {
		f.store.top = append(f.store.top, models.ListedOpportunity{
			Opportunity:    models.Opportunity{OpportunityID: fmt.Sprintf("T-%d", i), Title: "t"},
			LatestAnalysis: &models.Analysis{Feasibility: 90 - i},
		})
	}

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.False(t, report.BriefSent)
	assert.Empty(t, f.notifier.briefs)

	report, err = f.syncer.RunCycle(context.Background(), CycleOptions{Scheduled: true})
	require.NoError(t, err)
	assert.True(t, report.BriefSent)
	require.Len(t, f.notifier.briefs, 1)
	brief := f.notifier.briefs[0]
	assert.Len(t, brief.Opportunities, 5)
	assert.Equal(t, 90, brief.Opportunities[0].Feasibility)
	assert.Equal(t, report.CorrelationID, brief.CorrelationID)
}

func TestPublishFailureKeepsPersistedJob(t *testing.T) {
	f := newSyncFixture(coreSource("grants_gov"))
	f.connector.inputs["grants_gov"] = []normalize.Input{healthAIGrant("Health AI Grant")}
	f.publisher.err = errors.New("topic not found")

	report, err := f.syncer.RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.JobsCreated)
	assert.Equal(t, 0, report.JobsPublished)
	require.Len(t, f.store.jobs, 1)
	assert.Equal(t, models.JobQueued, f.store.jobs[0].Status)
}

type connectorFunc func(ctx context.Context, src ingest.SourceConfig) ([]normalize.Input, error)

func (f connectorFunc) Fetch(ctx context.Context, src ingest.SourceConfig) ([]normalize.Input, error) {
	return f(ctx, src)
}
