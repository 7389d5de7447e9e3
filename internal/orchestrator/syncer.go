// Package orchestrator runs sync cycles, drains the task queue and handles
// document jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/eligibility"
	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/normalize"
	"github.com/david/fundingfinder/internal/textutil"
)

// ErrUnknownSource is returned when an on-demand cycle names a source that
// is not in funding_sources.
var ErrUnknownSource = errors.New("unknown source")

// SyncStore is the part of the versioned store a sync cycle uses.
type SyncStore interface {
	JobStore
	ListSources(ctx context.Context) ([]models.FundingSource, error)
	ActiveExclusionRules(ctx context.Context) ([]models.ExclusionRule, error)
	StartSyncRun(ctx context.Context, source, correlationID string) (uuid.UUID, error)
	CompleteSyncRun(ctx context.Context, id uuid.UUID, status string, ingested int, errMsg string) error
	RecordSourceSync(ctx context.Context, id, status, errMsg string, ingested int) error
	UpsertOpportunity(ctx context.Context, rec models.Opportunity) (db.UpsertResult, error)
	TopByFeasibility(ctx context.Context, n int, since time.Time) ([]models.ListedOpportunity, error)
}

// Connectors resolves the connector for an integration type.
type Connectors interface {
	Get(t models.IntegrationType) (ingest.Connector, error)
}

// CycleOptions narrows a cycle. URLOverride and MaxNotices only apply when
// SourceID is set.
type CycleOptions struct {
	SourceID      string
	URLOverride   string
	MaxNotices    int
	Scheduled     bool
	CorrelationID string
}

// SourceReport is one source's outcome within a cycle.
type SourceReport struct {
	Source     string        `json:"source"`
	Status     string        `json:"status"`
	Fetched    int           `json:"fetched"`
	Dropped    int           `json:"dropped"`
	Inserted   int           `json:"inserted"`
	Changed    int           `json:"changed"`
	Unchanged  int           `json:"unchanged"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	candidates []models.Opportunity
}

// Ingested counts records that reached the store.
func (r SourceReport) Ingested() int {
	return r.Inserted + r.Changed + r.Unchanged
}

type CycleReport struct {
	CorrelationID string         `json:"correlation_id"`
	Sources       []SourceReport `json:"sources"`
	JobsCreated   int            `json:"jobs_created"`
	JobsPublished int            `json:"jobs_published"`
	BriefSent     bool           `json:"brief_sent"`
}

// SyncerOptions tunes a Syncer. Zero values fall back to defaults.
type SyncerOptions struct {
	BatchSize int
	BriefSize int
	Logger    *zap.Logger
}

// Syncer runs sync cycles.
type Syncer struct {
	store      SyncStore
	registry   *ingest.Registry
	connectors Connectors
	dispatcher *JobDispatcher
	notifier   Notifier
	batchSize  int
	briefSize  int
	log        *zap.Logger
	now        func() time.Time
}

func NewSyncer(store SyncStore, registry *ingest.Registry, connectors Connectors, dispatcher *JobDispatcher, notifier Notifier, opts SyncerOptions) *Syncer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BriefSize <= 0 {
		opts.BriefSize = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if registry == nil {
		registry = &ingest.Registry{}
	}
	if notifier == nil {
		notifier = NewLogNotifier(opts.Logger)
	}
	return &Syncer{
		store:      store,
		registry:   registry,
		connectors: connectors,
		dispatcher: dispatcher,
		notifier:   notifier,
		batchSize:  opts.BatchSize,
		briefSize:  opts.BriefSize,
		log:        opts.Logger.Named("syncer"),
		now:        time.Now,
	}
}

// RunCycle syncs core API sources one after another, then every other
// active source. A source failure is recorded and the cycle moves on; only
// failures to load sources or rules abort the cycle. Jobs are created after
// all sources for records that changed and qualify for a deep dive.
func (s *Syncer) RunCycle(ctx context.Context, opts CycleOptions) (CycleReport, error) {
	corrID := opts.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	report := CycleReport{CorrelationID: corrID}
	log := s.log.With(zap.String("correlation_id", corrID))

	rules, err := s.store.ActiveExclusionRules(ctx)
	if err != nil {
		return report, fmt.Errorf("load exclusion rules: %w", err)
	}
	filters := eligibility.NewFilterSet(rules)

	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return report, fmt.Errorf("load sources: %w", err)
	}
	selected, err := selectSources(sources, opts.SourceID)
	if err != nil {
		return report, err
	}
	log.Info("sync cycle started", zap.Int("sources", len(selected)), zap.Bool("scheduled", opts.Scheduled))

	var candidates []models.Opportunity
	for _, fs := range selected {
		if ctx.Err() != nil {
			break
		}
		cfg := s.sourceConfig(fs, opts)
		sr := s.syncSource(ctx, log, cfg, filters, corrID)
		candidates = append(candidates, sr.candidates...)
		report.Sources = append(report.Sources, sr)
	}

	jobs := make([]models.PdfJob, 0, len(candidates))
	for _, opp := range candidates {
		jobs = append(jobs, NewJob(opp, corrID))
	}
	if s.dispatcher != nil && len(jobs) > 0 {
		// Written records need their jobs even when the cycle was cancelled.
		report.JobsCreated, report.JobsPublished = s.dispatcher.Dispatch(context.WithoutCancel(ctx), jobs)
	}
	if err := ctx.Err(); err != nil {
		log.Warn("sync cycle cancelled", zap.Int("jobs_created", report.JobsCreated))
		return report, err
	}

	if opts.Scheduled {
		report.BriefSent = s.sendBrief(ctx, log, corrID)
	}

	log.Info("sync cycle finished",
		zap.Int("jobs_created", report.JobsCreated),
		zap.Int("jobs_published", report.JobsPublished))
	return report, nil
}

// selectSources returns the named source, or every active source with core
// API sources first. Relative order is otherwise preserved.
func selectSources(all []models.FundingSource, only string) ([]models.FundingSource, error) {
	if only != "" {
		for _, fs := range all {
			if fs.ID == only {
				return []models.FundingSource{fs}, nil
			}
		}
		return nil, fmt.Errorf("%q: %w", only, ErrUnknownSource)
	}

	var core, rest []models.FundingSource
	for _, fs := range all {
		if !fs.Active {
			continue
		}
		if fs.IntegrationType == models.IntegrationCoreAPI {
			core = append(core, fs)
		} else {
			rest = append(rest, fs)
		}
	}
	return append(core, rest...), nil
}

func (s *Syncer) sourceConfig(fs models.FundingSource, opts CycleOptions) ingest.SourceConfig {
	cfg, ok := s.registry.Lookup(fs.ID)
	if !ok {
		cfg = ingest.SourceConfig{ID: fs.ID, Name: fs.Name}
	}
	cfg = cfg.WithOverrides(fs)
	if opts.SourceID == fs.ID {
		if opts.URLOverride != "" {
			cfg.URL = opts.URLOverride
		}
		if opts.MaxNotices > 0 {
			cfg.MaxNotices = opts.MaxNotices
		}
	}
	return cfg
}

func (s *Syncer) syncSource(ctx context.Context, log *zap.Logger, cfg ingest.SourceConfig, base eligibility.FilterSet, corrID string) SourceReport {
	start := s.now()
	log = log.With(zap.String("source", cfg.ID))
	sr := SourceReport{Source: cfg.ID}

	runID, err := s.store.StartSyncRun(ctx, cfg.ID, corrID)
	if err != nil {
		log.Warn("failed to record sync run start", zap.Error(err))
	}

	err = s.ingestSource(ctx, log, cfg, base, &sr)
	sr.Duration = s.now().Sub(start)
	sr.Status = models.SyncSuccess
	if err != nil {
		sr.Status = models.SyncFailed
		sr.Error = err.Error()
		log.Error("source sync failed", zap.Error(err), zap.Int("jobs_kept", len(sr.candidates)))
	} else {
		log.Info("source synced",
			zap.Int("fetched", sr.Fetched),
			zap.Int("dropped", sr.Dropped),
			zap.Int("inserted", sr.Inserted),
			zap.Int("changed", sr.Changed),
			zap.Int("unchanged", sr.Unchanged),
			zap.Duration("duration", sr.Duration))
	}

	if runID != uuid.Nil {
		if err := s.store.CompleteSyncRun(ctx, runID, sr.Status, sr.Ingested(), sr.Error); err != nil {
			log.Warn("failed to complete sync run", zap.Error(err))
		}
	}
	if err := s.store.RecordSourceSync(ctx, cfg.ID, sr.Status, sr.Error, sr.Ingested()); err != nil {
		log.Warn("failed to record source status", zap.Error(err))
	}
	metrics.ObserveSyncRun(cfg.ID, sr.Status, sr.Ingested())
	return sr
}

func (s *Syncer) ingestSource(ctx context.Context, log *zap.Logger, cfg ingest.SourceConfig, base eligibility.FilterSet, sr *SourceReport) error {
	connector, err := s.connectors.Get(cfg.Type)
	if err != nil {
		return err
	}
	inputs, err := connector.Fetch(ctx, cfg)
	if err != nil {
		return err
	}
	sr.Fetched = len(inputs)

	filters := base.WithKeywords(cfg.Keywords)
	records := make([]normalize.Result, 0, len(inputs))
	for _, in := range inputs {
		if in.Source == "" {
			in.Source = cfg.ID
		}
		res := normalize.Normalize(in, filters)
		if res == nil || dropRecord(cfg, res) {
			sr.Dropped++
			continue
		}
		records = append(records, *res)
	}
	if sr.Dropped > 0 {
		log.Debug("records dropped", zap.Int("dropped", sr.Dropped))
	}

	return s.upsertBatches(ctx, records, sr)
}

// dropRecord applies the per-source keyword policy: bulk and scraped records
// must score at least one keyword, and no source keeps a record that matches
// one of its exclude keywords.
func dropRecord(cfg ingest.SourceConfig, res *normalize.Result) bool {
	if cfg.Type != models.IntegrationCoreAPI && res.Record.KeywordScore <= 0 {
		return true
	}
	text := res.Record.Title + "\n" + res.Record.Summary
	for _, term := range cfg.Exclude {
		if strings.TrimSpace(term) != "" && textutil.CountTerm(text, term) > 0 {
			return true
		}
	}
	return false
}

// upsertBatches upserts records in batches of batchSize, each batch in
// parallel. Batches run in input order and results are tallied in input
// order. A store error fails the source and stops later batches; records
// already written keep their tally and their job candidate.
func (s *Syncer) upsertBatches(ctx context.Context, records []normalize.Result, sr *SourceReport) error {
	results := make([]db.UpsertResult, len(records))
	written := make([]bool, len(records))
	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := s.store.UpsertOpportunity(gctx, records[i].Record)
				if err != nil {
					return fmt.Errorf("upsert %s: %w", records[i].Record.OpportunityID, err)
				}
				results[i] = res
				written[i] = true
				return nil
			})
		}
		err := g.Wait()

		for i := start; i < end; i++ {
			if written[i] {
				s.tally(records[i], results[i], sr)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) tally(rec normalize.Result, res db.UpsertResult, sr *SourceReport) {
	switch {
	case !res.Updated:
		sr.Unchanged++
		metrics.ObserveUpsert("unchanged")
	case res.Version == 1:
		sr.Inserted++
		metrics.ObserveUpsert("inserted")
	default:
		sr.Changed++
		metrics.ObserveUpsert("updated")
	}
	if res.Updated && rec.EligibleForDeepDive {
		opp := rec.Record
		opp.ID = res.ID
		opp.Version = res.Version
		sr.candidates = append(sr.candidates, opp)
	}
}

func (s *Syncer) sendBrief(ctx context.Context, log *zap.Logger, corrID string) bool {
	now := s.now()
	top, err := s.store.TopByFeasibility(ctx, s.briefSize, now.Add(-24*time.Hour))
	if err != nil {
		log.Error("failed to build brief", zap.Error(err))
		return false
	}
	if err := s.notifier.SendBrief(ctx, NewBrief(corrID, now, top)); err != nil {
		log.Error("failed to send brief", zap.Error(err))
		return false
	}
	return true
}
