// Command manual_ingest loads a bulk export from disk through a source
// profile. By default it prints the normalized records; with -apply it runs
// a real sync of that source against the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/fundingfinder/internal/config"
	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/eligibility"
	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/logging"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/normalize"
	"github.com/david/fundingfinder/internal/orchestrator"
	"github.com/david/fundingfinder/internal/textutil"
)

// fileConnector serves a local file to whichever profile asks for it.
type fileConnector struct {
	path   string
	parser *ingest.BulkParser
}

func (f fileConnector) Fetch(_ context.Context, src ingest.SourceConfig) ([]normalize.Input, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	hint := src.FormatHint
	if hint == "" {
		hint = filepath.Base(f.path)
	}
	return f.parser.Parse(data, hint, src.ID, src.Mapping, src.MaxNotices)
}

func main() {
	configFile := flag.String("config", "", "config file (YAML)")
	registryFile := flag.String("registry", "", "source registry YAML (default: embedded)")
	sourceID := flag.String("source", "", "source profile to parse with (e.g. eu_bulk)")
	file := flag.String("file", "", "local XML, JSON, CSV, ZIP or GZIP export")
	apply := flag.Bool("apply", false, "upsert into the database instead of printing")
	flag.Parse()

	if *sourceID == "" || *file == "" {
		log.Fatal("Please provide -source and -file")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	registry, err := ingest.LoadRegistry(*registryFile)
	if err != nil {
		log.Fatal(err)
	}
	profile, ok := registry.Lookup(*sourceID)
	if !ok {
		log.Fatalf("unknown source profile %q", *sourceID)
	}

	conn := fileConnector{path: *file, parser: ingest.NewBulkParser(cfg.Sync.MaxDownloadBytes, logger)}
	ctx := context.Background()

	if !*apply {
		inputs, err := conn.Fetch(ctx, profile)
		if err != nil {
			log.Fatalf("parse failed: %v", err)
		}
		printRecords(inputs, eligibility.NewFilterSet(nil).WithKeywords(profile.Keywords))
		return
	}

	pool, err := db.Connect(ctx, cfg.Database.URL, 4)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	store := db.NewStore(pool)
	if err := store.SeedSources(ctx, registry.FundingSources()); err != nil {
		log.Fatal(err)
	}

	connectors := ingest.NewConnectorFactory()
	for _, t := range []models.IntegrationType{models.IntegrationCoreAPI, models.IntegrationXMLBulk,
		models.IntegrationJSONBulk, models.IntegrationCSVBulk, models.IntegrationHTMLScrape} {
		connectors.Register(t, conn)
	}
	// Jobs land in pdf_jobs only; the worker's queue is not involved.
	dispatcher := orchestrator.NewJobDispatcher(store, nil, logger)
	syncer := orchestrator.NewSyncer(store, registry, connectors, dispatcher, nil, orchestrator.SyncerOptions{
		BatchSize: cfg.Sync.BatchSize,
		Logger:    logger,
	})

	report, err := syncer.RunCycle(ctx, orchestrator.CycleOptions{SourceID: *sourceID})
	if err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}
	for _, s := range report.Sources {
		log.Printf("Ingestion finished for %s (%s). Fetched: %d, Dropped: %d, Inserted: %d, Changed: %d, Unchanged: %d %s",
			s.Source, s.Status, s.Fetched, s.Dropped, s.Inserted, s.Changed, s.Unchanged, s.Error)
	}
	log.Printf("Jobs created: %d", report.JobsCreated)
}

func printRecords(inputs []normalize.Input, fs eligibility.FilterSet) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Title", "Agency", "Due", "Score", "Deep dive"})
	kept := 0
	for _, in := range inputs {
		res := normalize.Normalize(in, fs)
		if res == nil {
			continue
		}
		kept++
		rec := res.Record
		t.AppendRow(table.Row{rec.OpportunityID, textutil.Truncate(rec.Title, 60), textutil.Truncate(rec.Agency, 30), rec.DueDate,
			rec.KeywordScore, res.EligibleForDeepDive})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d parsed, %d kept", len(inputs), kept)})
	t.Render()
}
