package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/david/fundingfinder/internal/ai"
	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/documents"
	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/orchestrator"
	"github.com/david/fundingfinder/internal/queue"
	"github.com/david/fundingfinder/internal/storage/gcs"
	"github.com/david/fundingfinder/internal/storage/local"
)

// app owns the process-wide resources shared by every subcommand.
type app struct {
	opts     *rootOptions
	pool     *pgxpool.Pool
	store    *db.Store
	registry *ingest.Registry
	fetcher  *ingest.PoliteFetcher

	pubsub    *pubsub.Client
	publisher *queue.PubSubPublisher

	closers []func()
}

// newApp connects to Postgres, applies migrations and seeds funding_sources
// from the registry.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg := opts.cfg
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	registry, err := ingest.LoadRegistry(opts.registryFile)
	if err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	a := &app{opts: opts, pool: pool, store: db.NewStore(pool), registry: registry}
	a.closers = append(a.closers, pool.Close)

	if err := db.ApplyMigrations(ctx, pool, opts.log); err != nil {
		a.close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	if err := a.store.SeedSources(ctx, registry.FundingSources()); err != nil {
		a.close()
		return nil, err
	}

	a.fetcher = ingest.NewPoliteFetcher(ingest.FetcherOptions{
		UserAgent:    cfg.Sync.UserAgent,
		PoliteDelay:  cfg.Sync.PoliteDelay,
		Timeout:      cfg.Sync.RequestTimeout,
		MaxRetries:   3,
		MaxBytes:     cfg.Sync.MaxDownloadBytes,
		AllowPrivate: cfg.Sync.AllowPrivateIPs,
		Logger:       opts.log,
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) log() *zap.Logger { return a.opts.log }

// pubsubClient is created lazily; it is nil when no project is configured.
func (a *app) pubsubClient(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsub != nil {
		return a.pubsub, nil
	}
	project := a.opts.cfg.Queue.ProjectID
	if project == "" {
		return nil, nil
	}
	var opts []option.ClientOption
	if emu := a.opts.cfg.Queue.Emulator; emu != "" {
		opts = append(opts,
			option.WithEndpoint(emu),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.pubsub = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}

// jobPublisher returns nil when no queue is configured, in which case jobs
// are only written to pdf_jobs.
func (a *app) jobPublisher(ctx context.Context) (queue.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	client, err := a.pubsubClient(ctx)
	if err != nil || client == nil {
		return nil, err
	}
	a.publisher = queue.NewPubSubPublisher(client, a.opts.cfg.Queue.TopicID)
	a.closers = append(a.closers, a.publisher.Stop)
	return a.publisher, nil
}

func (a *app) dispatcher(ctx context.Context) (*orchestrator.JobDispatcher, error) {
	pub, err := a.jobPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		a.log().Warn("queue.project_id is not set; document jobs will not be published")
		return orchestrator.NewJobDispatcher(a.store, nil, a.log()), nil
	}
	return orchestrator.NewJobDispatcher(a.store, pub, a.log()), nil
}

func (a *app) connectors() *ingest.ConnectorFactory {
	cfg := a.opts.cfg
	return ingest.NewDefaultFactory(
		ingest.NewAPIConnector(a.fetcher, cfg.Sync.APIWindowDays, a.log()),
		ingest.NewBulkConnector(a.fetcher, ingest.NewBulkParser(cfg.Sync.MaxDownloadBytes, a.log())),
		ingest.NewSelectorScraper(ingest.ScraperOptions{
			UserAgent:    cfg.Sync.UserAgent,
			PoliteDelay:  cfg.Sync.PoliteDelay,
			Timeout:      cfg.Sync.RequestTimeout,
			AllowPrivate: cfg.Sync.AllowPrivateIPs,
		}, a.log()),
	)
}

func (a *app) notifier() orchestrator.Notifier {
	if url := a.opts.cfg.Sync.BriefWebhookURL; url != "" {
		return orchestrator.NewWebhookNotifier(url, a.fetcher)
	}
	return orchestrator.NewLogNotifier(a.log())
}

func (a *app) syncer(ctx context.Context) (*orchestrator.Syncer, error) {
	d, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.opts.cfg
	return orchestrator.NewSyncer(a.store, a.registry, a.connectors(), d, a.notifier(), orchestrator.SyncerOptions{
		BatchSize: cfg.Sync.BatchSize,
		BriefSize: cfg.Sync.BriefSize,
		Logger:    a.log(),
	}), nil
}

func (a *app) blobStore(ctx context.Context) (documents.BlobStore, error) {
	cfg := a.opts.cfg.Blob
	if cfg.Bucket == "" {
		a.log().Info("blob.bucket is not set; writing documents to disk", zap.String("dir", cfg.LocalDir))
		store, err := local.New(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := gcs.New(ctx, cfg.Bucket, cfg.Endpoint, a.log())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	return store, nil
}

// scorer prefers Claude when a key is configured and falls back to the
// local Ollama model.
func (a *app) scorer(ollama *ai.OllamaClient) ai.Scorer {
	cfg := a.opts.cfg.AI
	if cfg.AnthropicKey != "" {
		return ai.NewAnthropicScorer(ai.AnthropicOptions{
			APIKey:            cfg.AnthropicKey,
			Model:             cfg.Model,
			MaxTokens:         cfg.MaxTokens,
			RequestsPerMinute: cfg.RequestsPerMinute,
		}, a.log())
	}
	a.log().Info("ai.anthropic_key is not set; scoring with ollama", zap.String("model", cfg.GenModel))
	return ai.NewOllamaScorer(ollama, a.log())
}

func (a *app) pipeline(ctx context.Context) (*documents.Pipeline, error) {
	blobs, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.opts.cfg.AI
	ollama := ai.NewOllamaClient(cfg.OllamaURL, cfg.EmbedModel, cfg.GenModel)
	return documents.NewPipeline(documents.PipelineDeps{
		Store:        a.store,
		Blobs:        blobs,
		Fetcher:      a.fetcher,
		Scorer:       a.scorer(ollama),
		Embedder:     ollama,
		Index:        db.NewVectorIndex(a.pool),
		ContextChars: cfg.ContextChars,
		Logger:       a.log(),
	}), nil
}
