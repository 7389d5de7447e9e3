package documents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/ai"
	"github.com/david/fundingfinder/internal/db"
	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/metrics"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/textutil"
)

var (
	// ErrNoDocuments means every resolved link failed to download or extract.
	ErrNoDocuments = errors.New("no usable documents")
	// ErrUnknownOpportunity means the job refers to a record that is not stored.
	ErrUnknownOpportunity = errors.New("opportunity not found")
)

// Permanent reports whether retrying the job cannot change the outcome.
func Permanent(err error) bool {
	return errors.Is(err, ErrNoLinks) || errors.Is(err, ErrNoDocuments) || errors.Is(err, ErrUnknownOpportunity)
}

// Store is the subset of the versioned store the pipeline writes to.
type Store interface {
	FindOpportunity(ctx context.Context, source, opportunityID string) (*models.Opportunity, error)
	SaveDocument(ctx context.Context, d models.Document) (uuid.UUID, error)
	InsertAnalysis(ctx context.Context, a models.Analysis) (models.Analysis, error)
}

// BlobStore persists raw document bytes and returns their URI.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type VectorIndex interface {
	Upsert(ctx context.Context, key string, embedding []float32, metadata map[string]any) error
}

const (
	defaultContextChars = 12000
	excerptChars        = 4000
	pdfContentType      = "application/pdf"
)

// Pipeline turns a PdfJob into stored documents, an analysis and an
// embedding.
type Pipeline struct {
	store        Store
	blobs        BlobStore
	fetcher      ingest.Fetcher
	scorer       ai.Scorer
	embedder     ai.Embedder
	index        VectorIndex
	contextChars int
	log          *zap.Logger
}

// PipelineDeps groups the collaborators of a Pipeline. Embedder and Index
// may be nil, in which case no embedding is written.
type PipelineDeps struct {
	Store        Store
	Blobs        BlobStore
	Fetcher      ingest.Fetcher
	Scorer       ai.Scorer
	Embedder     ai.Embedder
	Index        VectorIndex
	ContextChars int
	Logger       *zap.Logger
}

func NewPipeline(d PipelineDeps) *Pipeline {
	if d.ContextChars <= 0 {
		d.ContextChars = defaultContextChars
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Pipeline{
		store:        d.Store,
		blobs:        d.Blobs,
		fetcher:      d.Fetcher,
		scorer:       d.Scorer,
		embedder:     d.Embedder,
		index:        d.Index,
		contextChars: d.ContextChars,
		log:          d.Logger.Named("documents"),
	}
}

// Outcome summarises a processed job.
type Outcome struct {
	Documents []models.Document
	Analysis  models.Analysis
}

type fetchedDoc struct {
	doc  models.Document
	text string
}

// Process runs one job end to end. Individual documents that fail are
// logged and skipped; the job fails only when none succeed or when scoring
// or persisting the analysis fails.
func (p *Pipeline) Process(ctx context.Context, job models.PdfJob) (Outcome, error) {
	log := p.log.With(
		zap.String("job_id", job.JobID.String()),
		zap.String("correlation_id", job.CorrelationID),
		zap.String("source", job.Source),
		zap.String("opportunity_id", job.OpportunityID))

	opp, err := p.store.FindOpportunity(ctx, job.Source, job.OpportunityID)
	if errors.Is(err, db.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%s/%s: %w", job.Source, job.OpportunityID, ErrUnknownOpportunity)
	}
	if err != nil {
		return Outcome{}, err
	}

	detailURL, known := job.DetailURL, job.DocumentURLs
	if detailURL == "" {
		detailURL = opp.URL
	}
	if len(known) == 0 {
		known = opp.DocumentURLs
	}

	links, err := ResolveLinks(ctx, p.fetcher, detailURL, known)
	if err != nil {
		return Outcome{}, err
	}
	log.Info("resolved document links", zap.Strings("links", links))

	var docs []fetchedDoc
	usedKeys := make(map[string]bool)
	for _, link := range links {
		key := uniqueKey(blobKey(job.Source, job.OpportunityID, link), usedKeys)
		d, err := p.processDocument(ctx, opp.ID, link, key)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			log.Warn("skipping document", zap.String("url", link), zap.Error(err))
			continue
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return Outcome{}, fmt.Errorf("%d links tried: %w", len(links), ErrNoDocuments)
	}

	texts := make([]string, 0, len(docs))
	sections := make([]models.Sections, 0, len(docs))
	out := Outcome{Documents: make([]models.Document, 0, len(docs))}
	for _, d := range docs {
		texts = append(texts, d.text)
		sections = append(sections, d.doc.Sections)
		out.Documents = append(out.Documents, d.doc)
	}
	merged := textutil.Truncate(strings.Join(texts, "\n\n"), p.contextChars)

	analysis, err := p.scorer.Score(ctx, ai.AnalysisInput{
		Source:        opp.Source,
		OpportunityID: opp.OpportunityID,
		Title:         opp.Title,
		Agency:        opp.Agency,
		Summary:       opp.Summary,
		Text:          merged,
		Sections:      MergeSections(sections),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("score: %w", err)
	}
	analysis.OpportunityRowID = opp.ID
	analysis, err = p.store.InsertAnalysis(ctx, analysis)
	if err != nil {
		return Outcome{}, err
	}
	out.Analysis = analysis

	p.pushEmbedding(ctx, log, opp, analysis, merged)

	log.Info("job processed",
		zap.Int("documents", len(out.Documents)),
		zap.Int("feasibility", analysis.Feasibility))
	return out, nil
}

func (p *Pipeline) processDocument(ctx context.Context, oppID uuid.UUID, link, key string) (fetchedDoc, error) {
	start := time.Now()
	resp, err := ingest.Get(ctx, p.fetcher, link)
	metrics.ObserveFetch("document", time.Since(start))
	if err != nil {
		return fetchedDoc{}, err
	}

	text, err := ExtractText(resp.Body)
	if err != nil {
		return fetchedDoc{}, fmt.Errorf("extract text: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fetchedDoc{}, errors.New("extract text: document has no text layer")
	}

	uri, err := p.blobs.Put(ctx, key, resp.Body, pdfContentType)
	if err != nil {
		return fetchedDoc{}, fmt.Errorf("store blob: %w", err)
	}

	doc := models.Document{
		OpportunityRowID: oppID,
		URL:              link,
		BlobKey:          key,
		BlobURI:          uri,
		ContentType:      pdfContentType,
		TextExcerpt:      textutil.Truncate(text, excerptChars),
		Sections:         SliceSections(text),
	}
	id, err := p.store.SaveDocument(ctx, doc)
	if err != nil {
		return fetchedDoc{}, err
	}
	doc.ID = id
	return fetchedDoc{doc: doc, text: text}, nil
}

// pushEmbedding pushes the merged excerpt to the vector index. The analysis is
// already stored, so failures here are logged rather than failing the job.
func (p *Pipeline) pushEmbedding(ctx context.Context, log *zap.Logger, opp *models.Opportunity, a models.Analysis, merged string) {
	if p.embedder == nil || p.index == nil {
		return
	}
	vec, err := p.embedder.GenerateEmbedding(ctx, merged)
	if err != nil {
		log.Warn("embedding failed", zap.Error(err))
		return
	}
	key := VectorKey(opp.Source, opp.OpportunityID)
	err = p.index.Upsert(ctx, key, vec, map[string]any{
		"title":       opp.Title,
		"source":      opp.Source,
		"feasibility": a.Feasibility,
	})
	if err != nil {
		log.Warn("vector upsert failed", zap.String("key", key), zap.Error(err))
	}
}

// VectorKey is the vector index key of an opportunity.
func VectorKey(source, opportunityID string) string {
	return source + ":" + opportunityID
}

// blobKey builds "{source}/{opportunityId}/{slug}.pdf" from the link's file name.
func blobKey(source, opportunityID, link string) string {
	name := link
	if u, err := url.Parse(link); err == nil {
		name = path.Base(u.Path)
	}
	return fmt.Sprintf("%s/%s/%s.pdf", source, opportunityID, textutil.Slugify(name))
}

func uniqueKey(key string, used map[string]bool) string {
	candidate := key
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d.pdf", strings.TrimSuffix(key, ".pdf"), n)
	}
	used[candidate] = true
	return candidate
}
