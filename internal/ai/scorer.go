package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/textutil"
)

// AnalysisInput is what the scorer sees of one opportunity: its headline
// fields, the merged document text and the merged sections.
type AnalysisInput struct {
	Source        string
	OpportunityID string
	Title         string
	Agency        string
	Summary       string
	Text          string
	Sections      models.Sections
}

// Scorer turns document text into a feasibility analysis.
type Scorer interface {
	Score(ctx context.Context, in AnalysisInput) (models.Analysis, error)
}

const systemPrompt = `You assess public funding opportunities for a small for-profit technology company.
Score three dimensions from 0 to 100:
- feasibility: can a small company realistically apply and deliver?
- suitability: does the scope match software, data and AI capabilities?
- profitability: is the likely award worth the effort?
Respond ONLY with a JSON object of this shape:
{"feasibility": 0, "suitability": 0, "profitability": 0,
 "summary": ["up to five short bullets"], "constraints": ["up to five short bullets"]}`

func buildPrompt(in AnalysisInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nAgency: %s\nSource: %s (%s)\n", in.Title, in.Agency, in.Source, in.OpportunityID)
	if in.Summary != "" {
		fmt.Fprintf(&b, "Listing summary: %s\n", in.Summary)
	}
	section := func(name string, v *string) {
		if v != nil && strings.TrimSpace(*v) != "" {
			fmt.Fprintf(&b, "\n## %s\n%s\n", name, textutil.Truncate(*v, 4000))
		}
	}
	section("Program description", in.Sections.ProgramDescription)
	section("Requirements", in.Sections.Requirements)
	section("Evaluation criteria", in.Sections.EvaluationCriteria)
	if in.Text != "" {
		fmt.Fprintf(&b, "\n## Document text\n%s\n", in.Text)
	}
	return b.String()
}

// AnthropicOptions configures an AnthropicScorer. BaseURL is only set in
// tests.
type AnthropicOptions struct {
	APIKey            string
	Model             string
	MaxTokens         int
	RequestsPerMinute float64
	BaseURL           string
	Timeout           time.Duration
}

// AnthropicScorer calls the Messages API once per analysis.
type AnthropicScorer struct {
	client    anthropic.Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
	log       *zap.Logger
}

func NewAnthropicScorer(opts AnthropicOptions, logger *zap.Logger) *AnthropicScorer {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.Timeout),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL), option.WithMaxRetries(0))
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(opts.RequestsPerMinute / 60)
	}

	return &AnthropicScorer{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		limiter:   rate.NewLimiter(limit, 1),
		log:       logger.Named("anthropic"),
	}
}

// Score implements Scorer. Transport and API errors are returned; an
// unparseable answer is not an error and yields a zero-scored analysis.
func (s *AnthropicScorer) Score(ctx context.Context, in AnalysisInput) (models.Analysis, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return models.Analysis{}, fmt.Errorf("rate limit error: %w", err)
	}

	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(in))),
		},
	})
	if err != nil {
		return models.Analysis{}, fmt.Errorf("claude API error: %w", err)
	}

	var response strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			response.WriteString(block.Text)
		}
	}

	a, ok := ParseAnalysis(response.String())
	if !ok {
		s.log.Warn("model response was not JSON, using defaults",
			zap.String("opportunity_id", in.OpportunityID),
			zap.String("response", textutil.Truncate(response.String(), 300)))
	}
	a.Model = s.model
	s.log.Debug("scored opportunity",
		zap.String("opportunity_id", in.OpportunityID),
		zap.Int("feasibility", a.Feasibility),
		zap.Int64("input_tokens", message.Usage.InputTokens),
		zap.Int64("output_tokens", message.Usage.OutputTokens))
	return a, nil
}

// OllamaScorer scores with a local Ollama model; used when no Anthropic key
// is configured.
type OllamaScorer struct {
	client *OllamaClient
	log    *zap.Logger
}

func NewOllamaScorer(client *OllamaClient, logger *zap.Logger) *OllamaScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaScorer{client: client, log: logger.Named("ollama_scorer")}
}

// Score implements Scorer. JSON mode is tried first, then plain text.
func (s *OllamaScorer) Score(ctx context.Context, in AnalysisInput) (models.Analysis, error) {
	prompt := systemPrompt + "\n\n" + buildPrompt(in)

	resp, err := s.client.GenerateCompletion(ctx, prompt, true)
	if err == nil {
		if a, ok := ParseAnalysis(resp); ok {
			a.Model = s.client.GenModel
			return a, nil
		}
		s.log.Info("json mode response unparseable, retrying in text mode", zap.String("opportunity_id", in.OpportunityID))
	}

	resp, err = s.client.GenerateCompletion(ctx, prompt, false)
	if err != nil {
		return models.Analysis{}, err
	}
	a, _ := ParseAnalysis(resp)
	a.Model = s.client.GenModel
	return a, nil
}
