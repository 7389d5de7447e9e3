package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/models"
)

// Brief is the daily digest of the best scored opportunities.
type Brief struct {
	CorrelationID string      `json:"correlation_id"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Opportunities []BriefItem `json:"opportunities"`
}

type BriefItem struct {
	Source        string   `json:"source"`
	OpportunityID string   `json:"opportunity_id"`
	Title         string   `json:"title"`
	Agency        string   `json:"agency"`
	DueDate       string   `json:"due_date"`
	URL           string   `json:"url"`
	Feasibility   int      `json:"feasibility"`
	Summary       []string `json:"summary"`
}

func NewBrief(correlationID string, at time.Time, top []models.ListedOpportunity) Brief {
	b := Brief{CorrelationID: correlationID, GeneratedAt: at.UTC(), Opportunities: make([]BriefItem, 0, len(top))}
	for _, o := range top {
		item := BriefItem{
			Source:        o.Source,
			OpportunityID: o.OpportunityID,
			Title:         o.Title,
			Agency:        o.Agency,
			DueDate:       o.DueDate,
			URL:           o.URL,
		}
		if o.LatestAnalysis != nil {
			item.Feasibility = o.LatestAnalysis.Feasibility
			item.Summary = o.LatestAnalysis.Summary
		}
		b.Opportunities = append(b.Opportunities, item)
	}
	return b
}

// Notifier delivers the brief somewhere a human will read it.
type Notifier interface {
	SendBrief(ctx context.Context, b Brief) error
}

// LogNotifier writes the brief to the log. Used when no webhook is set.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{log: logger.Named("brief")}
}

func (n *LogNotifier) SendBrief(_ context.Context, b Brief) error {
	titles := make([]string, 0, len(b.Opportunities))
	for _, o := range b.Opportunities {
		titles = append(titles, fmt.Sprintf("[%d] %s", o.Feasibility, o.Title))
	}
	n.log.Info("daily brief",
		zap.String("correlation_id", b.CorrelationID),
		zap.Strings("opportunities", titles))
	return nil
}

// WebhookNotifier posts the brief as JSON through the polite fetcher, which
// retries 5xx responses.
type WebhookNotifier struct {
	url     string
	fetcher ingest.Fetcher
}

func NewWebhookNotifier(url string, fetcher ingest.Fetcher) *WebhookNotifier {
	return &WebhookNotifier{url: url, fetcher: fetcher}
}

func (n *WebhookNotifier) SendBrief(ctx context.Context, b Brief) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode brief: %w", err)
	}
	_, err = n.fetcher.Do(ctx, ingest.Request{
		Method: http.MethodPost,
		URL:    n.url,
		Body:   body,
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return fmt.Errorf("post brief: %w", err)
	}
	return nil
}
