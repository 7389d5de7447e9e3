package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/models"
)

func TestWebhookNotifierPostsBrief(t *testing.T) {
	var got Brief
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fetcher := ingest.NewPoliteFetcher(ingest.FetcherOptions{AllowPrivate: true, MaxRetries: 0})
	n := NewWebhookNotifier(srv.URL, fetcher)

	brief := NewBrief("corr-7", time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), []models.ListedOpportunity{{
		Opportunity:    models.Opportunity{Source: "grants_gov", OpportunityID: "X", Title: "Health AI Grant"},
		LatestAnalysis: &models.Analysis{Feasibility: 82, Summary: []string{"good fit"}},
	}, {
		Opportunity: models.Opportunity{Source: "sam", OpportunityID: "Y", Title: "Unscored"},
	}})
	require.NoError(t, n.SendBrief(context.Background(), brief))

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "corr-7", got.CorrelationID)
	require.Len(t, got.Opportunities, 2)
	assert.Equal(t, 82, got.Opportunities[0].Feasibility)
	assert.Equal(t, []string{"good fit"}, got.Opportunities[0].Summary)
	assert.Zero(t, got.Opportunities[1].Feasibility)
}

func TestWebhookNotifierReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, ingest.NewPoliteFetcher(ingest.FetcherOptions{AllowPrivate: true}))
	assert.Error(t, n.SendBrief(context.Background(), Brief{}))
}
