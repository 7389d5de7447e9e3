package normalize

import (
	"testing"

	"github.com/david/fundingfinder/internal/eligibility"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/textutil"
)

func filters() eligibility.FilterSet {
	return eligibility.NewFilterSet([]models.ExclusionRule{
		{RuleType: models.RuleExcludedBureau, Value: "Bureau of Prisons", Active: true},
	})
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"missing id", Input{Title: "AI grant", RawPayload: "{}"}},
		{"missing title", Input{OpportunityID: "1", Title: "   ", RawPayload: "{}"}},
		{"excluded agency", Input{OpportunityID: "1", Title: "AI grant", Agency: "DOJ Bureau of Prisons"}},
		{"excluded bureau field", Input{OpportunityID: "1", Title: "AI grant", Agency: "DOJ", Bureau: "bureau of prisons"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in, filters()); got != nil {
				t.Fatalf("expected nil, got %+v", got.Record)
			}
		})
	}
}

func TestNormalizeScenario(t *testing.T) {
	raw := `{"id":"X","title":"Health AI Grant"}`
	res := Normalize(Input{
		Source:        "grants_gov",
		OpportunityID: "X",
		Title:         "Health AI Grant",
		Eligibility:   "Open to for-profit small businesses",
		PostedDate:    "01/02/2026",
		RawPayload:    raw,
	}, filters())
	if res == nil {
		t.Fatal("expected a result")
	}
	if !res.Verdict.ForProfitEligible || !res.Verdict.SmallBusinessEligible || res.Verdict.Excluded {
		t.Fatalf("unexpected verdict %+v", res.Verdict)
	}
	if !res.EligibleForDeepDive {
		t.Fatalf("expected deep dive eligibility")
	}
	if res.Record.VersionHash != textutil.SHA256Hex(raw) {
		t.Fatalf("hash not computed over raw payload")
	}
	if res.Record.PostedDate != "01/02/2026" {
		t.Fatalf("posted date reformatted: %q", res.Record.PostedDate)
	}
}

func TestNormalizeDeepDiveGating(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"no for-profit term", Input{OpportunityID: "1", Title: "Health AI research"}, false},
		{"no keywords", Input{OpportunityID: "1", Title: "Bridge repair", Eligibility: "for-profit firms"}, false},
		{"excluded entity only", Input{OpportunityID: "1", Title: "AI for state government", Eligibility: "state governments"}, false},
		{"eligible", Input{OpportunityID: "1", Title: "AI tools", Eligibility: "small business"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Normalize(tt.in, filters())
			if res == nil {
				t.Fatal("unexpected nil")
			}
			if res.EligibleForDeepDive != tt.want {
				t.Fatalf("EligibleForDeepDive = %v, want %v (%+v)", res.EligibleForDeepDive, tt.want, res.Verdict)
			}
		})
	}
}
