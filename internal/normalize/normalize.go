// Package normalize turns a connector's raw record into a scored, hashed
// canonical opportunity. Every connector funnels through Normalize.
package normalize

import (
	"strings"

	"github.com/david/fundingfinder/internal/eligibility"
	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/textutil"
)

// Input is the shape every connector produces. RawPayload is the exact upstream
// payload text and is what the version hash is computed over.
type Input struct {
	Source        string   `json:"source"`
	OpportunityID string   `json:"opportunity_id"`
	Title         string   `json:"title"`
	Agency        string   `json:"agency"`
	Bureau        string   `json:"bureau"`
	Status        string   `json:"status"`
	Summary       string   `json:"summary"`
	Eligibility   string   `json:"eligibility"`
	URL           string   `json:"url"`
	PostedDate    string   `json:"posted_date"`
	DueDate       string   `json:"due_date"`
	DocumentURLs  []string `json:"document_urls,omitempty"`
	RawPayload    string   `json:"-"`
}

// Result is a record that survived normalization.
type Result struct {
	Record              models.Opportunity
	Verdict             eligibility.Verdict
	EligibleForDeepDive bool
}

// Normalize returns nil when the record has no id or title, or when its agency
// is hard-excluded. Otherwise the record is scored and hashed.
func Normalize(in Input, fs eligibility.FilterSet) *Result {
	id := strings.TrimSpace(in.OpportunityID)
	title := textutil.NormalizeSpace(in.Title)
	if id == "" || title == "" {
		return nil
	}

	agency := textutil.NormalizeSpace(in.Agency)
	if eligibility.AgencyExcluded(agency, fs) || eligibility.AgencyExcluded(in.Bureau, fs) {
		return nil
	}

	summary := textutil.NormalizeSpace(in.Summary)
	elig := textutil.NormalizeSpace(in.Eligibility)
	verdict := eligibility.Evaluate(strings.Join([]string{title, summary, elig}, "\n"), agency, fs)
	deepDive := verdict.ForProfitEligible && !verdict.Excluded && verdict.KeywordScore > 0

	rec := models.Opportunity{
		Source:                in.Source,
		OpportunityID:         id,
		Title:                 title,
		Agency:                agency,
		Bureau:                textutil.NormalizeSpace(in.Bureau),
		Status:                strings.TrimSpace(in.Status),
		Summary:               summary,
		EligibilityText:       elig,
		ForProfitEligible:     verdict.ForProfitEligible,
		SmallBusinessEligible: verdict.SmallBusinessEligible,
		KeywordScore:          verdict.KeywordScore,
		EligibleForDeepDive:   deepDive,
		PostedDate:            strings.TrimSpace(in.PostedDate),
		DueDate:               strings.TrimSpace(in.DueDate),
		URL:                   strings.TrimSpace(in.URL),
		DocumentURLs:          in.DocumentURLs,
		VersionHash:           textutil.SHA256Hex(in.RawPayload),
		RawPayload:            in.RawPayload,
	}

	return &Result{Record: rec, Verdict: verdict, EligibleForDeepDive: deepDive}
}
