package models

import (
	"time"

	"github.com/google/uuid"
)

// Opportunity is the canonical record, keyed by (Source, OpportunityID).
// PostedDate and DueDate are kept exactly as the source wrote them.
type Opportunity struct {
	ID                    uuid.UUID `json:"id"`
	Source                string    `json:"source"`
	OpportunityID         string    `json:"opportunity_id"`
	Title                 string    `json:"title"`
	Agency                string    `json:"agency"`
	Bureau                string    `json:"bureau"`
	Status                string    `json:"status"`
	Summary               string    `json:"summary"`
	EligibilityText       string    `json:"eligibility_text"`
	ForProfitEligible     bool      `json:"for_profit_eligible"`
	SmallBusinessEligible bool      `json:"small_business_eligible"`
	KeywordScore          int       `json:"keyword_score"`
	EligibleForDeepDive   bool      `json:"eligible_for_deep_dive"`
	PostedDate            string    `json:"posted_date"`
	DueDate               string    `json:"due_date"`
	URL                   string    `json:"url"`
	DocumentURLs          []string  `json:"document_urls"`
	Version               int       `json:"version"`
	VersionHash           string    `json:"version_hash"`
	RawPayload            string    `json:"raw_payload,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// OpportunityVersion is an immutable snapshot written whenever the payload hash changes.
type OpportunityVersion struct {
	OpportunityRowID uuid.UUID `json:"opportunity_row_id"`
	Version          int       `json:"version"`
	VersionHash      string    `json:"version_hash"`
	RawPayload       string    `json:"raw_payload"`
	CreatedAt        time.Time `json:"created_at"`
}

// Sections are the named slices of a document's text. A nil section means
// its heading was not found.
type Sections struct {
	ProgramDescription *string `json:"program_description"`
	Requirements       *string `json:"requirements"`
	EvaluationCriteria *string `json:"evaluation_criteria"`
}

// Document is one fetched attachment of an opportunity.
type Document struct {
	ID               uuid.UUID `json:"id"`
	OpportunityRowID uuid.UUID `json:"opportunity_row_id"`
	URL              string    `json:"url"`
	BlobKey          string    `json:"blob_key"`
	BlobURI          string    `json:"blob_uri"`
	ContentType      string    `json:"content_type"`
	TextExcerpt      string    `json:"text_excerpt"`
	Sections         Sections  `json:"sections"`
	CreatedAt        time.Time `json:"created_at"`
}

// Analysis is one AI scoring run. Rows are append-only; the newest is current.
type Analysis struct {
	ID               uuid.UUID `json:"id"`
	OpportunityRowID uuid.UUID `json:"opportunity_row_id"`
	Feasibility      int       `json:"feasibility"`
	Suitability      int       `json:"suitability"`
	Profitability    int       `json:"profitability"`
	Summary          []string  `json:"summary"`
	Constraints      []string  `json:"constraints"`
	Model            string    `json:"model"`
	CreatedAt        time.Time `json:"created_at"`
}

// OpportunityDetail is an opportunity with its latest analysis and documents.
type OpportunityDetail struct {
	Opportunity
	LatestAnalysis *Analysis  `json:"latest_analysis"`
	Documents      []Document `json:"documents"`
}

// ListedOpportunity is an opportunity row joined with its latest analysis.
type ListedOpportunity struct {
	Opportunity
	LatestAnalysis *Analysis `json:"latest_analysis"`
	Rank           float64   `json:"rank,omitempty"`
}

// ShortlistEntry marks an opportunity an admin wants analysed or tracked.
type ShortlistEntry struct {
	OpportunityRowID uuid.UUID `json:"opportunity_id"`
	Title            string    `json:"title"`
	Source           string    `json:"source"`
	Note             string    `json:"note"`
	CreatedAt        time.Time `json:"created_at"`
}
