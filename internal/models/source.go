package models

import (
	"time"

	"github.com/google/uuid"
)

// IntegrationType selects the connector used for a funding source.
type IntegrationType string

const (
	IntegrationCoreAPI    IntegrationType = "core_api"
	IntegrationXMLBulk    IntegrationType = "xml_bulk"
	IntegrationJSONBulk   IntegrationType = "json_bulk"
	IntegrationCSVBulk    IntegrationType = "csv_bulk"
	IntegrationHTMLScrape IntegrationType = "html_scrape"
)

// Valid reports whether t is a known integration type.
func (t IntegrationType) Valid() bool {
	switch t {
	case IntegrationCoreAPI, IntegrationXMLBulk, IntegrationJSONBulk, IntegrationCSVBulk, IntegrationHTMLScrape:
		return true
	}
	return false
}

// IsBulk reports whether t is served by the bulk parser.
func (t IntegrationType) IsBulk() bool {
	return t == IntegrationXMLBulk || t == IntegrationJSONBulk || t == IntegrationCSVBulk
}

// FundingSource is an upstream registry plus its mutable sync state.
type FundingSource struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	IntegrationType IntegrationType `json:"integration_type"`
	AutoURL         string          `json:"auto_url"`
	MaxNotices      int             `json:"max_notices"`
	KeywordsInclude []string        `json:"keywords_include"`
	KeywordsExclude []string        `json:"keywords_exclude"`
	Language        string          `json:"language"`
	Active          bool            `json:"active"`
	LastSyncAt      *time.Time      `json:"last_sync_at"`
	LastStatus      string          `json:"last_status"`
	LastError       string          `json:"last_error"`
	LastSuccessAt   *time.Time      `json:"last_success_at"`
	LastIngested    int             `json:"last_ingested"`
}

// Exclusion rule types.
const (
	RuleExcludedBureau = "excluded_bureau"
	RulePriorityAgency = "priority_agency"
)

// ExclusionRule feeds the eligibility filter set.
type ExclusionRule struct {
	ID        uuid.UUID `json:"id"`
	RuleType  string    `json:"rule_type"`
	Value     string    `json:"value"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Sync run statuses.
const (
	SyncRunning = "running"
	SyncSuccess = "success"
	SyncFailed  = "failed"
)

// SourceSyncRun is one source's outcome inside one sync cycle.
type SourceSyncRun struct {
	ID            uuid.UUID  `json:"id"`
	Source        string     `json:"source"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	Ingested      int        `json:"ingested"`
	Error         string     `json:"error"`
	CorrelationID string     `json:"correlation_id"`
}

// SourceHealth aggregates recent sync runs for one source.
type SourceHealth struct {
	Source         string     `json:"source"`
	Runs           int        `json:"runs"`
	Failures       int        `json:"failures"`
	ErrorRate      float64    `json:"error_rate"`
	LastSuccessAt  *time.Time `json:"last_success_at"`
	RecentFailures []string   `json:"recent_failures"`
}
