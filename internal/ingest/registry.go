package ingest

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/david/fundingfinder/internal/models"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the static per-source profiles.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP fetching overrides for a source.
type FetchConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	MaxRetries     int    `yaml:"max_retries,omitempty"`
	AcceptLanguage string `yaml:"accept_language,omitempty"`
}

// SourceConfig is one source's static profile. Active, URL, MaxNotices and
// Keywords may be overridden by the funding_sources row at sync time.
type SourceConfig struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Type       models.IntegrationType `yaml:"type"`
	URL        string                 `yaml:"url"`
	Active     bool                   `yaml:"active"`
	MaxNotices int                    `yaml:"max_notices,omitempty"`
	MaxPages   int                    `yaml:"max_pages,omitempty"`
	Keywords   []string               `yaml:"keywords,omitempty"`
	Exclude    []string               `yaml:"exclude,omitempty"`
	Language   string                 `yaml:"language,omitempty"`
	FormatHint string                 `yaml:"format_hint,omitempty"`

	Fetch   FetchConfig    `yaml:"fetch,omitempty"`
	API     APIProfile     `yaml:"api,omitempty"`
	Mapping MappingProfile `yaml:"mapping,omitempty"`
	Scrape  ScrapeProfile  `yaml:"scrape,omitempty"`
}

// APIProfile describes a windowed, paginated JSON API.
type APIProfile struct {
	// Request is "grants_gov" (POST search body) or "get" (query parameters).
	Request           string            `yaml:"request"`
	PageSize          int               `yaml:"page_size,omitempty"`
	ResultsPath       string            `yaml:"results_path"`
	TotalPath         string            `yaml:"total_path,omitempty"`
	FromParam         string            `yaml:"from_param,omitempty"`
	ToParam           string            `yaml:"to_param,omitempty"`
	DateLayout        string            `yaml:"date_layout,omitempty"`
	LimitParam        string            `yaml:"limit_param,omitempty"`
	OffsetParam       string            `yaml:"offset_param,omitempty"`
	APIKeyParam       string            `yaml:"api_key_param,omitempty"`
	APIKey            string            `yaml:"api_key,omitempty"`
	Params            map[string]string `yaml:"params,omitempty"`
	DetailURLTemplate string            `yaml:"detail_url_template,omitempty"`
	Keyword           string            `yaml:"keyword,omitempty"`
}

// ScrapeProfile drives the selector scraper.
type ScrapeProfile struct {
	Item     string                     `yaml:"item"`
	Fields   map[string][]FieldSelector `yaml:"fields"`
	NextPage string                     `yaml:"next_page,omitempty"`
}

// FieldSelector extracts one value. Selectors are tried in order until one
// yields a non-empty value. Attr reads an attribute instead of text; Regex
// post-extracts (first capture group when present).
type FieldSelector struct {
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr,omitempty"`
	Regex    string `yaml:"regex,omitempty"`
}

// LoadRegistry reads the embedded sources.yaml. When path is non-empty the
// file at path is used instead.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("read source registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes registry YAML after expanding ${ENV} references.
func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("decode source registry: %w", err)
	}

	seen := make(map[string]bool, len(reg.Sources))
	for i, s := range reg.Sources {
		if s.ID == "" {
			return nil, fmt.Errorf("source #%d has no id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		if !s.Type.Valid() {
			return nil, fmt.Errorf("source %q: unknown type %q", s.ID, s.Type)
		}
		if s.Type == models.IntegrationHTMLScrape && s.Scrape.Item == "" {
			return nil, fmt.Errorf("source %q: scrape.item is required", s.ID)
		}
	}
	return &reg, nil
}

// Lookup returns the profile with the given id.
func (r *Registry) Lookup(id string) (SourceConfig, bool) {
	for _, s := range r.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// FundingSources converts the profiles into rows used to seed funding_sources.
func (r *Registry) FundingSources() []models.FundingSource {
	out := make([]models.FundingSource, 0, len(r.Sources))
	for _, s := range r.Sources {
		out = append(out, models.FundingSource{
			ID:              s.ID,
			Name:            s.Name,
			IntegrationType: s.Type,
			AutoURL:         s.URL,
			MaxNotices:      s.MaxNotices,
			KeywordsInclude: s.Keywords,
			KeywordsExclude: s.Exclude,
			Language:        s.Language,
			Active:          s.Active,
		})
	}
	return out
}

// WithOverrides applies the mutable funding_sources fields on top of the
// static profile.
func (s SourceConfig) WithOverrides(fs models.FundingSource) SourceConfig {
	out := s
	if fs.ID != "" {
		out.Active = fs.Active
	}
	if strings.TrimSpace(fs.AutoURL) != "" {
		out.URL = fs.AutoURL
	}
	if fs.MaxNotices > 0 {
		out.MaxNotices = fs.MaxNotices
	}
	if len(fs.KeywordsInclude) > 0 {
		out.Keywords = fs.KeywordsInclude
	}
	if len(fs.KeywordsExclude) > 0 {
		out.Exclude = fs.KeywordsExclude
	}
	if fs.Language != "" {
		out.Language = fs.Language
	}
	if fs.IntegrationType.Valid() {
		out.Type = fs.IntegrationType
	}
	return out
}
