// Package eligibility classifies opportunity text for for-profit and
// small-business eligibility and scores its keyword relevance.
//
// Everything here is a pure function of its inputs.
package eligibility

import (
	"strings"

	"github.com/david/fundingfinder/internal/models"
	"github.com/david/fundingfinder/internal/textutil"
)

var forProfitTerms = []string{
	"for-profit", "for profit", "small business", "industry", "commercial",
	"sbir", "sttr", "private sector", "companies", "startup", "start-up",
	"businesses", "enterprises",
}

var smallBusinessTerms = []string{
	"small business", "sbir", "sttr", "sme",
}

var excludedEntityTerms = []string{
	"state government", "local government", "county government",
	"city or township government", "tribal", "universit",
	"institution of higher education", "institutions of higher education",
	"public housing authorit", "school district",
}

// Phrases that contain a for-profit term but mean the opposite.
var negatedForProfit = []string{
	"not-for-profit", "not for profit", "not for-profit",
}

// DefaultKeywords is the fixed domain keyword list every source is scored against.
var DefaultKeywords = []string{
	"artificial intelligence", "ai", "machine learning", "health", "digital",
	"software", "data", "cybersecurity", "innovation", "research and development",
	"technology", "automation", "robotics", "telehealth", "analytics", "cloud",
}

// FilterSet is the per-run view of exclusion rules plus include keywords.
type FilterSet struct {
	ExcludedBureaus  []string
	PriorityAgencies []string
	Keywords         []string
}

// NewFilterSet builds a FilterSet from active rules. Extra keywords (usually a
// source's include list) are scored on top of DefaultKeywords.
func NewFilterSet(rules []models.ExclusionRule, extraKeywords ...string) FilterSet {
	fs := FilterSet{}
	for _, r := range rules {
		if !r.Active {
			continue
		}
		v := strings.TrimSpace(r.Value)
		if v == "" {
			continue
		}
		switch r.RuleType {
		case models.RuleExcludedBureau:
			fs.ExcludedBureaus = append(fs.ExcludedBureaus, v)
		case models.RulePriorityAgency:
			fs.PriorityAgencies = append(fs.PriorityAgencies, v)
		}
	}
	fs.Keywords = textutil.MergeUniqueFold(append([]string(nil), DefaultKeywords...), extraKeywords)
	return fs
}

// WithKeywords returns a copy of fs scoring the additional keywords too.
func (fs FilterSet) WithKeywords(extra []string) FilterSet {
	out := fs
	out.Keywords = textutil.MergeUniqueFold(append([]string(nil), fs.Keywords...), extra)
	return out
}

// Verdict is the eligibility classification of one record.
type Verdict struct {
	ForProfitEligible     bool `json:"for_profit_eligible"`
	SmallBusinessEligible bool `json:"small_business_eligible"`
	Excluded              bool `json:"excluded"`
	KeywordScore          int  `json:"keyword_score"`
}

// Evaluate classifies text (title, summary and eligibility joined) for agency.
// An excluded-entity mention only excludes a record that is not also for-profit eligible.
func Evaluate(text, agency string, fs FilterSet) Verdict {
	lower := strings.ToLower(text)
	positive := lower
	for _, neg := range negatedForProfit {
		positive = strings.ReplaceAll(positive, neg, " ")
	}

	v := Verdict{
		ForProfitEligible:     containsAny(positive, forProfitTerms),
		SmallBusinessEligible: containsAny(positive, smallBusinessTerms),
	}
	v.Excluded = containsAny(lower, excludedEntityTerms) && !v.ForProfitEligible

	keywords := fs.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	for _, kw := range keywords {
		v.KeywordScore += textutil.CountTerm(text, kw)
	}
	if IsPriorityAgency(agency, fs) {
		v.KeywordScore++
	}
	return v
}

// AgencyExcluded reports whether agency contains any excluded bureau, ignoring case.
// Such records are dropped before scoring.
func AgencyExcluded(agency string, fs FilterSet) bool {
	if strings.TrimSpace(agency) == "" {
		return false
	}
	for _, b := range fs.ExcludedBureaus {
		if textutil.ContainsFold(agency, b) {
			return true
		}
	}
	return false
}

// IsPriorityAgency reports whether agency matches a priority agency entry.
func IsPriorityAgency(agency string, fs FilterSet) bool {
	if strings.TrimSpace(agency) == "" {
		return false
	}
	for _, p := range fs.PriorityAgencies {
		if textutil.ContainsFold(agency, p) {
			return true
		}
	}
	return false
}

// "sme" must be a whole token; the others are plain substrings.
func containsAny(lower string, terms []string) bool {
	for _, t := range terms {
		if len(t) <= 3 {
			if textutil.CountTerm(lower, t) > 0 {
				return true
			}
			continue
		}
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
