package ingest

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/david/fundingfinder/internal/normalize"
	"github.com/david/fundingfinder/internal/textutil"
)

// FieldMap lists candidate keys per logical field, tried in order. A key may
// be a dotted path into nested objects. AgencyPath is consulted when none of
// the Agency keys yields a plain value.
type FieldMap struct {
	ID          []string `yaml:"id,omitempty"`
	Title       []string `yaml:"title,omitempty"`
	Summary     []string `yaml:"summary,omitempty"`
	Agency      []string `yaml:"agency,omitempty"`
	AgencyPath  string   `yaml:"agency_path,omitempty"`
	Bureau      []string `yaml:"bureau,omitempty"`
	Status      []string `yaml:"status,omitempty"`
	URL         []string `yaml:"url,omitempty"`
	PostedDate  []string `yaml:"posted_date,omitempty"`
	DueDate     []string `yaml:"due_date,omitempty"`
	Eligibility []string `yaml:"eligibility,omitempty"`
	Documents   []string `yaml:"documents,omitempty"`
}

// MappingProfile holds one FieldMap per format, since a source can expose
// different schemas in its JSON, XML and CSV exports.
type MappingProfile struct {
	JSON FieldMap `yaml:"json,omitempty"`
	XML  FieldMap `yaml:"xml,omitempty"`
	CSV  FieldMap `yaml:"csv,omitempty"`

	// RecordsPath is a dotted path to the JSON records array.
	RecordsPath string `yaml:"records_path,omitempty"`
	// RecordTag names the repeated XML element holding one record.
	RecordTag string `yaml:"record_tag,omitempty"`
}

// DefaultFieldMap carries the historical aliases seen across registries. A
// profile's own lists are tried first and these fill in whatever it leaves empty.
var DefaultFieldMap = FieldMap{
	ID: []string{
		"id", "opportunityId", "opportunity_id", "OpportunityID", "noticeId", "notice_id",
		"solicitationNumber", "number", "opportunityNumber", "OpportunityNumber",
		"reference", "ref", "identifier", "ocid", "tender_id", "TenderID", "uri",
	},
	Title: []string{
		"title", "Title", "opportunityTitle", "OpportunityTitle", "name", "noticeTitle",
		"tender.title", "subject", "heading",
	},
	Summary: []string{
		"summary", "description", "Description", "synopsis", "Synopsis", "abstract",
		"synopsisDesc", "tender.description", "details", "body",
	},
	Agency: []string{
		"agency", "agencyName", "AgencyName", "agency_name", "department", "fullParentPathName",
		"organization", "organisation", "buyer.name", "buyer", "funder", "publisher",
	},
	AgencyPath: "agency.name",
	Bureau: []string{
		"bureau", "subAgency", "sub_agency", "office", "officeName", "subTier", "division",
	},
	Status: []string{
		"status", "oppStatus", "opportunityStatus", "OpportunityStatus", "state", "active",
		"tender.status",
	},
	URL: []string{
		"url", "link", "uiLink", "href", "detailUrl", "detail_url", "AdditionalInformationURL",
		"noticeUrl", "web_link",
	},
	PostedDate: []string{
		"postedDate", "posted_date", "PostDate", "openDate", "publishDate", "published",
		"publication_date", "releaseDate", "date",
	},
	DueDate: []string{
		"dueDate", "due_date", "closeDate", "CloseDate", "responseDeadLine", "deadline",
		"closingDate", "closing_date", "tender.tenderPeriod.endDate", "archiveDate",
	},
	Eligibility: []string{
		"eligibility", "eligibleApplicants", "EligibleApplicants", "applicantTypes",
		"AdditionalInformationOnEligibility", "eligibility_text", "who_can_apply",
		"typeOfSetAsideDescription",
	},
	Documents: []string{
		"documents", "documentUrls", "document_urls", "attachments", "resourceLinks", "pdf",
	},
}

// merged returns fm with empty lists filled from DefaultFieldMap. Profile keys
// come first so a source can shadow a generic alias.
func (fm FieldMap) merged() FieldMap {
	d := DefaultFieldMap
	pick := func(own, def []string) []string {
		if len(own) == 0 {
			return def
		}
		return textutil.MergeUniqueFold(append([]string(nil), own...), def)
	}
	out := FieldMap{
		ID:          pick(fm.ID, d.ID),
		Title:       pick(fm.Title, d.Title),
		Summary:     pick(fm.Summary, d.Summary),
		Agency:      pick(fm.Agency, d.Agency),
		AgencyPath:  fm.AgencyPath,
		Bureau:      pick(fm.Bureau, d.Bureau),
		Status:      pick(fm.Status, d.Status),
		URL:         pick(fm.URL, d.URL),
		PostedDate:  pick(fm.PostedDate, d.PostedDate),
		DueDate:     pick(fm.DueDate, d.DueDate),
		Eligibility: pick(fm.Eligibility, d.Eligibility),
		Documents:   pick(fm.Documents, d.Documents),
	}
	if out.AgencyPath == "" {
		out.AgencyPath = d.AgencyPath
	}
	return out
}

// extractRecord maps one generic record onto a normalization input. The raw
// payload is the record re-encoded as JSON with sorted keys so the same
// upstream values always hash the same.
func extractRecord(rec map[string]any, fm FieldMap, source string) normalize.Input {
	fm = fm.merged()

	in := normalize.Input{
		Source:        source,
		OpportunityID: firstValue(rec, fm.ID),
		Title:         firstValue(rec, fm.Title),
		Summary:       textutil.SanitizeText(firstValue(rec, fm.Summary)),
		Agency:        firstValue(rec, fm.Agency),
		Bureau:        firstValue(rec, fm.Bureau),
		Status:        firstValue(rec, fm.Status),
		URL:           firstValue(rec, fm.URL),
		PostedDate:    firstValue(rec, fm.PostedDate),
		DueDate:       firstValue(rec, fm.DueDate),
		Eligibility:   textutil.SanitizeText(firstValue(rec, fm.Eligibility)),
		DocumentURLs:  documentLinks(rec, fm.Documents),
	}
	if in.Agency == "" && fm.AgencyPath != "" {
		in.Agency = stringify(lookupPath(rec, fm.AgencyPath))
	}

	raw, err := json.Marshal(rec)
	if err == nil {
		in.RawPayload = string(raw)
	}
	return in
}

// firstValue returns the first non-empty scalar found under any candidate key.
func firstValue(rec map[string]any, keys []string) string {
	for _, k := range keys {
		if v := stringify(lookupPath(rec, k)); v != "" {
			return v
		}
	}
	return ""
}

// lookupPath resolves a dotted path, matching each segment exactly first and
// then case-insensitively. A literal key containing dots wins over the path.
func lookupPath(rec map[string]any, path string) any {
	if v, ok := lookupKey(rec, path); ok {
		return v
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil
	}
	var cur any = rec
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if arr, isArr := cur.([]any); isArr && len(arr) > 0 {
				m, ok = arr[0].(map[string]any)
			}
			if !ok {
				return nil
			}
		}
		v, found := lookupKey(m, p)
		if !found {
			return nil
		}
		cur = v
	}
	return cur
}

func lookupKey(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for _, k := range sortedKeys(m) {
		if strings.EqualFold(k, key) {
			return m[k], true
		}
	}
	return nil, false
}

// stringify renders scalars; objects fall back to their name/value/text keys,
// arrays to their first renderable element.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		for _, k := range []string{"name", "value", "#text", "title", "text", "code"} {
			if s := stringify(t[k]); s != "" {
				return s
			}
		}
		return ""
	case []any:
		var parts []string
		for _, e := range t {
			if s := stringify(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

// documentLinks collects http(s) links ending in .pdf, or any link for keys
// that hold document lists, from the candidate keys.
func documentLinks(rec map[string]any, keys []string) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ';' || r == ',' || r == ' ' || r == '\n' }) {
				part = strings.TrimSpace(part)
				if strings.HasPrefix(part, "http://") || strings.HasPrefix(part, "https://") {
					out = textutil.MergeUniqueFold(out, []string{part})
				}
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, k := range []string{"url", "href", "link", "uri"} {
				if s, ok := t[k]; ok {
					walk(s)
				}
			}
		}
	}
	for _, k := range keys {
		walk(lookupPath(rec, k))
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
