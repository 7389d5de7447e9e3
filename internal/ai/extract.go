package ai

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/david/fundingfinder/internal/models"
)

const maxBullets = 5

// Aliases accepted for each response field, first match wins.
var (
	feasibilityKeys   = []string{"feasibility", "feasibility_score", "feasibilityScore"}
	suitabilityKeys   = []string{"suitability", "suitability_score", "suitabilityScore"}
	profitabilityKeys = []string{"profitability", "profitability_score", "profitabilityScore"}
	summaryKeys       = []string{"summary", "summary_bullets", "summaryBullets", "highlights"}
	constraintKeys    = []string{"constraints", "constraint_bullets", "constraintBullets", "risks"}
)

// ParseAnalysis reads a model response into an Analysis. It never fails:
// code fences are stripped, the first balanced JSON object is used, and any
// field that is missing or malformed falls back to 0 or empty. Scores are
// clamped to 0-100 and bullet lists cut to five entries. ok is false when no
// JSON object could be decoded at all.
func ParseAnalysis(resp string) (a models.Analysis, ok bool) {
	cleaned := stripFences(resp)
	if obj, found := extractFirstJSONObject(cleaned); found {
		cleaned = obj
	}

	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return salvageScores(cleaned), false
	}

	a.Feasibility = clampScore(pick(fields, feasibilityKeys))
	a.Suitability = clampScore(pick(fields, suitabilityKeys))
	a.Profitability = clampScore(pick(fields, profitabilityKeys))
	a.Summary = bullets(pick(fields, summaryKeys))
	a.Constraints = bullets(pick(fields, constraintKeys))
	return a, true
}

var scoreFieldRe = regexp.MustCompile(`"(feasibility|suitability|profitability)(?:_score|Score)?"\s*:\s*"?(-?\d+(?:\.\d+)?)`)

// salvageScores pulls numeric scores out of a truncated or otherwise
// undecodable object.
func salvageScores(s string) models.Analysis {
	a := models.Analysis{Summary: []string{}, Constraints: []string{}}
	for _, m := range scoreFieldRe.FindAllStringSubmatch(s, -1) {
		score := clampScore(m[2])
		switch m[1] {
		case "feasibility":
			a.Feasibility = score
		case "suitability":
			a.Suitability = score
		case "profitability":
			a.Profitability = score
		}
	}
	return a
}

func stripFences(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```JSON")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

func pick(fields map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func clampScore(v any) int {
	var f float64
	switch t := v.(type) {
	case json.Number:
		f, _ = t.Float64()
	case float64:
		f = t
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if i := strings.Index(s, "/"); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		f, _ = strconv.ParseFloat(s, 64)
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	switch {
	case f < 0:
		return 0
	case f > 100:
		return 100
	}
	return int(math.Round(f))
}

// bullets accepts a list of strings or a single newline/bullet separated
// string and returns at most five non-empty entries.
func bullets(v any) []string {
	var raw []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			switch s := e.(type) {
			case string:
				raw = append(raw, s)
			case json.Number:
				raw = append(raw, s.String())
			}
		}
	case string:
		raw = strings.Split(t, "\n")
	}

	out := make([]string, 0, maxBullets)
	for _, s := range raw {
		s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "-*•"))
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxBullets {
			break
		}
	}
	return out
}

// extractFirstJSONObject finds the first outermost balanced {...}
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if char == '{' {
				depth++
			} else if char == '}' {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	return "", false
}
