package documents

import (
	"regexp"
	"sort"
	"strings"

	"github.com/david/fundingfinder/internal/models"
)

type sectionKind int

const (
	programDescription sectionKind = iota
	requirements
	evaluationCriteria
)

// Heading keywords per section, matched case-insensitively on word
// boundaries. Alternatives are tried leftmost first.
var sectionHeadings = []struct {
	kind sectionKind
	re   *regexp.Regexp
}{
	{programDescription, regexp.MustCompile(`(?i)\b(program description|funding opportunity description|project description|programme description)\b`)},
	{requirements, regexp.MustCompile(`(?i)\b(eligibility requirements|application requirements|eligibility information|requirements)\b`)},
	{evaluationCriteria, regexp.MustCompile(`(?i)\b(evaluation criteria|selection criteria|review criteria|award criteria)\b`)},
}

type headingHit struct {
	kind       sectionKind
	start, end int
}

// SliceSections cuts text at the first occurrence of each section heading.
// Headings are ordered by position; each section runs from the end of its
// heading to the start of the next one, the last one to the end of the text.
// A heading that does not occur yields a nil section.
func SliceSections(text string) models.Sections {
	var hits []headingHit
	for _, h := range sectionHeadings {
		if loc := h.re.FindStringIndex(text); loc != nil {
			hits = append(hits, headingHit{kind: h.kind, start: loc[0], end: loc[1]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var out models.Sections
	for i, hit := range hits {
		end := len(text)
		if i+1 < len(hits) {
			end = hits[i+1].start
		}
		body := ""
		if hit.end < end {
			body = strings.TrimSpace(strings.TrimLeft(text[hit.end:end], ":.- \t"))
		}
		switch hit.kind {
		case programDescription:
			out.ProgramDescription = &body
		case requirements:
			out.Requirements = &body
		case evaluationCriteria:
			out.EvaluationCriteria = &body
		}
	}
	return out
}

// MergeSections newline-joins corresponding sections across documents. A
// section stays nil only when no document has it.
func MergeSections(all []models.Sections) models.Sections {
	var pd, rq, ev []string
	for _, s := range all {
		if s.ProgramDescription != nil {
			pd = append(pd, *s.ProgramDescription)
		}
		if s.Requirements != nil {
			rq = append(rq, *s.Requirements)
		}
		if s.EvaluationCriteria != nil {
			ev = append(ev, *s.EvaluationCriteria)
		}
	}
	return models.Sections{
		ProgramDescription: joinOrNil(pd),
		Requirements:       joinOrNil(rq),
		EvaluationCriteria: joinOrNil(ev),
	}
}

func joinOrNil(parts []string) *string {
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, "\n")
	return &s
}
