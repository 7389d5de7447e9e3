// Package textutil holds the string, list and hashing helpers shared by
// connectors, normalization and the document pipeline.
package textutil

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// NormalizeSpace collapses runs of whitespace into one space and trims the string.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most maxLen runes, appending "..." when it had to cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen > 3 {
		return string(runes[:maxLen-3]) + "..."
	}
	return string(runes[:maxLen])
}

// SHA256Hex returns the hex SHA-256 digest of s. The input is hashed byte for
// byte; callers that want stable hashes must pass stable bytes.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SplitList splits a comma, semicolon or newline separated list into trimmed,
// case-insensitively unique values. Quoted values may contain separators.
func SplitList(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	block = strings.ReplaceAll(block, ";", ",")

	var out []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := csv.NewReader(strings.NewReader(line))
		r.TrimLeadingSpace = true
		r.LazyQuotes = true
		fields, err := r.Read()
		if err != nil {
			fields = strings.Split(line, ",")
		}
		out = MergeUniqueFold(out, fields)
	}
	return out
}

// MergeUniqueFold appends items to dst, skipping blanks and case-insensitive duplicates.
func MergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		k := strings.ToLower(strings.TrimSpace(v))
		if k != "" {
			seen[k] = struct{}{}
		}
	}

	for _, v := range items {
		v = NormalizeSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}
	return dst
}

// Slugify turns a file name into a lowercase [a-z0-9-] slug of bounded length.
func Slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(name, "."); i > 0 && len(name)-i <= 5 {
		name = name[:i]
	}

	var b strings.Builder
	dash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= 80 {
			break
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "document"
	}
	return slug
}

// ContainsFold reports whether needle occurs in haystack ignoring case.
func ContainsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// CountTerm counts whole-token, case-insensitive occurrences of term in text.
// Multi-word terms match across any whitespace.
func CountTerm(text, term string) int {
	tokens := Tokenize(text)
	want := Tokenize(term)
	if len(want) == 0 || len(tokens) < len(want) {
		return 0
	}

	count := 0
	for i := 0; i+len(want) <= len(tokens); i++ {
		match := true
		for j := range want {
			if tokens[i+j] != want[j] {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count
}

// Tokenize lowercases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return NormalizeSpace(html)
	}
	return NormalizeSpace(doc.Text())
}

var stripPolicy = bluemonday.StrictPolicy()

// SanitizeText strips every tag from scraped markup and returns clean text.
func SanitizeText(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return NormalizeSpace(s)
	}
	return NormalizeSpace(HTMLToText(stripPolicy.Sanitize(s)))
}
