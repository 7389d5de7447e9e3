package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/david/fundingfinder/internal/ingest"
	"github.com/david/fundingfinder/internal/textutil"
)

// MaxLinks caps how many documents are processed per job.
const MaxLinks = 3

// ErrNoLinks is returned when neither the job nor the detail page yields a
// document URL.
var ErrNoLinks = errors.New("no document links found")

// ResolveLinks returns at most MaxLinks document URLs. Known URLs win; the
// detail page is only fetched when there are none.
func ResolveLinks(ctx context.Context, f ingest.Fetcher, detailURL string, known []string) ([]string, error) {
	if links := capLinks(known, detailURL); len(links) > 0 {
		return links, nil
	}
	if strings.TrimSpace(detailURL) == "" {
		return nil, ErrNoLinks
	}

	resp, err := ingest.Get(ctx, f, detailURL)
	if err != nil {
		return nil, fmt.Errorf("fetch detail page: %w", err)
	}

	links, err := pdfLinks(resp.URL, resp.Body)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, ErrNoLinks
	}
	return links, nil
}

func pdfLinks(pageURL string, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if isPDFHref(href) {
			hrefs = append(hrefs, href)
		}
	})
	return capLinks(hrefs, pageURL), nil
}

// isPDFHref matches hrefs whose path ends in .pdf, ignoring case, query and
// fragment.
func isPDFHref(href string) bool {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	return strings.HasSuffix(strings.ToLower(href), ".pdf")
}

// capLinks resolves, dedupes and truncates to MaxLinks, keeping order.
func capLinks(hrefs []string, base string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, MaxLinks)
	for _, h := range hrefs {
		abs := textutil.ResolveURL(base, h)
		if abs == "" {
			continue
		}
		u, err := url.Parse(abs)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		key := textutil.CanonicalizeURL(abs)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, abs)
		if len(out) == MaxLinks {
			break
		}
	}
	return out
}
