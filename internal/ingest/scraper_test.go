package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func listingPage(page, lastPage int) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("C-%d%d", page, i)
		fmt.Fprintf(&b, `<li class="comp">
  <h2><a href="/competition/%s">Digital innovation call %s</a></h2>
  <p class="meta">Reference: %s | Closes 2026-05-0%d</p>
  <div class="summary">Funding for <b>AI</b> projects.</div>
  <a class="doc" href="/files/%s-guidance.pdf">Guidance</a>
</li>`, id, id, id, i, id)
	}
	b.WriteString("</ul>")
	if page < lastPage {
		fmt.Fprintf(&b, `<a class="next" href="/list?page=%d">Next</a>`, page+1)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func scrapeSource(base string, maxPages int) SourceConfig {
	return SourceConfig{
		ID:       "innovate_uk",
		Type:     "html_scrape",
		URL:      base + "/list?page=1",
		MaxPages: maxPages,
		Scrape: ScrapeProfile{
			Item:     "li.comp",
			NextPage: "a.next",
			Fields: map[string][]FieldSelector{
				"title":     {{Selector: "h2 a"}},
				"url":       {{Selector: "h2 a", Attr: "href"}},
				"id":        {{Selector: "p.meta", Regex: `Reference:\s*(\S+)`}},
				"due_date":  {{Selector: "p.meta", Regex: `Closes\s+(\d{4}-\d{2}-\d{2})`}},
				"summary":   {{Selector: ".summary"}},
				"documents": {{Selector: "a.doc"}},
			},
		},
	}
}

func newListingServer(t *testing.T, lastPage int, failPage int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var page int
		if _, err := fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page); err != nil || page < 1 {
			http.NotFound(w, r)
			return
		}
		if page == failPage {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(listingPage(page, lastPage)))
	}))
}

func newTestScraper() *SelectorScraper {
	return NewSelectorScraper(ScraperOptions{AllowPrivate: true}, nil)
}

func TestSelectorScraperExtractsFields(t *testing.T) {
	srv := newListingServer(t, 1, 0)
	defer srv.Close()

	recs, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	r := recs[0]
	if r.OpportunityID != "C-11" || r.Title != "Digital innovation call C-11" {
		t.Fatalf("record = %+v", r)
	}
	if r.DueDate != "2026-05-01" {
		t.Fatalf("due date = %q", r.DueDate)
	}
	if r.URL != srv.URL+"/competition/C-11" {
		t.Fatalf("url = %q", r.URL)
	}
	if r.Summary != "Funding for AI projects." {
		t.Fatalf("summary = %q", r.Summary)
	}
	if len(r.DocumentURLs) != 1 || r.DocumentURLs[0] != srv.URL+"/files/C-11-guidance.pdf" {
		t.Fatalf("documents = %v", r.DocumentURLs)
	}
	if r.RawPayload == "" {
		t.Fatal("raw payload not captured")
	}
}

func TestSelectorScraperStopsAtMaxPages(t *testing.T) {
	srv := newListingServer(t, 10, 0)
	defer srv.Close()

	recs, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 3))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 6 {
		t.Fatalf("got %d records, want 6 from 3 pages", len(recs))
	}
}

func TestSelectorScraperFollowsUntilLastPage(t *testing.T) {
	srv := newListingServer(t, 3, 0)
	defer srv.Close()

	recs, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 50))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 6 {
		t.Fatalf("got %d records, want 6", len(recs))
	}
}

func TestSelectorScraperFirstPageFailure(t *testing.T) {
	srv := newListingServer(t, 3, 1)
	defer srv.Close()

	if _, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 5)); err == nil {
		t.Fatal("expected an error when the listing page fails")
	}
}

func TestSelectorScraperLaterPageFailureKeepsItems(t *testing.T) {
	srv := newListingServer(t, 5, 2)
	defer srv.Close()

	recs, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want the 2 from page 1", len(recs))
	}
}

func TestSelectorScraperDetectsPaginationCycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<li class="comp"><h2><a href="/c/1">Loop call</a></h2></li>
<a class="next" href="/list?page=1">Next</a></body></html>`))
	}))
	defer srv.Close()

	recs, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 20))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestSelectorScraperHashesMissingIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<li class="comp"><h2><a href="/c/alpha">Alpha</a></h2></li>
<li class="comp"><h2><a href="/c/beta">Beta</a></h2></li>
</body></html>`))
	}))
	defer srv.Close()

	a, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := newTestScraper().Fetch(context.Background(), scrapeSource(srv.URL, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || a[0].OpportunityID == a[1].OpportunityID {
		t.Fatalf("ids not distinct: %+v", a)
	}
	if a[0].OpportunityID != b[0].OpportunityID {
		t.Fatal("hashed ids are not stable across runs")
	}
}

func TestSelectorScraperRequiresItemSelector(t *testing.T) {
	src := SourceConfig{ID: "x", URL: "https://example.org/"}
	if _, err := newTestScraper().Fetch(context.Background(), src); err == nil {
		t.Fatal("expected missing item selector error")
	}
}
