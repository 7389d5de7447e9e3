package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/normalize"
	"github.com/david/fundingfinder/internal/textutil"
)

const defaultMaxPages = 5

// ScraperOptions configures the colly collector behind a SelectorScraper.
type ScraperOptions struct {
	UserAgent    string
	PoliteDelay  time.Duration
	Timeout      time.Duration
	MaxBodyBytes int
	AllowPrivate bool
}

// SelectorScraper extracts records from listing pages with CSS selectors and
// follows a next-page link up to the source's page cap.
type SelectorScraper struct {
	opts ScraperOptions
	log  *zap.Logger
}

// NewSelectorScraper returns a scraper with defaults filled in.
func NewSelectorScraper(opts ScraperOptions, logger *zap.Logger) *SelectorScraper {
	if opts.UserAgent == "" {
		opts.UserAgent = "FundingFinderBot/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelectorScraper{opts: opts, log: logger.Named("scraper")}
}

func (s *SelectorScraper) buildCollector(host string) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(s.opts.UserAgent),
		colly.MaxBodySize(s.opts.MaxBodyBytes),
		colly.DetectCharset(),
		colly.AllowedDomains(host),
	)
	c.WithTransport(NewTransport(s.opts.AllowPrivate))
	c.SetRequestTimeout(s.opts.Timeout)
	if s.opts.PoliteDelay > 0 {
		_ = c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: 1,
			Delay:       s.opts.PoliteDelay,
		})
	}
	return c
}

// Fetch implements Connector. The first page failing is an error; a later
// page failing ends pagination and returns what was collected.
func (s *SelectorScraper) Fetch(ctx context.Context, src SourceConfig) ([]normalize.Input, error) {
	profile := src.Scrape
	if profile.Item == "" {
		return nil, fmt.Errorf("source %s: scrape.item selector is required", src.ID)
	}
	start, err := url.Parse(src.URL)
	if err != nil || start.Hostname() == "" {
		return nil, fmt.Errorf("source %s: invalid listing url %q", src.ID, src.URL)
	}
	patterns, err := compileFieldRegexes(profile.Fields)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}

	maxPages := src.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	log := s.log.With(zap.String("source", src.ID))

	var (
		items   []normalize.Input
		seenIDs = make(map[string]bool)
		nextURL string
	)

	c := s.buildCollector(start.Hostname())
	c.OnHTML(profile.Item, func(e *colly.HTMLElement) {
		in, ok := scrapeItem(e, src.ID, profile.Fields, patterns)
		if !ok || seenIDs[in.OpportunityID] {
			return
		}
		seenIDs[in.OpportunityID] = true
		items = append(items, in)
	})
	if profile.NextPage != "" {
		c.OnHTML(profile.NextPage, func(e *colly.HTMLElement) {
			if nextURL != "" {
				return
			}
			if href := strings.TrimSpace(e.Attr("href")); href != "" && !strings.HasPrefix(href, "#") {
				nextURL = e.Request.AbsoluteURL(href)
			}
		})
	}

	visited := make(map[string]bool)
	current := src.URL
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}
		canon := textutil.CanonicalizeURL(current)
		if visited[canon] {
			log.Info("pagination cycle detected", zap.String("url", canon))
			break
		}
		visited[canon] = true

		nextURL = ""
		if err := c.Visit(current); err != nil {
			if page == 1 {
				return nil, fmt.Errorf("source %s: first page %s: %w", src.ID, current, err)
			}
			log.Warn("stopping pagination after page failure",
				zap.Int("page", page), zap.String("url", current), zap.Error(err))
			break
		}
		c.Wait()
		log.Debug("scraped page", zap.Int("page", page), zap.Int("items", len(items)))

		if src.MaxNotices > 0 && len(items) >= src.MaxNotices {
			items = items[:src.MaxNotices]
			break
		}
		if nextURL == "" {
			break
		}
		current = nextURL
	}
	return items, nil
}

func compileFieldRegexes(fields map[string][]FieldSelector) (map[string][]*regexp.Regexp, error) {
	out := make(map[string][]*regexp.Regexp, len(fields))
	for name, sels := range fields {
		res := make([]*regexp.Regexp, len(sels))
		for i, fs := range sels {
			if fs.Regex == "" {
				continue
			}
			re, err := regexp.Compile(fs.Regex)
			if err != nil {
				return nil, fmt.Errorf("field %s: bad regex %q: %w", name, fs.Regex, err)
			}
			res[i] = re
		}
		out[name] = res
	}
	return out, nil
}

func scrapeItem(e *colly.HTMLElement, source string, fields map[string][]FieldSelector, patterns map[string][]*regexp.Regexp) (normalize.Input, bool) {
	values := make(map[string]string, len(fields))
	for name, sels := range fields {
		if name == "documents" {
			continue
		}
		if v := extractField(e.DOM, sels, patterns[name]); v != "" {
			values[name] = v
		}
	}
	if link := values["url"]; link != "" {
		values["url"] = textutil.CanonicalizeURL(e.Request.AbsoluteURL(link))
	}

	var docs []string
	for _, fs := range fields["documents"] {
		attr := fs.Attr
		if attr == "" {
			attr = "href"
		}
		e.DOM.Find(fs.Selector).Each(func(_ int, sel *goquery.Selection) {
			if href, ok := sel.Attr(attr); ok && strings.TrimSpace(href) != "" {
				docs = textutil.MergeUniqueFold(docs, []string{e.Request.AbsoluteURL(strings.TrimSpace(href))})
			}
		})
	}
	if len(docs) > 0 {
		values["documents"] = strings.Join(docs, " ")
	}

	title := textutil.SanitizeText(values["title"])
	if title == "" {
		return normalize.Input{}, false
	}

	id := values["id"]
	if id == "" {
		if values["url"] != "" {
			id = textutil.SHA256Hex(values["url"])
		} else {
			id = textutil.SHA256Hex(e.Request.URL.String() + "|" + title)
		}
	}

	raw, _ := json.Marshal(values)
	return normalize.Input{
		Source:        source,
		OpportunityID: id,
		Title:         title,
		Agency:        values["agency"],
		Bureau:        values["bureau"],
		Status:        values["status"],
		Summary:       textutil.SanitizeText(values["summary"]),
		Eligibility:   textutil.SanitizeText(values["eligibility"]),
		URL:           values["url"],
		PostedDate:    values["posted_date"],
		DueDate:       values["due_date"],
		DocumentURLs:  docs,
		RawPayload:    string(raw),
	}, true
}

// extractField tries each selector in order; "" or "." means the item itself.
func extractField(item *goquery.Selection, sels []FieldSelector, patterns []*regexp.Regexp) string {
	for i, fs := range sels {
		sel := item
		if fs.Selector != "" && fs.Selector != "." {
			sel = item.Find(fs.Selector).First()
		}
		if sel.Length() == 0 {
			continue
		}

		var v string
		if fs.Attr != "" {
			v, _ = sel.Attr(fs.Attr)
		} else {
			v = sel.Text()
		}
		v = textutil.NormalizeSpace(v)

		if i < len(patterns) && patterns[i] != nil && v != "" {
			m := patterns[i].FindStringSubmatch(v)
			switch {
			case m == nil:
				v = ""
			case len(m) > 1:
				v = strings.TrimSpace(m[1])
			default:
				v = strings.TrimSpace(m[0])
			}
		}
		if v != "" {
			return v
		}
	}
	return ""
}
