package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/normalize"
)

const (
	defaultAPIPageSize = 25
	maxAPIPages        = 200
)

var postedDateLayouts = []string{
	"01/02/2006", "2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05",
	"Jan 2, 2006", "January 2, 2006", "20060102",
}

// APIConnector pages through a JSON API over a lookback window and maps each
// hit through the source's JSON FieldMap.
type APIConnector struct {
	fetcher    Fetcher
	windowDays int
	now        func() time.Time
	log        *zap.Logger
}

// NewAPIConnector returns a connector with a windowDays lookback (7 when unset).
func NewAPIConnector(f Fetcher, windowDays int, logger *zap.Logger) *APIConnector {
	if windowDays <= 0 {
		windowDays = 7
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIConnector{fetcher: f, windowDays: windowDays, now: time.Now, log: logger.Named("api")}
}

// Fetch implements Connector. A failure on the first page fails the source;
// a later page failure keeps what was already collected.
func (c *APIConnector) Fetch(ctx context.Context, src SourceConfig) ([]normalize.Input, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("source %s: no API url configured", src.ID)
	}
	pageSize := src.API.PageSize
	if pageSize <= 0 {
		pageSize = defaultAPIPageSize
	}
	now := c.now().UTC()
	windowStart := now.AddDate(0, 0, -c.windowDays).Truncate(24 * time.Hour)
	log := c.log.With(zap.String("source", src.ID))

	var out []normalize.Input
	offset := 0
	for page := 0; page < maxAPIPages; page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		req, err := c.buildRequest(src, offset, pageSize, windowStart, now)
		if err != nil {
			return nil, err
		}

		recs, total, err := c.fetchPage(ctx, req, src.API)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("source %s: %w", src.ID, err)
			}
			log.Warn("stopping pagination after page failure", zap.Int("page", page), zap.Error(err))
			break
		}

		older := 0
		for _, rec := range recs {
			in := extractRecord(rec, src.Mapping.JSON, src.ID)
			if in.URL == "" && src.API.DetailURLTemplate != "" && in.OpportunityID != "" {
				in.URL = strings.ReplaceAll(src.API.DetailURLTemplate, "{id}", url.PathEscape(in.OpportunityID))
			}
			if posted, ok := parsePostedDate(in.PostedDate); ok && posted.Before(windowStart) {
				older++
				continue
			}
			out = append(out, in)
			if src.MaxNotices > 0 && len(out) >= src.MaxNotices {
				return out, nil
			}
		}

		offset += len(recs)
		log.Debug("fetched api page",
			zap.Int("page", page),
			zap.Int("records", len(recs)),
			zap.Int("total", total),
			zap.Int("kept", len(out)))

		if len(recs) == 0 || len(recs) < pageSize || (total > 0 && offset >= total) || older == len(recs) {
			break
		}
	}
	return out, nil
}

func (c *APIConnector) buildRequest(src SourceConfig, offset, pageSize int, from, to time.Time) (Request, error) {
	api := src.API
	switch api.Request {
	case "grants_gov":
		body, err := json.Marshal(map[string]any{
			"keyword":        api.Keyword,
			"oppStatuses":    "forecasted|posted",
			"sortBy":         "openDate|desc",
			"rows":           pageSize,
			"startRecordNum": offset,
		})
		if err != nil {
			return Request{}, fmt.Errorf("marshal search request: %w", err)
		}
		return Request{
			Method: http.MethodPost,
			URL:    src.URL,
			Body:   body,
			Header: http.Header{"Content-Type": {"application/json"}, "Accept": {"application/json"}},
		}, nil
	case "", "get":
		u, err := url.Parse(src.URL)
		if err != nil {
			return Request{}, fmt.Errorf("parse api url: %w", err)
		}
		layout := api.DateLayout
		if layout == "" {
			layout = "01/02/2006"
		}
		q := u.Query()
		for k, v := range api.Params {
			q.Set(k, v)
		}
		if api.FromParam != "" {
			q.Set(api.FromParam, from.Format(layout))
		}
		if api.ToParam != "" {
			q.Set(api.ToParam, to.Format(layout))
		}
		if api.LimitParam != "" {
			q.Set(api.LimitParam, strconv.Itoa(pageSize))
		}
		if api.OffsetParam != "" {
			q.Set(api.OffsetParam, strconv.Itoa(offset))
		}
		if api.APIKeyParam != "" && api.APIKey != "" {
			q.Set(api.APIKeyParam, api.APIKey)
		}
		u.RawQuery = q.Encode()
		return Request{
			Method: http.MethodGet,
			URL:    u.String(),
			Header: http.Header{"Accept": {"application/json"}},
		}, nil
	default:
		return Request{}, fmt.Errorf("source %s: unknown api request kind %q", src.ID, api.Request)
	}
}

func (c *APIConnector) fetchPage(ctx context.Context, req Request, api APIProfile) ([]map[string]any, int, error) {
	resp, err := c.fetcher.Do(ctx, req)
	if err != nil {
		return nil, 0, err
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	obj, _ := doc.(map[string]any)
	if obj != nil {
		// Grants.gov reports failures in-band.
		if code := stringify(obj["errorcode"]); code != "" && code != "0" {
			return nil, 0, fmt.Errorf("api error %s: %s", code, stringify(obj["msg"]))
		}
	}

	total := 0
	if obj != nil && api.TotalPath != "" {
		total, _ = strconv.Atoi(stringify(lookupPath(obj, api.TotalPath)))
	}
	return jsonRecords(doc, api.ResultsPath), total, nil
}

func parsePostedDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range postedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
