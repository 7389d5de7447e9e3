package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var apiNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func grantsGovSource(url string) SourceConfig {
	return SourceConfig{
		ID:   "grants_gov",
		Type: "core_api",
		URL:  url,
		API: APIProfile{
			Request:           "grants_gov",
			PageSize:          2,
			ResultsPath:       "data.oppHits",
			TotalPath:         "data.hitCount",
			DetailURLTemplate: "https://www.grants.gov/search-results-detail/{id}",
		},
		Mapping: MappingProfile{JSON: FieldMap{PostedDate: []string{"openDate"}}},
	}
}

func newTestAPIConnector() *APIConnector {
	c := NewAPIConnector(testFetcher(FetcherOptions{}), 7, nil)
	c.now = func() time.Time { return apiNow }
	return c
}

func TestAPIConnectorPagesUntilTotal(t *testing.T) {
	hits := [][]map[string]any{
		{
			{"id": "101", "title": "AI for Health", "agency": "HHS", "openDate": "03/09/2026"},
			{"id": "102", "title": "Robotics", "agency": "DOD", "openDate": "03/08/2026"},
		},
		{
			{"id": "103", "title": "Cloud Data", "agency": "DOE", "openDate": "03/05/2026"},
		},
	}
	var (
		mu     sync.Mutex
		starts []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Rows           int `json:"rows"`
			StartRecordNum int `json:"startRecordNum"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		starts = append(starts, body.StartRecordNum)
		mu.Unlock()
		page := body.StartRecordNum / body.Rows
		var out []map[string]any
		if page < len(hits) {
			out = hits[page]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errorcode": 0,
			"data":      map[string]any{"hitCount": 3, "oppHits": out},
		})
	}))
	defer srv.Close()

	recs, err := newTestAPIConnector().Fetch(context.Background(), grantsGovSource(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(starts) != "[0 2]" {
		t.Fatalf("start offsets = %v, want [0 2]", starts)
	}
	if recs[0].URL != "https://www.grants.gov/search-results-detail/101" {
		t.Fatalf("detail url = %q", recs[0].URL)
	}
	if recs[2].Source != "grants_gov" || recs[2].Agency != "DOE" {
		t.Fatalf("record = %+v", recs[2])
	}
}

func TestAPIConnectorDropsRecordsOutsideWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"hitCount": 2, "oppHits": []map[string]any{
				{"id": "1", "title": "Fresh", "openDate": "03/04/2026"},
				{"id": "2", "title": "Stale", "openDate": "01/15/2026"},
			}},
		})
	}))
	defer srv.Close()

	recs, err := newTestAPIConnector().Fetch(context.Background(), grantsGovSource(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].OpportunityID != "1" {
		t.Fatalf("records = %+v, want only the fresh one", recs)
	}
}

func TestAPIConnectorFirstPageFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := newTestAPIConnector().Fetch(context.Background(), grantsGovSource(srv.URL)); err == nil {
		t.Fatal("expected an error when the first page fails")
	}
}

func TestAPIConnectorInBandErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errorcode":7,"msg":"bad request"}`))
	}))
	defer srv.Close()

	_, err := newTestAPIConnector().Fetch(context.Background(), grantsGovSource(srv.URL))
	if err == nil || !strings.Contains(err.Error(), "bad request") {
		t.Fatalf("err = %v, want in-band api error", err)
	}
}

func TestAPIConnectorLaterPageFailureKeepsEarlierRecords(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"hitCount": 10, "oppHits": []map[string]any{
				{"id": "1", "title": "One", "openDate": "03/09/2026"},
				{"id": "2", "title": "Two", "openDate": "03/09/2026"},
			}},
		})
	}))
	defer srv.Close()

	recs, err := newTestAPIConnector().Fetch(context.Background(), grantsGovSource(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

func TestAPIConnectorGetQueryParameters(t *testing.T) {
	queries := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		select {
		case queries <- q:
		default:
		}
		_, _ = w.Write([]byte(`{"totalRecords":1,"opportunitiesData":[{"noticeId":"N1","title":"Cyber","postedDate":"2026-03-09"}]}`))
	}))
	defer srv.Close()

	src := SourceConfig{
		ID:  "sam_gov",
		URL: srv.URL + "/opportunities/v2/search?ptype=o",
		API: APIProfile{
			Request: "get", PageSize: 10,
			ResultsPath: "opportunitiesData", TotalPath: "totalRecords",
			FromParam: "postedFrom", ToParam: "postedTo", DateLayout: "01/02/2006",
			LimitParam: "limit", OffsetParam: "offset",
			APIKeyParam: "api_key", APIKey: "k123",
		},
	}
	recs, err := newTestAPIConnector().Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].OpportunityID != "N1" {
		t.Fatalf("records = %+v", recs)
	}
	query := <-queries
	want := map[string]string{
		"ptype": "o", "postedFrom": "03/03/2026", "postedTo": "03/10/2026",
		"limit": "10", "offset": "0", "api_key": "k123",
	}
	for k, v := range want {
		if query[k] != v {
			t.Errorf("query[%s] = %q, want %q", k, query[k], v)
		}
	}
}

func TestAPIConnectorRespectsMaxNotices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"hitCount": 3, "oppHits": []map[string]any{
				{"id": "1", "title": "One"}, {"id": "2", "title": "Two"},
			}},
		})
	}))
	defer srv.Close()

	src := grantsGovSource(srv.URL)
	src.MaxNotices = 1
	recs, err := newTestAPIConnector().Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}
