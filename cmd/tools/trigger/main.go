// Command trigger asks a running server to start a sync or to analyse the
// shortlist, authenticating with the admin secret.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/david/fundingfinder/internal/ingest"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "API base URL")
	action := flag.String("action", "sync", "sync or analyze")
	source := flag.String("source", "", "source id (sync only; empty syncs every active source)")
	maxNotices := flag.Int("max-notices", 0, "cap records taken from the source (sync only)")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("FUNDING_SERVER_ADMIN_SECRET"))
	if adminSecret == "" {
		fmt.Println("Missing FUNDING_SERVER_ADMIN_SECRET environment variable")
		os.Exit(1)
	}

	var (
		path string
		body any
	)
	switch *action {
	case "sync":
		path = "/api/v1/admin/sync"
		body = map[string]any{"source_id": *source, "max_notices": *maxNotices}
	case "analyze":
		path = "/api/v1/admin/shortlist/analyze"
		body = map[string]any{}
	default:
		fmt.Printf("Unknown action %q\n", *action)
		os.Exit(1)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("Error encoding request: %v\n", err)
		os.Exit(1)
	}

	fetcher := ingest.NewPoliteFetcher(ingest.FetcherOptions{AllowPrivate: true, Timeout: 30 * time.Second})
	resp, err := fetcher.Do(context.Background(), ingest.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(*server, "/") + path,
		Body:   payload,
		Header: http.Header{
			"Content-Type":   {"application/json"},
			"X-Admin-Secret": {adminSecret},
		},
	})
	if err != nil {
		fmt.Printf("Error sending request: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Response Status: %d\n%s\n", resp.StatusCode, resp.Body)
}
