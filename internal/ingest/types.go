package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/david/fundingfinder/internal/normalize"
)

// ErrTooLarge is returned when a download exceeds the configured byte limit.
var ErrTooLarge = errors.New("download exceeds size limit")

// Request is one outbound HTTP call. An empty Method means GET.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully read, size-checked response body.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.Code, e.URL)
}

// Fetcher retrieves raw content from a URL.
type Fetcher interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Get is shorthand for a plain GET through f.
func Get(ctx context.Context, f Fetcher, url string) (*Response, error) {
	return f.Do(ctx, Request{Method: http.MethodGet, URL: url})
}

// Connector turns one funding source into normalization inputs. The three
// implementations share normalize.Normalize downstream; none of them score.
type Connector interface {
	Fetch(ctx context.Context, src SourceConfig) ([]normalize.Input, error)
}
