package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/david/fundingfinder/internal/metrics"
)

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

// FetcherOptions configures a PoliteFetcher.
type FetcherOptions struct {
	UserAgent      string
	AcceptLanguage string
	PoliteDelay    time.Duration // minimum spacing between requests to one host
	Timeout        time.Duration
	MaxRetries     int
	MaxBytes       int64
	AllowPrivate   bool // tests and local fixtures only
	Logger         *zap.Logger
}

// PoliteFetcher is an HTTP fetcher that waits on a per-host limiter before
// every request, retries 429/5xx with backoff and refuses oversized bodies.
// Requests to different hosts do not wait on each other.
type PoliteFetcher struct {
	client   *http.Client
	opts     FetcherOptions
	log      *zap.Logger
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPoliteFetcher builds a fetcher, filling unset options with defaults.
func NewPoliteFetcher(opts FetcherOptions) *PoliteFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 * 1024 * 1024
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "FundingFinderBot/1.0"
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "en-US,en;q=0.5"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &PoliteFetcher{
		client: &http.Client{
			Timeout:       opts.Timeout,
			Transport:     NewTransport(opts.AllowPrivate),
			CheckRedirect: redirectPolicy(opts.AllowPrivate),
		},
		opts:     opts,
		log:      log.Named("fetcher"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// NewTransport returns an http.Transport that refuses private addresses
// unless allowPrivate is set. The scraper shares it.
func NewTransport(allowPrivate bool) *http.Transport {
	dial := safeDialContext
	if allowPrivate {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		dial = d.DialContext
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (f *PoliteFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Inf, 1)
		if f.opts.PoliteDelay > 0 {
			// Start empty so the first request to a host waits too.
			l = rate.NewLimiter(rate.Every(f.opts.PoliteDelay), 1)
			l.ReserveN(time.Now(), 1)
		}
		f.limiters[host] = l
	}
	return l
}

// Do performs req, waiting for the host's politeness slot before each attempt.
func (f *PoliteFetcher) Do(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", req.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	limiter := f.limiter(strings.ToLower(u.Host))

	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			// 0.5s, 1s, 2s... plus jitter
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("politeness wait: %w", err)
		}

		resp, err := f.once(ctx, method, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !shouldRetry(err) {
			return nil, err
		}
		f.log.Debug("retrying request",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (f *PoliteFetcher) once(ctx context.Context, method string, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json, application/xml;q=0.9, text/html;q=0.9, */*;q=0.8")
	}
	httpReq.Header.Set("Accept-Language", f.opts.AcceptLanguage)
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	metrics.ObserveFetch("http", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{URL: req.URL, Code: resp.StatusCode}
	}
	if resp.ContentLength > f.opts.MaxBytes {
		return nil, fmt.Errorf("%s: %d bytes: %w", req.URL, resp.ContentLength, ErrTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("%s: %w", req.URL, ErrTooLarge)
	}

	return &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
		FetchedAt:   time.Now(),
	}, nil
}

// shouldRetry reports whether err is worth another attempt: timeouts, 429 and 5xx.
func shouldRetry(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// safeDialContext wraps the default dialer to block private IPs.
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private IP: %s", ip)
		}
	}

	return d.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local.
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if addr, ok := netip.AddrFromSlice(ip); ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

// redirectPolicy limits redirects and, unless allowPrivate, validates destinations.
func redirectPolicy(allowPrivate bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		if req.URL == nil {
			return fmt.Errorf("invalid redirect URL")
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return fmt.Errorf("redirect scheme blocked")
		}
		if allowPrivate {
			return nil
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("redirect host missing")
		}
		if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
			return fmt.Errorf("redirect to internal host blocked")
		}
		ips, err := net.LookupIP(host)
		if err != nil {
			return err
		}
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return fmt.Errorf("redirect to private IP blocked: %s", ip)
			}
		}
		return nil
	}
}
