package textutil

import (
	"net/url"
	"strings"
)

var trackingParams = []string{
	"fbclid", "gclid", "mc_cid", "mc_eid", "mkt_tok", "ref", "session", "s_cid",
}

// CanonicalizeURL lowercases the host, drops the fragment and strips tracking
// parameters. Remaining query parameters are re-encoded in sorted order.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	for _, p := range trackingParams {
		q.Del(p)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// ResolveURL resolves href against base. Unparseable input yields "".
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == "" {
		return ref.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}
