package textutil

import (
	"reflect"
	"strings"
	"testing"
)

func TestSHA256HexIsByteStable(t *testing.T) {
	a := SHA256Hex(`{"id":"X","title":"Health AI Grant"}`)
	b := SHA256Hex(`{"id":"X","title":"Health AI Grant"}`)
	c := SHA256Hex(`{"id":"X","title":"Health AI Grant "}`)
	if a != b {
		t.Fatalf("same input hashed differently")
	}
	if a == c {
		t.Fatalf("one byte change did not change hash")
	}
	if len(a) != 64 {
		t.Fatalf("hex digest length = %d", len(a))
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"ai, health;  Robotics", []string{"ai", "health", "Robotics"}},
		{"a\nb\r\nA", []string{"a", "b"}},
		{`"quantum, computing", lidar`, []string{"quantum, computing", "lidar"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		got := SplitList(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitList(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"NOFO Full Announcement.pdf": "nofo-full-announcement",
		"  __Weird--Name!!.PDF ":     "weird-name",
		"???":                        "document",
		"report_2025_v2.pdf":         "report-2025-v2",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
	long := Slugify(strings.Repeat("a", 200))
	if len(long) > 80 {
		t.Errorf("slug not bounded: %d", len(long))
	}
}

func TestCountTerm(t *testing.T) {
	text := "AI for health. Health-AI tools; artificial intelligence in HEALTH care."
	if got := CountTerm(text, "health"); got != 3 {
		t.Errorf("health count = %d, want 3", got)
	}
	if got := CountTerm(text, "artificial intelligence"); got != 1 {
		t.Errorf("phrase count = %d, want 1", got)
	}
	if got := CountTerm("healthy", "health"); got != 0 {
		t.Errorf("partial token matched")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("got %q", got)
	}
	if got := Truncate("héllo", 10); got != "héllo" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText(`<p>Open to <b>small</b> businesses<script>alert(1)</script></p>`)
	if got != "Open to small businesses" {
		t.Errorf("SanitizeText = %q", got)
	}
	if got := SanitizeText("  plain   text "); got != "plain text" {
		t.Errorf("plain = %q", got)
	}
}

func TestCanonicalizeURL(t *testing.T) {
	got := CanonicalizeURL("https://WWW.Example.org/grants?id=7&utm_source=x&fbclid=abc#top")
	if got != "https://www.example.org/grants?id=7" {
		t.Errorf("CanonicalizeURL = %q", got)
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct{ base, href, want string }{
		{"https://a.gov/list/page1", "page2", "https://a.gov/list/page2"},
		{"https://a.gov/list/", "/docs/x.pdf", "https://a.gov/docs/x.pdf"},
		{"https://a.gov/", "https://b.gov/y", "https://b.gov/y"},
		{"https://a.gov/", "  ", ""},
	}
	for _, tt := range tests {
		if got := ResolveURL(tt.base, tt.href); got != tt.want {
			t.Errorf("ResolveURL(%q, %q) = %q, want %q", tt.base, tt.href, got, tt.want)
		}
	}
}
