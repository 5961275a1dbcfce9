package cachekey

import (
	"net/http"
	"regexp"
	"testing"

	record "github.com/recache/recache/pkg/response-record"
)

func makeRequest(method, url string) *record.Request {
	return &record.Request{Method: method, URL: url, Header: make(http.Header)}
}

func mustKey(t *testing.T, req *record.Request, cfg Config) string {
	t.Helper()
	key, err := ComputeKey(req, cfg)
	if err != nil {
		t.Fatalf("ComputeKey: %v", err)
	}
	return key
}

func TestKeyIsStableHex(t *testing.T) {
	key := mustKey(t, makeRequest("GET", "http://example.com/a"), Config{})
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(key) {
		t.Fatalf("key is not a sha256 hex digest: %q", key)
	}
	// must not change between runs or processes
	if key != mustKey(t, makeRequest("GET", "http://example.com/a"), Config{}) {
		t.Fatal("key not deterministic")
	}
}

func TestEquivalentRequestsShareKey(t *testing.T) {
	equivalent := [][2]string{
		{"http://example.com/a", "HTTP://EXAMPLE.COM/a"},
		{"http://example.com/a", "http://example.com:80/a"},
		{"https://example.com/a", "https://example.com:443/a"},
		{"http://example.com/a/", "http://example.com/a"},
		{"http://example.com/", "http://example.com"},
		{"http://example.com/a?x=1&y=2", "http://example.com/a?y=2&x=1"},
		{"http://example.com/a#frag", "http://example.com/a"},
	}
	for _, pair := range equivalent {
		k1 := mustKey(t, makeRequest("GET", pair[0]), Config{})
		k2 := mustKey(t, makeRequest("GET", pair[1]), Config{})
		if k1 != k2 {
			t.Errorf("expected same key for %q and %q", pair[0], pair[1])
		}
	}
}

func TestDifferingRequestsGetDistinctKeys(t *testing.T) {
	base := mustKey(t, makeRequest("GET", "http://example.com/a?x=1"), Config{})
	different := []*record.Request{
		makeRequest("POST", "http://example.com/a?x=1"),
		makeRequest("GET", "http://example.com/b?x=1"),
		makeRequest("GET", "http://example.com/a?x=2"),
		makeRequest("GET", "https://example.com/a?x=1"),
	}
	for _, req := range different {
		if key := mustKey(t, req, Config{}); key == base {
			t.Errorf("expected distinct key for %s %s", req.Method, req.URL)
		}
	}
}

func TestIgnoredParams(t *testing.T) {
	cfg := Config{IgnoredParams: []string{"token"}}
	k1 := mustKey(t, makeRequest("GET", "http://example.com/a?x=1&token=abc"), cfg)
	k2 := mustKey(t, makeRequest("GET", "http://example.com/a?x=1&token=xyz"), cfg)
	k3 := mustKey(t, makeRequest("GET", "http://example.com/a?x=1"), cfg)
	if k1 != k2 || k1 != k3 {
		t.Fatal("ignored parameter still affects the key")
	}
}

func TestMatchHeaders(t *testing.T) {
	withHeader := func(name, value string) *record.Request {
		req := makeRequest("GET", "http://example.com/a")
		req.Header.Set(name, value)
		return req
	}

	// headers do not participate by default
	none := Config{}
	if mustKey(t, withHeader("Accept", "text/html"), none) != mustKey(t, withHeader("Accept", "application/json"), none) {
		t.Fatal("header affected key without match_headers")
	}

	matched := Config{MatchHeaders: []string{"accept"}}
	if mustKey(t, withHeader("Accept", "text/html"), matched) == mustKey(t, withHeader("Accept", "application/json"), matched) {
		t.Fatal("matched header did not affect key")
	}

	all := Config{MatchAllHeaders: true}
	if mustKey(t, withHeader("X-Custom", "1"), all) == mustKey(t, withHeader("X-Custom", "2"), all) {
		t.Fatal("match-all did not include custom header")
	}
}

func TestDuplicateHeaderOrderIsFixed(t *testing.T) {
	cfg := Config{MatchHeaders: []string{"Accept"}}
	req := makeRequest("GET", "http://example.com/a")
	req.Header.Add("Accept", "text/html")
	req.Header.Add("Accept", "application/json")
	k1 := mustKey(t, req, cfg)

	swapped := makeRequest("GET", "http://example.com/a")
	swapped.Header.Add("Accept", "application/json")
	swapped.Header.Add("Accept", "text/html")
	if k1 == mustKey(t, swapped, cfg) {
		t.Fatal("duplicate header value order should participate in the key")
	}
}

func TestIncludeBody(t *testing.T) {
	withBody := func(body string) *record.Request {
		req := makeRequest("POST", "http://example.com/submit")
		req.Body = []byte(body)
		return req
	}
	excluded := Config{}
	if mustKey(t, withBody("a=1"), excluded) != mustKey(t, withBody("a=2"), excluded) {
		t.Fatal("body affected key without include_body")
	}
	included := Config{IncludeBody: true}
	if mustKey(t, withBody("a=1"), included) == mustKey(t, withBody("a=2"), included) {
		t.Fatal("body did not affect key with include_body")
	}
}

func TestFormBodyIgnoredParams(t *testing.T) {
	cfg := Config{IncludeBody: true, IgnoredParams: []string{"token"}}
	withForm := func(body string) *record.Request {
		req := makeRequest("POST", "http://example.com/submit")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Body = []byte(body)
		return req
	}
	if mustKey(t, withForm("a=1&token=x"), cfg) != mustKey(t, withForm("token=y&a=1"), cfg) {
		t.Fatal("ignored form parameter still affects the key")
	}
}

func TestRawBodyHashedAsBytes(t *testing.T) {
	cfg := Config{IncludeBody: true}
	req := makeRequest("POST", "http://example.com/submit")
	req.Body = []byte{0xff, 0xfe, 0x00, 0x01} // not valid UTF-8, must not error
	if _, err := ComputeKey(req, cfg); err != nil {
		t.Fatalf("raw bytes should hash cleanly: %v", err)
	}
}

func TestUnparsableURL(t *testing.T) {
	req := makeRequest("GET", "http://exa mple.com/%zz")
	if _, err := ComputeKey(req, Config{}); err == nil {
		t.Fatal("expected key generation error")
	}
}
