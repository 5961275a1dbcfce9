package record

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestFromHTTPRequestRewindsBody(t *testing.T) {
	body := []byte("name=value")
	httpReq, err := http.NewRequest("POST", "http://example.com/submit", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}

	req, err := FromHTTPRequest(httpReq)
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Body) != "name=value" {
		t.Fatalf("captured body is %q", req.Body)
	}

	// the original request body must still be readable
	rewound, err := io.ReadAll(httpReq.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(rewound) != "name=value" {
		t.Fatalf("rewound body is %q", rewound)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	req := &Request{
		Method: "GET",
		URL:    "http://example.com",
		Header: http.Header{"Accept": {"text/html"}},
		Body:   []byte("abc"),
	}
	clone := req.Clone()
	clone.Header.Set("Accept", "application/json")
	clone.Body[0] = 'x'

	if req.Header.Get("Accept") != "text/html" {
		t.Fatalf("original header mutated: %q", req.Header.Get("Accept"))
	}
	if string(req.Body) != "abc" {
		t.Fatalf("original body mutated: %q", req.Body)
	}
}

func TestExpiration(t *testing.T) {
	now := time.Now()

	forever := &Record{}
	if forever.IsExpired(now) {
		t.Fatal("record without expiration reported expired")
	}
	if ttl := forever.TTL(now); ttl != 0 {
		t.Fatalf("TTL is %v", ttl)
	}

	future := now.Add(time.Minute)
	fresh := &Record{Expires: &future}
	if fresh.IsExpired(now) {
		t.Fatal("fresh record reported expired")
	}
	if ttl := fresh.TTL(now); ttl != time.Minute {
		t.Fatalf("TTL is %v", ttl)
	}

	past := now.Add(-time.Second)
	stale := &Record{Expires: &past}
	if !stale.IsExpired(now) {
		t.Fatal("stale record reported fresh")
	}
	if ttl := stale.TTL(now); ttl != 0 {
		t.Fatalf("stale TTL is %v", ttl)
	}
}

func TestHelpers(t *testing.T) {
	rec := &Record{RedirectTo: "abc123"}
	if !rec.IsRedirect() {
		t.Fatal("redirect shell not detected")
	}
	if (&Record{}).IsRedirect() {
		t.Fatal("plain record detected as redirect")
	}
	if !(&Record{ETag: `"v1"`}).HasValidator() {
		t.Fatal("ETag validator not detected")
	}
	if !(&Record{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}).HasValidator() {
		t.Fatal("Last-Modified validator not detected")
	}
	if (&Record{}).HasValidator() {
		t.Fatal("empty record has a validator")
	}
}

func TestResponseMaterialization(t *testing.T) {
	rec := &Record{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte("hello"),
	}
	httpReq, err := http.NewRequest("GET", "http://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp := rec.Response(httpReq)
	if resp.StatusCode != http.StatusOK || resp.ContentLength != 5 {
		t.Fatalf("status %d, length %d", resp.StatusCode, resp.ContentLength)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Fatalf("body is %q", body)
	}

	// mutating the materialized headers must not touch the record
	resp.Header.Set("Content-Type", "application/json")
	if ct := rec.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("record header mutated: %q", ct)
	}
}
