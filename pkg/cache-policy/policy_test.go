package policy

import (
	"net/http"
	"testing"
	"time"

	record "github.com/recache/recache/pkg/response-record"
)

func mustPolicy(t *testing.T, settings Settings) *Policy {
	t.Helper()
	p, err := New(settings)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func headerWith(pairs ...string) http.Header {
	h := make(http.Header)
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

func TestParseCacheControl(t *testing.T) {
	cc := ParseCacheControl([]string{"no-cache, max-age=60", `private, stale-if-error="30"`})
	if !cc.Has("no-cache") || !cc.Has("private") {
		t.Fatal("missing directives")
	}
	if ma, ok := cc.MaxAge(); !ok || ma != 60*time.Second {
		t.Fatalf("max-age = %v, %v", ma, ok)
	}
	if sie, ok := cc.StaleIfError(); !ok || sie != 30*time.Second {
		t.Fatalf("quoted stale-if-error = %v, %v", sie, ok)
	}
	if cc.Has("") {
		t.Fatal("empty directive parsed")
	}
}

func TestInvalidDirectivesFallThrough(t *testing.T) {
	for _, value := range []string{"max-age=-5", "max-age=abc", "max-age="} {
		cc := ParseCacheControl([]string{value})
		if _, ok := cc.MaxAge(); ok {
			t.Errorf("%q should not yield a max-age", value)
		}
	}
}

func TestEvaluateMaxAge(t *testing.T) {
	p := mustPolicy(t, Settings{})
	now := time.Now()
	d := p.Evaluate(nil, "http://example.com/a", headerWith("Cache-Control", "max-age=60"), now)
	if d.State != StateFresh || d.Expires == nil {
		t.Fatalf("state = %v", d.State)
	}
	if got := d.Expires.Sub(now); got != 60*time.Second {
		t.Fatalf("ttl = %v", got)
	}
}

func TestEvaluateNoStore(t *testing.T) {
	p := mustPolicy(t, Settings{DefaultTTL: time.Hour})
	override := 2 * time.Hour
	// no-store wins over any override or default
	d := p.Evaluate(&override, "http://example.com/a", headerWith("Cache-Control", "no-store"), time.Now())
	if d.State != StateInvalid {
		t.Fatalf("state = %v, want invalid", d.State)
	}
}

func TestEvaluateNoCacheForcesRevalidation(t *testing.T) {
	p := mustPolicy(t, Settings{DefaultTTL: time.Hour})
	d := p.Evaluate(nil, "http://example.com/a", headerWith("Cache-Control", "no-cache"), time.Now())
	if d.State == StateInvalid {
		t.Fatal("no-cache responses are stored, not invalid")
	}
	if !d.MustRevalidate {
		t.Fatal("no-cache must force revalidation")
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	p := mustPolicy(t, Settings{
		DefaultTTL: time.Hour,
		Rules:      []Rule{{Pattern: "example.com/api", TTL: 10 * time.Minute}},
	})
	now := time.Now()

	// override beats header and rule
	override := 5 * time.Second
	d := p.Evaluate(&override, "http://example.com/api/x", headerWith("Cache-Control", "max-age=60"), now)
	if got := d.Expires.Sub(now); got != 5*time.Second {
		t.Fatalf("override ttl = %v", got)
	}

	// header beats rule
	d = p.Evaluate(nil, "http://example.com/api/x", headerWith("Cache-Control", "max-age=60"), now)
	if got := d.Expires.Sub(now); got != 60*time.Second {
		t.Fatalf("header ttl = %v", got)
	}

	// rule beats default
	d = p.Evaluate(nil, "http://example.com/api/x", headerWith(), now)
	if got := d.Expires.Sub(now); got != 10*time.Minute {
		t.Fatalf("rule ttl = %v", got)
	}

	// default is the last resort
	d = p.Evaluate(nil, "http://example.com/other", headerWith(), now)
	if got := d.Expires.Sub(now); got != time.Hour {
		t.Fatalf("default ttl = %v", got)
	}
}

func TestEvaluateExpiresHeader(t *testing.T) {
	p := mustPolicy(t, Settings{})
	now := time.Now()
	h := headerWith(
		"Date", now.UTC().Format(http.TimeFormat),
		"Expires", now.UTC().Add(90*time.Second).Format(http.TimeFormat),
	)
	d := p.Evaluate(nil, "http://example.com/a", h, now)
	if d.Expires == nil {
		t.Fatal("Expires header ignored")
	}
	if got := d.Expires.Sub(now).Round(time.Second); got != 90*time.Second {
		t.Fatalf("ttl = %v", got)
	}
}

func TestEvaluateImmutable(t *testing.T) {
	p := mustPolicy(t, Settings{DefaultTTL: time.Minute})
	d := p.Evaluate(nil, "http://example.com/a", headerWith("Cache-Control", "immutable, max-age=60"), time.Now())
	if d.State != StateNoExpiration || d.Expires != nil {
		t.Fatalf("immutable should drop expiration, got %v", d.State)
	}
}

func TestEvaluateDoNotCacheRule(t *testing.T) {
	p := mustPolicy(t, Settings{
		DefaultTTL: time.Hour,
		Rules:      []Rule{{Pattern: "example.com/private", TTL: DoNotCache}},
	})
	d := p.Evaluate(nil, "https://example.com/private/x", headerWith(), time.Now())
	if d.State != StateInvalid {
		t.Fatalf("state = %v, want invalid", d.State)
	}
}

func TestEvaluateNoSourceMeansNoExpiration(t *testing.T) {
	p := mustPolicy(t, Settings{})
	d := p.Evaluate(nil, "http://example.com/a", headerWith(), time.Now())
	if d.State != StateNoExpiration || d.Expires != nil {
		t.Fatalf("state = %v", d.State)
	}
}

func TestRulePatterns(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		match   bool
	}{
		{"httpbin.org/delay", "https://httpbin.org/delay/1", true},
		{"httpbin.org/*/1", "https://httpbin.org/stream/1", true},
		{"httpbin.org/*/1", "https://httpbin.org/stream/2", false},
		{"*", "https://anything.example/x", true},
		{"https://example.com/a", "http://example.com/a/b", true},
	}
	for _, tt := range tests {
		p := mustPolicy(t, Settings{Rules: []Rule{{Pattern: tt.pattern, TTL: time.Minute}}})
		_, matched := p.ruleTTL(tt.url)
		if matched != tt.match {
			t.Errorf("pattern %q vs %q: match = %v, want %v", tt.pattern, tt.url, matched, tt.match)
		}
	}
}

func TestReadStateBoundaries(t *testing.T) {
	p := mustPolicy(t, Settings{})
	now := time.Now()

	rec := &record.Record{Header: make(http.Header)}
	if got := p.ReadState(rec, now); got != StateNoExpiration {
		t.Fatalf("state = %v", got)
	}

	future := now.Add(time.Second)
	rec.Expires = &future
	if got := p.ReadState(rec, now); got != StateFresh {
		t.Fatalf("expires_at = now+1s: state = %v, want fresh", got)
	}

	past := now.Add(-time.Second)
	rec.Expires = &past
	if got := p.ReadState(rec, now); got != StateExpired {
		t.Fatalf("expires_at = now-1s: state = %v, want expired", got)
	}
}

func TestReadStateStaleWhileRevalidate(t *testing.T) {
	p := mustPolicy(t, Settings{})
	now := time.Now()
	past := now.Add(-10 * time.Second)
	rec := &record.Record{
		Header:  headerWith("Cache-Control", "max-age=1, stale-while-revalidate=30"),
		Expires: &past,
	}
	if got := p.ReadState(rec, now); got != StateStaleUsable {
		t.Fatalf("state = %v, want stale-usable", got)
	}
	longPast := now.Add(-time.Minute)
	rec.Expires = &longPast
	if got := p.ReadState(rec, now); got != StateExpired {
		t.Fatalf("state = %v, want expired past the window", got)
	}
}

func TestStaleIfErrorUsable(t *testing.T) {
	p := mustPolicy(t, Settings{})
	now := time.Now()
	past := now.Add(-10 * time.Second)
	rec := &record.Record{
		Header:  headerWith("Cache-Control", "max-age=1, stale-if-error=30"),
		Expires: &past,
	}
	if !p.StaleIfErrorUsable(rec, now) {
		t.Fatal("within stale-if-error window")
	}
	rec.Header = headerWith("Cache-Control", "max-age=1")
	if p.StaleIfErrorUsable(rec, now) {
		t.Fatal("no stale-if-error budget")
	}
}
