// Package policy reconciles user cache configuration with HTTP caching
// semantics. It computes, per entry, an expiration time and a revalidation
// strategy from the configured TTLs, per-URL rules, and response headers,
// and classifies stored entries on read.
package policy

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	record "github.com/recache/recache/pkg/response-record"
)

// State is the validity state of a cache entry.
type State int

const (
	// StateNoExpiration marks an entry with no expiration tracked.
	StateNoExpiration State = iota
	// StateFresh marks an entry whose expiration lies in the future.
	StateFresh
	// StateStaleUsable marks an expired entry still within its
	// stale-while-revalidate window.
	StateStaleUsable
	// StateExpired marks an entry past expiration and any stale budget.
	StateExpired
	// StateInvalid marks a response that must never be persisted.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateNoExpiration:
		return "no-expiration"
	case StateFresh:
		return "fresh"
	case StateStaleUsable:
		return "stale-usable"
	case StateExpired:
		return "expired"
	case StateInvalid:
		return "invalid"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DoNotCache is a TTL sentinel that refuses caching entirely, usable as a
// rule TTL or per-request override. A zero TTL means "store without
// tracking expiration".
const DoNotCache = time.Duration(-1)

// Rule binds a URL glob pattern to a TTL. Patterns are matched against the
// URL with its scheme stripped, `*` matches any run of characters, and a
// trailing wildcard is implied, so "example.com/api" covers the whole
// subtree and "example.com/*/1" matches one intermediate segment or more.
type Rule struct {
	Pattern string
	TTL     time.Duration
}

// Settings configures the policy engine.
type Settings struct {
	// DefaultTTL applies when neither an override, response headers, nor a
	// rule provide an expiration. Zero stores entries without expiration.
	DefaultTTL time.Duration
	// Rules is a first-match-wins per-URL TTL table.
	Rules []Rule
}

// Decision is the outcome of evaluating a fetched response.
type Decision struct {
	State State
	// Expires is the computed absolute expiration, nil when none is tracked.
	Expires *time.Time
	// MustRevalidate forces revalidation before any cache hit is served,
	// set by a response no-cache directive.
	MustRevalidate bool
	// Stale budgets from the response, used on later reads.
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
}

type compiledRule struct {
	re  *regexp.Regexp
	ttl time.Duration
}

// Policy is a compiled, immutable policy engine. Rule patterns are compiled
// once at construction, not per call.
type Policy struct {
	defaultTTL time.Duration
	rules      []compiledRule
}

// New compiles the settings into a Policy.
func New(settings Settings) (*Policy, error) {
	p := &Policy{defaultTTL: settings.DefaultTTL}
	for _, rule := range settings.Rules {
		re, err := compilePattern(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: bad rule pattern %q: %w", rule.Pattern, err)
		}
		p.rules = append(p.rules, compiledRule{re: re, ttl: rule.TTL})
	}
	return p, nil
}

// compilePattern translates a URL glob into an anchored regexp. The scheme
// is stripped and a trailing wildcard implied, so a bare prefix covers its
// whole subtree.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if i := strings.Index(pattern, "://"); i >= 0 {
		pattern = pattern[i+3:]
	}
	pattern = strings.TrimRight(pattern, "*")
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + ".*$")
}

// ruleTTL returns the TTL of the first matching rule.
func (p *Policy) ruleTTL(url string) (time.Duration, bool) {
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
	}
	for _, rule := range p.rules {
		if rule.re.MatchString(url) {
			return rule.ttl, true
		}
	}
	return 0, false
}

// Evaluate computes the expiration decision for a freshly fetched response.
//
// Expiration sources in precedence order: the per-request override, the
// response's max-age directive or Expires header, the first matching URL
// rule, then the default TTL. A response no-store directive always yields
// StateInvalid and no-cache always forces revalidation, both regardless of
// any longer-lived override or rule.
func (p *Policy) Evaluate(override *time.Duration, url string, header http.Header, now time.Time) Decision {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	d := Decision{}
	if swr, ok := cc.StaleWhileRevalidate(); ok {
		d.StaleWhileRevalidate = swr
	}
	if sie, ok := cc.StaleIfError(); ok {
		d.StaleIfError = sie
	}

	if cc.Has("no-store") {
		d.State = StateInvalid
		return d
	}
	d.MustRevalidate = cc.Has("no-cache")

	ttl, tracked := p.resolveTTL(override, cc, header, url, now)
	if ttl == DoNotCache {
		d.State = StateInvalid
		return d
	}
	if cc.Has("immutable") || !tracked {
		d.State = StateNoExpiration
		return d
	}
	expires := now.Add(ttl)
	d.Expires = &expires
	d.State = StateFresh
	if !now.Before(expires) {
		d.State = StateExpired
	}
	return d
}

// resolveTTL walks the precedence chain. The second return value reports
// whether any source produced an expiration to track.
func (p *Policy) resolveTTL(override *time.Duration, cc CacheControl, header http.Header, url string, now time.Time) (time.Duration, bool) {
	if override != nil {
		if *override == DoNotCache {
			return DoNotCache, true
		}
		return *override, *override != 0
	}
	if ttl, ok := cc.MaxAge(); ok {
		return ttl, true
	}
	if ttl, ok := expiresLifetime(header, now); ok {
		return ttl, true
	}
	if ttl, ok := p.ruleTTL(url); ok {
		if ttl == DoNotCache {
			return DoNotCache, true
		}
		return ttl, ttl != 0
	}
	return p.defaultTTL, p.defaultTTL != 0
}

// ReadState classifies a stored record at read time.
func (p *Policy) ReadState(rec *record.Record, now time.Time) State {
	if rec.Expires == nil {
		return StateNoExpiration
	}
	if now.Before(*rec.Expires) {
		return StateFresh
	}
	cc := ParseCacheControl(rec.Header.Values("Cache-Control"))
	if swr, ok := cc.StaleWhileRevalidate(); ok && now.Before(rec.Expires.Add(swr)) {
		return StateStaleUsable
	}
	return StateExpired
}

// StaleIfErrorUsable reports whether a record may be served as a fallback
// after a transport failure, per its stale-if-error budget.
func (p *Policy) StaleIfErrorUsable(rec *record.Record, now time.Time) bool {
	if rec.Expires == nil || now.Before(*rec.Expires) {
		return true
	}
	cc := ParseCacheControl(rec.Header.Values("Cache-Control"))
	sie, ok := cc.StaleIfError()
	return ok && now.Before(rec.Expires.Add(sie))
}

// MustRevalidate reports whether a stored record has to be revalidated
// before being served, regardless of freshness.
func (p *Policy) MustRevalidate(rec *record.Record) bool {
	cc := ParseCacheControl(rec.Header.Values("Cache-Control"))
	return cc.Has("no-cache")
}
