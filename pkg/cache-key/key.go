// Package cachekey derives deterministic cache keys from request snapshots.
//
// Keys are hex-encoded SHA-256 digests of a canonical encoding of the
// request, so they are stable across processes and machines. Two requests
// that are equivalent under the active normalization config always map to
// the same key.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"sort"
	"strings"

	record "github.com/recache/recache/pkg/response-record"
)

// ErrKeyGeneration is returned when a key cannot be derived from a request,
// e.g. because its URL cannot be parsed.
var ErrKeyGeneration = errors.New("cachekey: cannot derive key from request")

// Config controls which parts of a request participate in its cache key.
// The zero value ignores all headers, keeps all parameters, and excludes
// request bodies.
type Config struct {
	// IgnoredParams are query (and form body) parameter names stripped
	// before hashing, so e.g. auth tokens do not fragment the cache.
	IgnoredParams []string
	// MatchHeaders lists the headers that participate in the key.
	// Empty means no headers participate.
	MatchHeaders []string
	// MatchAllHeaders makes every request header participate in the key,
	// overriding MatchHeaders.
	MatchAllHeaders bool
	// IncludeBody makes the request body (e.g. for POST/PUT) affect the key.
	IncludeBody bool
}

// ComputeKey derives the cache key for a request. It is pure and
// deterministic: the same request and config always produce the same key.
func ComputeKey(req *record.Request, cfg Config) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	normalizeURL(u)
	query := canonicalQuery(u.Query(), cfg.IgnoredParams)
	u.RawQuery = ""

	h := sha256.New()
	writeLine(h, strings.ToUpper(req.Method))
	writeLine(h, u.String())
	writeLine(h, query)
	writeLine(h, canonicalHeaders(req.Header, cfg))
	if cfg.IncludeBody && len(req.Body) > 0 {
		h.Write(bodyDigest(req, cfg.IgnoredParams))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeLine(h hash.Hash, s string) {
	h.Write([]byte(s))
	h.Write([]byte{'\n'})
}

// normalizeURL applies the canonical URL normalization rules: case-folded
// scheme and host, default ports stripped, trailing slash and fragment
// dropped.
func normalizeURL(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch u.Scheme {
	case "http":
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case "https":
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "/" {
		u.Path = ""
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.Fragment = ""
	u.RawFragment = ""
}

// canonicalQuery encodes query parameters sorted by name, with ignored
// parameters removed. Multiple values for a name keep their original order.
func canonicalQuery(values url.Values, ignored []string) string {
	for _, name := range ignored {
		values.Del(name)
	}
	// url.Values.Encode sorts by name and preserves per-name value order
	return values.Encode()
}

// canonicalHeaders renders the participating headers as sorted
// "name:v1,v2" lines. Duplicate values are concatenated in received order.
func canonicalHeaders(header http.Header, cfg Config) string {
	if len(header) == 0 || (!cfg.MatchAllHeaders && len(cfg.MatchHeaders) == 0) {
		return ""
	}
	var names []string
	if cfg.MatchAllHeaders {
		for name := range header {
			names = append(names, name)
		}
	} else {
		names = cfg.MatchHeaders
	}
	lines := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		canonical := http.CanonicalHeaderKey(name)
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		if values := header.Values(canonical); len(values) > 0 {
			lines = append(lines, strings.ToLower(canonical)+":"+strings.Join(values, ","))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// bodyDigest hashes the request body. Form-encoded bodies have ignored
// parameters stripped and are re-encoded canonically first; all other
// bodies are hashed as raw bytes, never decoded.
func bodyDigest(req *record.Request, ignored []string) []byte {
	body := req.Body
	if len(ignored) > 0 && isFormEncoded(req.Header) {
		if values, err := url.ParseQuery(string(body)); err == nil {
			body = []byte(canonicalQuery(values, ignored))
		}
	}
	sum := sha256.Sum256(body)
	return sum[:]
}

func isFormEncoded(header http.Header) bool {
	return strings.HasPrefix(header.Get("Content-Type"), "application/x-www-form-urlencoded")
}
