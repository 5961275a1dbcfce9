package policy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheControl holds the parsed directives of one or more Cache-Control
// header lines. Directive names are compared case-insensitively; arguments
// accept both token and quoted-string syntax. When a directive appears more
// than once, the last occurrence wins.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses Cache-Control header values (one entry per
// header line) into a CacheControl.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(parts[0])
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(parts[1], "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.directives[directive]
	return ok
}

// seconds parses a directive argument as a non-negative integer number of
// seconds. Negative or unparseable arguments report false, never an error:
// an invalid directive falls through the precedence chain.
func (c CacheControl) seconds(directive string) (time.Duration, bool) {
	arg, ok := c.directives[directive]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// MaxAge returns the max-age directive value, if present and valid.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.seconds("max-age")
}

// StaleWhileRevalidate returns the stale-while-revalidate window, if any.
func (c CacheControl) StaleWhileRevalidate() (time.Duration, bool) {
	return c.seconds("stale-while-revalidate")
}

// StaleIfError returns the stale-if-error window, if any.
func (c CacheControl) StaleIfError() (time.Duration, bool) {
	return c.seconds("stale-if-error")
}

// expiresLifetime derives a freshness lifetime from the Expires header,
// relative to the response's own Date header when present (reduces clock
// skew, same approach as RFC 9111 §4.2.1).
func expiresLifetime(header http.Header, now time.Time) (time.Duration, bool) {
	expires, err := http.ParseTime(header.Get("Expires"))
	if err != nil {
		return 0, false
	}
	base := now
	if date, err := http.ParseTime(header.Get("Date")); err == nil {
		base = date
	}
	lifetime := expires.Sub(base)
	if lifetime < 0 {
		lifetime = 0
	}
	return lifetime, true
}
