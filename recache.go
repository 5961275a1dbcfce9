// Package recache is a transparent HTTP response cache. It sits between a
// caller and an origin (as a plain API or as an http.RoundTripper), keys
// requests deterministically, stores responses in a pluggable backend, and
// serves, revalidates, or refetches them according to response headers and
// configured TTL rules.
package recache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/recache/recache/cache"
	cachekey "github.com/recache/recache/pkg/cache-key"
	policy "github.com/recache/recache/pkg/cache-policy"
	record "github.com/recache/recache/pkg/response-record"
	serializer "github.com/recache/recache/pkg/response-serializer"
)

const defaultMaxRedirects = 10

type Config struct {
	// Storage for cache entries. Required.
	Backend cache.Backend
	// Serializer for stored entries. Defaults to plain msgpack.
	Serializer *serializer.Serializer
	// Keyer controls which request parts participate in cache keys.
	Keyer cachekey.Config
	// Policy holds the default TTL and per-URL rules.
	Policy policy.Settings
	// Transport performs origin fetches. Defaults to an HTTP transport
	// that does not follow redirects.
	Transport Transport
	// Methods that may be served from cache. Defaults to GET and HEAD.
	Methods []string
	// StoreUnsafe records responses to non-cacheable methods without ever
	// serving them from cache.
	StoreUnsafe bool
	// OnBackendError selects between failing the request and degrading to
	// an uncached fetch when storage is unavailable.
	OnBackendError BackendErrorMode
	// MaxRedirects bounds cached redirect chains. Defaults to 10.
	MaxRedirects int
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
}

// Cache is the controller handle. Safe for concurrent use; all state
// beyond the backend handle is immutable after New.
type Cache struct {
	backend        cache.Backend
	ser            *serializer.Serializer
	keyer          cachekey.Config
	policy         *policy.Policy
	transport      Transport
	methods        map[string]bool
	storeUnsafe    bool
	onBackendError BackendErrorMode
	maxRedirects   int
	log            zerolog.Logger
	group          singleflight.Group
}

// New builds a controller from the config.
func New(config Config) (*Cache, error) {
	if config.Backend == nil {
		return nil, errors.New("recache: config needs a backend")
	}
	pol, err := policy.New(config.Policy)
	if err != nil {
		return nil, err
	}
	ser := config.Serializer
	if ser == nil {
		ser, err = serializer.New(serializer.FormatMsgpack)
		if err != nil {
			return nil, err
		}
	}
	transport := config.Transport
	if transport == nil {
		transport = NewHTTPTransport()
	}
	methods := config.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead}
	}
	readable := make(map[string]bool, len(methods))
	for _, m := range methods {
		readable[strings.ToUpper(m)] = true
	}
	maxRedirects := config.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = defaultMaxRedirects
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Cache{
		backend:        config.Backend,
		ser:            ser,
		keyer:          config.Keyer,
		policy:         pol,
		transport:      transport,
		methods:        readable,
		storeUnsafe:    config.StoreUnsafe,
		onBackendError: config.OnBackendError,
		maxRedirects:   maxRedirects,
		log:            logger,
	}, nil
}

type requestOptions struct {
	ttl *time.Duration
}

// RequestOption adjusts a single Do call.
type RequestOption func(*requestOptions)

// WithTTL overrides every other expiration source for this request.
// Use policy.DoNotCache to skip storing entirely.
func WithTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) { o.ttl = &ttl }
}

// Do serves the request from cache when possible, fetching, revalidating,
// or passing through as the entry state and configuration dictate.
func (c *Cache) Do(ctx context.Context, req *record.Request, opts ...RequestOption) (*record.Record, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !c.methods[strings.ToUpper(req.Method)] {
		return c.passThrough(ctx, req, o.ttl)
	}

	key, err := cachekey.ComputeKey(req, c.keyer)
	if err != nil {
		return nil, err
	}
	log := c.log.With().Str("key", shortKey(key)).Str("url", req.URL).Logger()

	rec, found, err := c.lookup(ctx, key)
	if err == nil && found && rec.IsRedirect() {
		rec, found, err = c.resolveRedirects(ctx, key, rec)
	}
	if err != nil {
		if errors.Is(err, ErrRedirectLoop) || c.onBackendError == BackendErrorFail {
			return nil, err
		}
		log.Warn().Err(err).Msg("backend unavailable, passing through")
		return c.transport.Send(ctx, req)
	}
	if !found {
		log.Debug().Msg("miss")
		resp, err := c.transport.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.storeFetched(ctx, key, req, resp, o.ttl)
	}

	now := time.Now()
	state := c.policy.ReadState(rec, now)
	switch {
	case c.policy.MustRevalidate(rec):
		log.Debug().Msg("revalidation required")
		return c.revalidate(ctx, key, req, rec, o.ttl)
	case state == policy.StateNoExpiration || state == policy.StateFresh:
		log.Debug().Str("state", state.String()).Msg("hit")
		return rec, nil
	case state == policy.StateStaleUsable:
		log.Debug().Msg("serving stale, revalidating in background")
		c.revalidateAsync(key, req, o.ttl)
		return rec, nil
	default:
		log.Debug().Msg("expired")
		return c.revalidate(ctx, key, req, rec, o.ttl)
	}
}

// passThrough forwards a non-cacheable-method request. With StoreUnsafe the
// response is still recorded, it just never serves a later read directly.
func (c *Cache) passThrough(ctx context.Context, req *record.Request, ttl *time.Duration) (*record.Record, error) {
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if c.storeUnsafe {
		if key, err := cachekey.ComputeKey(req, c.keyer); err == nil {
			d := c.policy.Evaluate(ttl, resp.URL, resp.Header, time.Now())
			if d.State != policy.StateInvalid {
				resp.Expires = d.Expires
				if err := c.put(ctx, key, resp, d); err != nil {
					return nil, err
				}
			}
		}
	}
	return resp, nil
}

// lookup loads and decodes the entry for key. Undecodable or tampered
// entries are dropped and reported as absent; trusting them is never an
// option, refetching is.
func (c *Cache) lookup(ctx context.Context, key string) (*record.Record, bool, error) {
	b, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	rec, err := c.ser.Decode(b)
	if err != nil {
		c.log.Warn().Err(err).Str("key", shortKey(key)).Msg("dropping undecodable entry")
		if delErr := c.backend.Delete(ctx, key); delErr != nil {
			c.log.Warn().Err(delErr).Str("key", shortKey(key)).Msg("delete failed")
		}
		return nil, false, nil
	}
	return rec, true, nil
}

// resolveRedirects follows a chain of redirect shells to its terminal
// record. A broken chain reads as a miss; a cycle or an over-long chain is
// ErrRedirectLoop.
func (c *Cache) resolveRedirects(ctx context.Context, key string, rec *record.Record) (*record.Record, bool, error) {
	visited := map[string]bool{key: true}
	for hops := 0; rec.IsRedirect(); hops++ {
		if hops >= c.maxRedirects || visited[rec.RedirectTo] {
			return nil, false, ErrRedirectLoop
		}
		visited[rec.RedirectTo] = true
		next, ok, err := c.lookup(ctx, rec.RedirectTo)
		if err != nil || !ok {
			return nil, false, err
		}
		rec = next
	}
	return rec, true, nil
}

// storeFetched runs the expiration policy over a fetched response and
// stores it, following redirect hops first. Each hop is stored as a shell
// pointing at the terminal key; the terminal record is written before its
// shells so a reader never finds a dangling chain.
func (c *Cache) storeFetched(ctx context.Context, key string, req *record.Request, resp *record.Record, ttl *time.Duration) (*record.Record, error) {
	type hop struct {
		key string
		rec *record.Record
	}
	var hops []hop
	for location := redirectLocation(resp); location != ""; location = redirectLocation(resp) {
		if len(hops) >= c.maxRedirects {
			return nil, fmt.Errorf("%w: more than %d hops fetching %s", ErrRedirectLoop, c.maxRedirects, req.URL)
		}
		hops = append(hops, hop{key: key, rec: resp})
		next := req.Clone()
		next.URL = location
		nextKey, err := cachekey.ComputeKey(next, c.keyer)
		if err != nil {
			return nil, err
		}
		resp, err = c.transport.Send(ctx, next)
		if err != nil {
			return nil, err
		}
		key, req = nextKey, next
	}

	now := time.Now()
	d := c.policy.Evaluate(ttl, resp.URL, resp.Header, now)
	if d.State == policy.StateInvalid {
		// a no-store response also retires whatever was cached before
		c.discard(ctx, key)
		for _, h := range hops {
			c.discard(ctx, h.key)
		}
		return resp, nil
	}
	resp.Expires = d.Expires
	if err := c.put(ctx, key, resp, d); err != nil {
		return nil, err
	}
	for _, h := range hops {
		h.rec.RedirectTo = key
		h.rec.Body = nil
		h.rec.Expires = d.Expires
		if err := c.put(ctx, h.key, h.rec, d); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// redirectLocation returns the absolute redirect target of a response, or
// "" when the response is not a followable redirect.
func redirectLocation(rec *record.Record) string {
	switch rec.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return ""
	}
	location := rec.Header.Get("Location")
	if location == "" {
		return ""
	}
	base, err := url.Parse(rec.URL)
	if err != nil {
		return ""
	}
	target, err := base.Parse(location)
	if err != nil {
		return ""
	}
	return target.String()
}

// revalidate refreshes a stale entry with a conditional request. A 304
// updates only the headers and expiration; a full response overwrites the
// entry; a transport failure falls back to the stale record when its
// stale-if-error budget allows.
func (c *Cache) revalidate(ctx context.Context, key string, req *record.Request, stale *record.Record, ttl *time.Duration) (*record.Record, error) {
	cond := req.Clone()
	if stale.ETag != "" {
		cond.Header.Set("If-None-Match", stale.ETag)
	}
	if stale.LastModified != "" {
		cond.Header.Set("If-Modified-Since", stale.LastModified)
	}
	resp, err := c.transport.Send(ctx, cond)
	if err != nil {
		if c.policy.StaleIfErrorUsable(stale, time.Now()) {
			c.log.Warn().Err(err).Str("key", shortKey(key)).Msg("origin failed, serving stale")
			return stale, nil
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusNotModified {
		return c.storeFetched(ctx, key, req, resp, ttl)
	}

	refreshed := refresh(stale, resp)
	now := time.Now()
	d := c.policy.Evaluate(ttl, refreshed.URL, refreshed.Header, now)
	if d.State == policy.StateInvalid {
		c.discard(ctx, key)
		return refreshed, nil
	}
	refreshed.Expires = d.Expires
	refreshed.CreatedAt = now
	if err := c.put(ctx, key, refreshed, d); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// refresh merges the headers of a 304 into the stored record, keeping the
// cached status and body.
func refresh(stale *record.Record, notModified *record.Record) *record.Record {
	refreshed := *stale
	refreshed.Header = stale.Header.Clone()
	for name, values := range notModified.Header {
		refreshed.Header[name] = values
	}
	if etag := refreshed.Header.Get("ETag"); etag != "" {
		refreshed.ETag = etag
	}
	if lm := refreshed.Header.Get("Last-Modified"); lm != "" {
		refreshed.LastModified = lm
	}
	return &refreshed
}

// revalidateAsync refreshes an entry off the request path. Concurrent
// refreshes of the same key collapse into one origin call.
func (c *Cache) revalidateAsync(key string, req *record.Request, ttl *time.Duration) {
	cloned := req.Clone()
	go c.group.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stale, ok, err := c.lookup(ctx, key)
		if err != nil || !ok {
			return nil, err
		}
		if _, err := c.revalidate(ctx, key, cloned, stale, ttl); err != nil {
			c.log.Warn().Err(err).Str("key", shortKey(key)).Msg("background revalidation failed")
			return nil, err
		}
		return nil, nil
	})
}

// put encodes and stores a record. The backend expiration is padded with
// the record's stale budgets so usable-stale entries are not reclaimed
// before their grace windows close.
func (c *Cache) put(ctx context.Context, key string, rec *record.Record, d policy.Decision) error {
	b, err := c.ser.Encode(rec)
	if err != nil {
		return err
	}
	var retain time.Time
	if rec.Expires != nil {
		grace := d.StaleWhileRevalidate
		if d.StaleIfError > grace {
			grace = d.StaleIfError
		}
		retain = rec.Expires.Add(grace)
	}
	if err := c.backend.Set(ctx, key, b, retain); err != nil {
		if c.onBackendError == BackendErrorFail {
			return err
		}
		c.log.Warn().Err(err).Str("key", shortKey(key)).Msg("store failed, response served uncached")
	}
	return nil
}

func (c *Cache) discard(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.log.Warn().Err(err).Str("key", shortKey(key)).Msg("delete failed")
	}
}

// Invalidate removes the entry the request maps to.
func (c *Cache) Invalidate(ctx context.Context, req *record.Request) error {
	key, err := cachekey.ComputeKey(req, c.keyer)
	if err != nil {
		return err
	}
	return c.backend.Delete(ctx, key)
}

// InvalidateURL removes the entry for a bare method + URL request.
func (c *Cache) InvalidateURL(ctx context.Context, method, rawURL string) error {
	return c.Invalidate(ctx, &record.Request{Method: method, URL: rawURL, Header: http.Header{}})
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

// Count returns the number of stored entries.
func (c *Cache) Count(ctx context.Context) (int, error) {
	return c.backend.Count(ctx)
}

// DeleteExpired reclaims entries whose retention window has passed.
func (c *Cache) DeleteExpired(ctx context.Context) (int, error) {
	return c.backend.DeleteExpired(ctx, time.Now())
}

// Close releases the backend handle.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
