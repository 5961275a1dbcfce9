package recache

import (
	"net/http"

	record "github.com/recache/recache/pkg/response-record"
)

// RoundTripper adapts the cache to http.RoundTripper, so it drops into any
// http.Client:
//
//	client := &http.Client{Transport: cache.RoundTripper()}
func (c *Cache) RoundTripper() http.RoundTripper {
	return roundTripper{c}
}

type roundTripper struct {
	c *Cache
}

func (rt roundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	req, err := record.FromHTTPRequest(r)
	if err != nil {
		return nil, err
	}
	rec, err := rt.c.Do(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return rec.Response(r), nil
}
