package recache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	record "github.com/recache/recache/pkg/response-record"
)

// Transport performs the actual origin fetch for the cache. Implementations
// must not follow redirects: the cache stores each hop as its own entry.
type Transport interface {
	Send(ctx context.Context, req *record.Request) (*record.Record, error)
}

// HTTPTransport is the default Transport on net/http.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport that performs single requests
// without following redirects.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Send issues the request and captures the response as a record, stamping
// a Date header when the origin omits one.
func (t *HTTPTransport) Send(ctx context.Context, req *record.Request) (*record.Record, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for name, values := range req.Header {
		httpReq.Header[name] = values
	}

	start := time.Now()
	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	now := time.Now()

	header := resp.Header.Clone()
	if header.Get("Date") == "" {
		header.Set("Date", now.UTC().Format(http.TimeFormat))
	}
	return &record.Record{
		StatusCode:   resp.StatusCode,
		Status:       resp.Status,
		Header:       header,
		Body:         respBody,
		URL:          req.URL,
		Elapsed:      now.Sub(start),
		CreatedAt:    now,
		ETag:         header.Get("ETag"),
		LastModified: header.Get("Last-Modified"),
	}, nil
}
