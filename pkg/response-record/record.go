package record

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// Request is an immutable snapshot of an outgoing HTTP request: everything
// needed to derive a cache key and to replay the request against a transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body holds the raw request body, or nil if there is none.
	Body []byte
}

// FromHTTPRequest captures an *http.Request into a Request snapshot.
// The request body (if any) is read in full and rewound so the original
// request stays usable.
func FromHTTPRequest(r *http.Request) (*Request, error) {
	req := &Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) > 0 {
			req.Body = body
		}
	}
	return req, nil
}

// Clone returns a deep copy suitable for mutation (e.g. adding validation
// headers) without touching the captured original.
func (r *Request) Clone() *Request {
	c := &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// Record is the cached representation of an HTTP response.
// Updates always replace the whole record; there are no partial updates.
type Record struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	// URL is the final resolved URL the response was served from.
	URL     string
	Elapsed time.Duration
	// CreatedAt is when the record was created or last revalidated.
	CreatedAt time.Time
	// Expires is the absolute expiration time, or nil if no expiration
	// is tracked for this record.
	Expires *time.Time
	// Validators for conditional revalidation.
	ETag         string
	LastModified string
	// RedirectTo is set when this record is a redirect shell: it holds the
	// cache key of the terminal record the redirect resolves to.
	RedirectTo string
}

// IsExpired reports whether the record is past its expiration time.
// Records without a tracked expiration never expire.
func (r *Record) IsExpired(now time.Time) bool {
	return r.Expires != nil && !now.Before(*r.Expires)
}

// TTL returns the time until expiration, or zero if the record has no
// expiration or is already expired.
func (r *Record) TTL(now time.Time) time.Duration {
	if r.Expires == nil || r.IsExpired(now) {
		return 0
	}
	return r.Expires.Sub(now)
}

// IsRedirect reports whether the record is a redirect shell pointing at
// another cache key.
func (r *Record) IsRedirect() bool {
	return r.RedirectTo != ""
}

// HasValidator reports whether the record carries revalidation metadata.
func (r *Record) HasValidator() bool {
	return r.ETag != "" || r.LastModified != ""
}

// Size returns the response body size in bytes.
func (r *Record) Size() int {
	return len(r.Body)
}

// Response materializes the record as an *http.Response for the given
// request. The body is backed by the record's byte slice.
func (r *Record) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode:    r.StatusCode,
		Status:        r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
