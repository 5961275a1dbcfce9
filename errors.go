package recache

import "errors"

// ErrRedirectLoop is returned when resolving a cached redirect chain
// exceeds the configured hop limit or revisits a key. Always surfaced,
// never degraded to a miss.
var ErrRedirectLoop = errors.New("recache: redirect loop")

// BackendErrorMode selects how the controller reacts to storage failures.
type BackendErrorMode int

const (
	// BackendErrorFail propagates storage failures to the caller.
	BackendErrorFail BackendErrorMode = iota
	// BackendErrorPassThrough degrades the request to an uncached fetch:
	// the response is returned to the caller and nothing is stored.
	BackendErrorPassThrough
)
