// Package cache provides the storage backend contract of the response
// cache, plus one concrete variant per supported store. The controller
// depends only on the Backend interface; variants are substitutable.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps storage I/O failures so callers can distinguish a
// broken backend from an ordinary miss with errors.Is.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Backend is the uniform storage contract implemented by every variant.
//
// Implementations must be safe for concurrent use. Concurrent Set calls to
// the same key follow last-write-wins semantics; values are never merged.
// A Get must return stored bytes even past their expiration time - expiry
// policy is the caller's concern, DeleteExpired is the reclamation path.
type Backend interface {
	// Get returns the stored value for key, and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A zero expires means no expiration is
	// tracked for the entry.
	Set(ctx context.Context, key string, value []byte, expires time.Time) error
	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
	// Contains reports whether key exists.
	Contains(ctx context.Context, key string) (bool, error)
	// Keys streams all stored keys to fn until it returns false.
	Keys(ctx context.Context, fn func(key string) bool) error
	// Values streams all stored values to fn until it returns false.
	Values(ctx context.Context, fn func(value []byte) bool) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
	// DeleteExpired removes exactly the entries whose expiration time lies
	// before now, returning how many were removed. Variants backed by a
	// store with native expiry may have nothing to do here.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Close releases the underlying store handle.
	Close() error
}
