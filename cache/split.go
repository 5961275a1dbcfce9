package cache

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
)

// split storage constants. A pointer record is the magic followed by the
// blob's key; blobs live next to their pointer under a reserved suffix.
var splitMagic = []byte("recache:ptr\x00")

const blobSuffix = "!blob"

// Split wraps another backend and transparently offloads values above a
// size threshold into a separate blob entry, keeping only a small pointer
// record under the original key. Useful over stores with item size limits.
//
// The split never leaks to callers: Get resolves pointers, and
// Keys/Values/Count skip blob rows. The blob is written before its pointer
// and the pointer deleted before its blob, so a pointer to a missing blob
// can only mean corruption and is reported as an error, never an empty hit.
type Split struct {
	inner     Backend
	threshold int
}

// NewSplit wraps inner, offloading values larger than threshold bytes.
func NewSplit(inner Backend, threshold int) *Split {
	return &Split{inner: inner, threshold: threshold}
}

func isBlobKey(key string) bool {
	return strings.HasSuffix(key, blobSuffix)
}

func isPointer(value []byte) bool {
	return bytes.HasPrefix(value, splitMagic)
}

func (s *Split) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !isPointer(value) {
		return value, true, nil
	}
	blobKey := string(value[len(splitMagic):])
	blob, ok, err := s.inner.Get(ctx, blobKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: pointer for %q has no blob", ErrUnavailable, key)
	}
	return blob, true, nil
}

func (s *Split) Set(ctx context.Context, key string, value []byte, expires time.Time) error {
	blobKey := key + blobSuffix
	if len(value) <= s.threshold {
		if err := s.inner.Set(ctx, key, value, expires); err != nil {
			return err
		}
		// drop a blob left over from an earlier oversized value
		return s.inner.Delete(ctx, blobKey)
	}
	// blob first, pointer second: a reader never sees a dangling pointer
	if err := s.inner.Set(ctx, blobKey, value, expires); err != nil {
		return err
	}
	pointer := append(append([]byte(nil), splitMagic...), blobKey...)
	return s.inner.Set(ctx, key, pointer, expires)
}

func (s *Split) Delete(ctx context.Context, key string) error {
	// pointer first, blob second: an interrupted delete orphans at most a
	// blob, never a pointer to nothing
	if err := s.inner.Delete(ctx, key); err != nil {
		return err
	}
	return s.inner.Delete(ctx, key+blobSuffix)
}

func (s *Split) Contains(ctx context.Context, key string) (bool, error) {
	if isBlobKey(key) {
		return false, nil
	}
	return s.inner.Contains(ctx, key)
}

func (s *Split) Keys(ctx context.Context, fn func(string) bool) error {
	return s.inner.Keys(ctx, func(key string) bool {
		if isBlobKey(key) {
			return true
		}
		return fn(key)
	})
}

func (s *Split) Values(ctx context.Context, fn func([]byte) bool) error {
	// resolve pointers through Get so callers only ever see whole values
	return s.Keys(ctx, func(key string) bool {
		value, ok, err := s.Get(ctx, key)
		if err != nil || !ok {
			return true
		}
		return fn(value)
	})
}

func (s *Split) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

func (s *Split) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.Keys(ctx, func(string) bool {
		count++
		return true
	})
	return count, err
}

// DeleteExpired delegates to the inner backend. Pointer and blob share the
// same expiration, so both halves retire together; the returned count is of
// physical rows and may include blob rows.
func (s *Split) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return s.inner.DeleteExpired(ctx, now)
}

func (s *Split) Close() error {
	return s.inner.Close()
}
