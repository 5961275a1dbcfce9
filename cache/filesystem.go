package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Filesystem stores each entry as one file in a two-level fan-out tree
// under the root directory. Writes go to a temp file in the same directory
// followed by an atomic rename, so concurrent processes sharing the
// directory never observe partial files.
//
// File layout: 8-byte big-endian expiration nanos, 2-byte big-endian key
// length, the key, then the value bytes. Keys are embedded because file
// names are digests of the key (keys may contain characters unfit for
// file names).
type Filesystem struct {
	root string
}

// NewFilesystem creates (if needed) and opens a cache directory.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(f.root, name[:2], name+".bin")
}

func encodeEntry(key string, value []byte, expires time.Time) []byte {
	b := make([]byte, 10, 10+len(key)+len(value))
	binary.BigEndian.PutUint64(b[:8], uint64(expiresNanos(expires)))
	binary.BigEndian.PutUint16(b[8:10], uint16(len(key)))
	b = append(b, key...)
	return append(b, value...)
}

func decodeEntry(b []byte) (key string, value []byte, expiresNanos int64, ok bool) {
	if len(b) < 10 {
		return "", nil, 0, false
	}
	keyLen := int(binary.BigEndian.Uint16(b[8:10]))
	if len(b) < 10+keyLen {
		return "", nil, 0, false
	}
	return string(b[10 : 10+keyLen]), b[10+keyLen:], int64(binary.BigEndian.Uint64(b[:8])), true
}

func (f *Filesystem) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, value, _, ok := decodeEntry(b)
	if !ok {
		return nil, false, fmt.Errorf("%w: corrupt entry for %q", ErrUnavailable, key)
	}
	return value, true, nil
}

func (f *Filesystem) Set(_ context.Context, key string, value []byte, expires time.Time) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encodeEntry(key, value, expires)); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *Filesystem) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *Filesystem) Contains(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

// walk visits every entry file, skipping in-flight temp files.
func (f *Filesystem) walk(visit func(path string) (bool, error)) error {
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".bin") {
			return nil
		}
		keepGoing, err := visit(path)
		if err != nil {
			return err
		}
		if !keepGoing {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *Filesystem) Keys(_ context.Context, fn func(string) bool) error {
	return f.walk(func(path string) (bool, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return true, nil // raced with a delete
		}
		key, _, _, ok := decodeEntry(b)
		if !ok {
			return true, nil
		}
		return fn(key), nil
	})
}

func (f *Filesystem) Values(_ context.Context, fn func([]byte) bool) error {
	return f.walk(func(path string) (bool, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return true, nil
		}
		_, value, _, ok := decodeEntry(b)
		if !ok {
			return true, nil
		}
		return fn(value), nil
	})
}

func (f *Filesystem) Clear(_ context.Context) error {
	if err := os.RemoveAll(f.root); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *Filesystem) Count(_ context.Context) (int, error) {
	count := 0
	err := f.walk(func(string) (bool, error) {
		count++
		return true, nil
	})
	return count, err
}

func (f *Filesystem) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := f.walk(func(path string) (bool, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return true, nil
		}
		_, _, nanos, ok := decodeEntry(b)
		if !ok || nanos == 0 || nanos >= now.UnixNano() {
			return true, nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return true, nil
	})
	return removed, err
}

func (f *Filesystem) Close() error {
	return nil
}
