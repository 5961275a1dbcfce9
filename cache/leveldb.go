package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout: values live under "d!<key>" with an 8-byte big-endian
// expiration header, and every expiring entry also gets a secondary index
// row "x!<nanos>!<key>" so DeleteExpired is a bounded range scan.
const (
	ldbDataPrefix  = "d!"
	ldbIndexPrefix = "x!"
)

// LevelDB is an embedded key-value backend on goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (creating if necessary) a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &LevelDB{db: db}, nil
}

func ldbDataKey(key string) []byte {
	return append([]byte(ldbDataPrefix), key...)
}

func ldbIndexKey(nanos int64, key string) []byte {
	b := make([]byte, 0, len(ldbIndexPrefix)+8+1+len(key))
	b = append(b, ldbIndexPrefix...)
	b = binary.BigEndian.AppendUint64(b, uint64(nanos))
	b = append(b, '!')
	b = append(b, key...)
	return b
}

// ldbEncode prefixes the value with its expiration time so the expiry
// survives without a second lookup.
func ldbEncode(value []byte, expires time.Time) []byte {
	b := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(b, uint64(expiresNanos(expires)))
	return append(b, value...)
}

func ldbDecode(b []byte) (value []byte, expiresNanos int64) {
	if len(b) < 8 {
		return nil, 0
	}
	return b[8:], int64(binary.BigEndian.Uint64(b[:8]))
}

func (l *LevelDB) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := l.db.Get(ldbDataKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	value, _ := ldbDecode(b)
	return value, true, nil
}

func (l *LevelDB) Set(_ context.Context, key string, value []byte, expires time.Time) error {
	batch := new(leveldb.Batch)
	// retire the previous index row on overwrite
	if prev, err := l.db.Get(ldbDataKey(key), nil); err == nil {
		if _, prevNanos := ldbDecode(prev); prevNanos != 0 {
			batch.Delete(ldbIndexKey(prevNanos, key))
		}
	}
	batch.Put(ldbDataKey(key), ldbEncode(value, expires))
	if nanos := expiresNanos(expires); nanos != 0 {
		batch.Put(ldbIndexKey(nanos, key), nil)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LevelDB) Delete(_ context.Context, key string) error {
	batch := new(leveldb.Batch)
	if prev, err := l.db.Get(ldbDataKey(key), nil); err == nil {
		if _, prevNanos := ldbDecode(prev); prevNanos != 0 {
			batch.Delete(ldbIndexKey(prevNanos, key))
		}
	}
	batch.Delete(ldbDataKey(key))
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LevelDB) Contains(_ context.Context, key string) (bool, error) {
	ok, err := l.db.Has(ldbDataKey(key), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (l *LevelDB) Keys(_ context.Context, fn func(string) bool) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(ldbDataPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if !fn(string(iter.Key()[len(ldbDataPrefix):])) {
			return nil
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LevelDB) Values(_ context.Context, fn func([]byte) bool) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(ldbDataPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		value, _ := ldbDecode(iter.Value())
		if !fn(append([]byte(nil), value...)) {
			return nil
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LevelDB) Clear(_ context.Context) error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *LevelDB) Count(_ context.Context) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(ldbDataPrefix)), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

// DeleteExpired walks the expiry index up to now and removes both the
// index rows and their data entries in one batch.
func (l *LevelDB) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	limit := ldbIndexKey(now.UnixNano(), "")
	iter := l.db.NewIterator(&util.Range{Start: []byte(ldbIndexPrefix), Limit: limit}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	removed := 0
	for iter.Next() {
		indexKey := append([]byte(nil), iter.Key()...)
		key := indexKey[len(ldbIndexPrefix)+8+1:]
		batch.Delete(indexKey)
		batch.Delete(ldbDataKey(string(key)))
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return removed, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
