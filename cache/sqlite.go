package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLite is an embedded SQL backend. Expiration times are kept in an
// indexed column, so DeleteExpired is a range delete instead of a scan.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLite opens (and if needed initializes) a cache database at path.
// Use ":memory:" for a non-persistent database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY, expires INTEGER NOT NULL DEFAULT 0, value BLOB)",
		"CREATE INDEX IF NOT EXISTS cache_entries_expires ON cache_entries (expires)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: init: %v", ErrUnavailable, err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cache_entries WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, expires time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (key, expires, value) VALUES (?, ?, ?)",
		key, expiresNanos(expires), value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM cache_entries WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (s *SQLite) Keys(ctx context.Context, fn func(string) bool) error {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM cache_entries")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !fn(key) {
			return nil
		}
	}
	return rows.Err()
}

func (s *SQLite) Values(ctx context.Context, fn func([]byte) bool) error {
	rows, err := s.db.QueryContext(ctx, "SELECT value FROM cache_entries")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !fn(value) {
			return nil
		}
	}
	return rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (s *SQLite) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires > 0 AND expires < ?", now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(removed), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func expiresNanos(expires time.Time) int64 {
	if expires.IsZero() {
		return 0
	}
	return expires.UnixNano()
}
