package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// DefaultDBName is the cache database file name under the home directory.
const DefaultDBName = "ocr-cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ocr_cache (
	cache_key  TEXT PRIMARY KEY,
	engine     TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite is a Store persisted to a SQLite database. Entries survive
// process restarts; there is no eviction.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the cache database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Get returns the cached result for key.
func (s *SQLite) Get(ctx context.Context, key string) (*ocr.Result, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT result FROM ocr_cache WHERE cache_key = ?", key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache read failed: %w", err)
	}

	var result ocr.Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &result, true, nil
}

// Put stores a result under key. ON CONFLICT keeps the first write, which
// is safe because identical keys map to identical values.
func (s *SQLite) Put(ctx context.Context, key string, result *ocr.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ocr_cache (cache_key, engine, result)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO NOTHING
	`, key, result.Engine, string(raw))
	if err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// Len returns the number of cached entries.
func (s *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ocr_cache").Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count failed: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Verify interface
var _ Store = (*SQLite)(nil)
