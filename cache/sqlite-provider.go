package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider keeps all stores in one SQLite database.
// Each store is the set of rows sharing a cache name.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens the database with the given filename.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			name TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (name, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", filename, err)
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (p *SQLiteProvider) Open(ctx context.Context, name string) (Store, error) {
	if err := p.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return SQLiteStore{
		name:       name,
		db:         p.db,
		writeMutex: p.writeMutex,
	}, nil
}

func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

type SQLiteStore struct {
	name       string
	db         *sql.DB
	writeMutex *sync.Mutex
}

func (s SQLiteStore) All(ctx context.Context, prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	// a key range instead of LIKE: URLs are full of '%' and '_'
	rows, err := s.db.QueryContext(ctx, `SELECT key, stored_at, bytes
		FROM cache WHERE name = ? AND key >= ? AND key < ? ORDER BY key`,
		s.name, prefix, prefixEnd(prefix))
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(storedAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// prefixEnd is an upper bound for the keys starting with prefix.
// Keys hold encoded URLs and header values, never utf8.MaxRune.
func prefixEnd(prefix string) string {
	return prefix + string(utf8.MaxRune)
}

func (s SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM cache WHERE name = ? AND key = ?", s.name, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteStore) Put(ctx context.Context, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO cache
		(name, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		s.name, ce.Key, ce.StoredAt.Unix(), ce.Bytes)
	return err
}

func (s SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE name = ? AND key = ?", s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM cache WHERE name = ? ORDER BY key", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
