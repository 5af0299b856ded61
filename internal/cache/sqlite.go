package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	entry      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

type sqliteBackend struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a single-table SQLite store at path. Use
// ":memory:" for a throwaway database.
func NewSQLite(path string) (Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("cache: sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("cache: sqlite mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite open: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers inside the process.
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: sqlite pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: sqlite schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: sqlite ping: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Name() string { return "sqlite" }

func (b *sqliteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var entry string
	err := b.db.QueryRowContext(ctx, `SELECT entry FROM cache_entries WHERE key = ?`, key).Scan(&entry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: sqlite select: %w", err)
	}
	return []byte(entry), nil
}

func (b *sqliteBackend) Write(ctx context.Context, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, entry, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET entry = excluded.entry, updated_at = excluded.updated_at`,
		key, string(data), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: sqlite upsert: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("cache: sqlite delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache: sqlite rows affected: %w", err)
	}
	return n > 0, nil
}

func (b *sqliteBackend) Size(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: sqlite count: %w", err)
	}
	return n, nil
}

func (b *sqliteBackend) Close(context.Context) error {
	return b.db.Close()
}
