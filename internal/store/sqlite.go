package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores records in a single-file SQLite database. Suits the
// higher-capacity durable tier where many conversations accumulate.
type SQLiteBackend struct {
	name  string
	db    *sql.DB
	limit int64
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contexts (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	size       INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewSQLiteBackend opens (creating if needed) the database at path.
// limit <= 0 means unlimited.
func NewSQLiteBackend(path string, limit int64) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteBackend{name: "sqlite", db: db, limit: limit}, nil
}

func (b *SQLiteBackend) Name() string { return b.name }

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM contexts WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &BackendError{Backend: b.name, Op: "get", Err: err}
	}
	return value, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.limit > 0 {
		var used sql.NullInt64
		var existing int64
		if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM contexts`).Scan(&used); err != nil {
			return &BackendError{Backend: b.name, Op: "set", Err: err}
		}
		_ = b.db.QueryRowContext(ctx, `SELECT size FROM contexts WHERE key = ?`, key).Scan(&existing)
		if used.Int64-existing+int64(len(value)) > b.limit {
			return &QuotaError{Backend: b.name, Needed: int64(len(value)), Limit: b.limit}
		}
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO contexts (key, value, size, updated_at)
		VALUES (?, ?, ?, strftime('%s','now') * 1000)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, key, value, len(value))
	if err != nil {
		return &BackendError{Backend: b.name, Op: "set", Err: err}
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM contexts WHERE key = ?`, key); err != nil {
		return &BackendError{Backend: b.name, Op: "delete", Err: err}
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM contexts WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, &BackendError{Backend: b.name, Op: "list", Err: err}
	}
	return keys, nil
}

func (b *SQLiteBackend) Quota(ctx context.Context) (QuotaInfo, error) {
	var used sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM contexts`).Scan(&used); err != nil {
		return QuotaInfo{}, &BackendError{Backend: b.name, Op: "quota", Err: err}
	}
	info := QuotaInfo{Used: used.Int64, Limit: b.limit}
	if b.limit > 0 {
		info.PercentUsed = float64(used.Int64) / float64(b.limit) * 100
	}
	return info, nil
}
