package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	name string
	db   *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed shard.
func NewSQLiteStore(name, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// :memory: databases are per-connection
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return &SQLiteStore{name: name, db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at DATETIME NOT NULL
		)
	`)
	return err
}

func (s *SQLiteStore) Name() string {
	return s.name
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key)

	var value []byte
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, meta map[string]string) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, metadata, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, key, value, metaJSON, time.Now())
	return err
}

func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]KeyInfo, error) {
	query := `SELECT key, metadata FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`
	args := []any{escapeLike(opts.Prefix) + "%"}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var info KeyInfo
		var metaJSON string
		if err := rows.Scan(&info.Name, &metaJSON); err != nil {
			return nil, err
		}
		info.Metadata = decodeMeta(metaJSON)
		keys = append(keys, info)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func escapeLike(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

func encodeMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMeta(raw string) map[string]string {
	meta := map[string]string{}
	// Unreadable metadata is treated as absent; the value itself stays authoritative.
	_ = json.Unmarshal([]byte(raw), &meta)
	return meta
}
