package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	image_url     TEXT NOT NULL,
	thumbnail_url TEXT NOT NULL,
	author        TEXT NOT NULL DEFAULT ''
);`

// SQLiteStore persists records in a SQLite database. Inserts are staged in
// an open transaction that Save commits.
type SQLiteStore struct {
	db *sql.DB

	mu sync.Mutex
	tx *sql.Tx
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens the database at path and bootstraps the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := configureDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite: path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String(), nil
}

// conn returns the open transaction when one exists. With a single pooled
// connection, reads outside the transaction would block on it.
func (s *SQLiteStore) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SQLiteStore) FetchAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn().QueryContext(ctx,
		"SELECT id, image_url, thumbnail_url, author FROM records ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ImageURL, &rec.ThumbnailURL, &rec.Author); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FetchByID(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec Record
	err := s.conn().QueryRowContext(ctx,
		"SELECT id, image_url, thumbnail_url, author FROM records WHERE id = ? LIMIT 1", id).
		Scan(&rec.ID, &rec.ImageURL, &rec.ThumbnailURL, &rec.Author)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, notFound("sqlite.FetchByID", id)
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		s.tx = tx
	}
	_, err := s.tx.ExecContext(ctx, `
INSERT INTO records (id, image_url, thumbnail_url, author) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	image_url = excluded.image_url,
	thumbnail_url = excluded.thumbnail_url,
	author = excluded.author`,
		rec.ID, rec.ImageURL, rec.ThumbnailURL, rec.Author)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Close commits staged records and closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	saveErr := s.Save(context.Background())
	if err := s.db.Close(); err != nil {
		return err
	}
	return saveErr
}
