// Package sqlite provides an embedded content index for single-node runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const ddl = `
CREATE TABLE IF NOT EXISTS content_index (
	content_hash TEXT PRIMARY KEY,
	url_hash TEXT NOT NULL,
	original_url TEXT NOT NULL,
	file_path TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS content_index_url_hash_idx ON content_index (url_hash);
`

// ContentIndex implements harvest.ContentIndex on a SQLite database file.
type ContentIndex struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral index.
func Open(ctx context.Context, path string) (*ContentIndex, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &ContentIndex{db: db}, nil
}

// Close releases the database handle.
func (i *ContentIndex) Close() error {
	return i.db.Close()
}

// FindByContentHash returns the entry holding contentHash.
func (i *ContentIndex) FindByContentHash(ctx context.Context, contentHash string) (harvest.ContentEntry, error) {
	var (
		e                harvest.ContentEntry
		created, updated string
	)
	err := i.db.QueryRowContext(ctx,
		`SELECT url_hash, original_url, file_path, content_hash, content_type, size_bytes, created_at, updated_at
FROM content_index WHERE content_hash = ?`, contentHash,
	).Scan(&e.URLHash, &e.OriginalURL, &e.FilePath, &e.ContentHash, &e.ContentType, &e.SizeBytes, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.ContentEntry{}, fmt.Errorf("content %s: %w", contentHash, harvest.ErrNotFound)
	}
	if err != nil {
		return harvest.ContentEntry{}, fmt.Errorf("query content index: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return harvest.ContentEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return harvest.ContentEntry{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return e, nil
}

// Insert records e under its content hash. A repeat of the same content only
// bumps updated_at, so every stored blob stays findable.
func (i *ContentIndex) Insert(ctx context.Context, e harvest.ContentEntry) error {
	_, err := i.db.ExecContext(ctx, `INSERT INTO content_index
	(url_hash, original_url, file_path, content_hash, content_type, size_bytes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (content_hash) DO UPDATE SET
	updated_at = excluded.updated_at`,
		e.URLHash, e.OriginalURL, e.FilePath, e.ContentHash, e.ContentType, e.SizeBytes,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert content entry: %w", err)
	}
	return nil
}

// Touch bumps updated_at for every entry holding contentHash.
func (i *ContentIndex) Touch(ctx context.Context, contentHash string, at time.Time) error {
	res, err := i.db.ExecContext(ctx,
		"UPDATE content_index SET updated_at = ? WHERE content_hash = ?", formatTime(at), contentHash)
	if err != nil {
		return fmt.Errorf("touch content entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch content entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("content %s: %w", contentHash, harvest.ErrNotFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
