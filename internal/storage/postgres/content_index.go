package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const contentColumns = "url_hash, original_url, file_path, content_hash, content_type, size_bytes, created_at, updated_at"

// ContentIndex implements harvest.ContentIndex on a Postgres table.
type ContentIndex struct {
	db    DB
	table string
}

// NewContentIndex wraps db; table defaults to content_index.
func NewContentIndex(db DB, table string) (*ContentIndex, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		table = "content_index"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ContentIndex{db: db, table: table}, nil
}

// FindByContentHash returns the entry holding contentHash.
func (i *ContentIndex) FindByContentHash(ctx context.Context, contentHash string) (harvest.ContentEntry, error) {
	var e harvest.ContentEntry
	err := i.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE content_hash = $1", contentColumns, i.table),
		contentHash,
	).Scan(
		&e.URLHash,
		&e.OriginalURL,
		&e.FilePath,
		&e.ContentHash,
		&e.ContentType,
		&e.SizeBytes,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return harvest.ContentEntry{}, wrapNoRows(err, "content "+contentHash)
	}
	return e, nil
}

// Insert records e under its content hash. A URL that serves new content gets
// a second row; a repeat of known content only bumps updated_at.
func (i *ContentIndex) Insert(ctx context.Context, e harvest.ContentEntry) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (content_hash) DO UPDATE SET
	updated_at = EXCLUDED.updated_at`, i.table, contentColumns)
	_, err := i.db.Exec(ctx, query,
		e.URLHash,
		e.OriginalURL,
		e.FilePath,
		e.ContentHash,
		e.ContentType,
		e.SizeBytes,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert content entry: %w", err)
	}
	return nil
}

// Touch bumps updated_at for the entry holding contentHash.
func (i *ContentIndex) Touch(ctx context.Context, contentHash string, at time.Time) error {
	tag, err := i.db.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET updated_at = $1 WHERE content_hash = $2", i.table),
		at, contentHash,
	)
	if err != nil {
		return fmt.Errorf("touch content entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content %s: %w", contentHash, harvest.ErrNotFound)
	}
	return nil
}
