package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/transform"
)

// TableSink creates strategy tables on demand and writes refined rows.
type TableSink struct {
	db DB
}

// NewTableSink wraps db.
func NewTableSink(db DB) (*TableSink, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &TableSink{db: db}, nil
}

// EnsureTable runs CREATE TABLE IF NOT EXISTS for schema.
func (s *TableSink) EnsureTable(ctx context.Context, schema transform.Schema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("%w: %v", harvest.ErrStorage, err)
	}
	if _, err := s.db.Exec(ctx, schema.CreateTableSQL()); err != nil {
		return fmt.Errorf("%w: create table %s: %v", harvest.ErrStorage, schema.Table, err)
	}
	return nil
}

// InsertBatch writes rows in a single transaction; any failure rolls the
// whole batch back.
func (s *TableSink) InsertBatch(ctx context.Context, schema transform.Schema, rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", harvest.ErrStorage, err)
	}
	defer rollback(ctx, tx)

	query := schema.InsertSQL()
	for i, row := range rows {
		if _, err := tx.Exec(ctx, query, schema.Values(row)...); err != nil {
			return fmt.Errorf("%w: insert row %d into %s: %v", harvest.ErrStorage, i, schema.Table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", harvest.ErrStorage, err)
	}
	return nil
}
