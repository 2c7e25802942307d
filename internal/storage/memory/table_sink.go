package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/transform"
)

// TableSink keeps refined rows per table. It stands in for the relational
// store when no database is configured.
type TableSink struct {
	mu     sync.RWMutex
	tables map[string][]harvest.Row
}

// NewTableSink constructs an empty sink.
func NewTableSink() *TableSink {
	return &TableSink{tables: make(map[string][]harvest.Row)}
}

// EnsureTable registers the table.
func (s *TableSink) EnsureTable(_ context.Context, schema transform.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Table]; !ok {
		s.tables[schema.Table] = nil
	}
	return nil
}

// InsertBatch appends rows to the table.
func (s *TableSink) InsertBatch(_ context.Context, schema transform.Schema, rows []harvest.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.tables[schema.Table] = append(s.tables[schema.Table], maps.Clone(row))
	}
	return nil
}

// Rows returns the rows stored for table.
func (s *TableSink) Rows(table string) []harvest.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.Row(nil), s.tables[table]...)
}
