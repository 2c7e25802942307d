package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// ContentIndex is an in-memory harvest.ContentIndex keyed by content hash.
// A URL may own several entries, one per distinct payload it has served.
type ContentIndex struct {
	mu        sync.RWMutex
	byContent map[string]harvest.ContentEntry
}

// NewContentIndex constructs an empty index.
func NewContentIndex() *ContentIndex {
	return &ContentIndex{byContent: make(map[string]harvest.ContentEntry)}
}

// FindByContentHash returns the entry holding contentHash.
func (i *ContentIndex) FindByContentHash(_ context.Context, contentHash string) (harvest.ContentEntry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.byContent[contentHash]
	if !ok {
		return harvest.ContentEntry{}, fmt.Errorf("content %s: %w", contentHash, harvest.ErrNotFound)
	}
	return entry, nil
}

// Insert adds entry. A second insert for the same content hash only bumps
// UpdatedAt; the first URL and file path are kept.
func (i *ContentIndex) Insert(_ context.Context, entry harvest.ContentEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if prev, ok := i.byContent[entry.ContentHash]; ok {
		prev.UpdatedAt = entry.UpdatedAt
		i.byContent[entry.ContentHash] = prev
		return nil
	}
	i.byContent[entry.ContentHash] = entry
	return nil
}

// Touch bumps UpdatedAt for the entry holding contentHash.
func (i *ContentIndex) Touch(_ context.Context, contentHash string, at time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry, ok := i.byContent[contentHash]
	if !ok {
		return fmt.Errorf("content %s: %w", contentHash, harvest.ErrNotFound)
	}
	entry.UpdatedAt = at
	i.byContent[contentHash] = entry
	return nil
}

// Entries returns a snapshot of all index entries.
func (i *ContentIndex) Entries() []harvest.ContentEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]harvest.ContentEntry, 0, len(i.byContent))
	for _, e := range i.byContent {
		out = append(out, e)
	}
	return out
}
