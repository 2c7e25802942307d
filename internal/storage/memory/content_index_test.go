package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

func TestContentIndexInsertFindTouch(t *testing.T) {
	t.Parallel()

	idx := NewContentIndex()
	ctx := context.Background()
	created := time.Unix(100, 0).UTC()

	_, err := idx.FindByContentHash(ctx, "c1")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	require.NoError(t, idx.Insert(ctx, harvest.ContentEntry{URLHash: "u1", ContentHash: "c1", CreatedAt: created, UpdatedAt: created}))
	entry, err := idx.FindByContentHash(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "u1", entry.URLHash)

	later := created.Add(time.Hour)
	require.NoError(t, idx.Touch(ctx, "c1", later))
	entry, err = idx.FindByContentHash(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, later, entry.UpdatedAt)
	require.Equal(t, created, entry.CreatedAt)

	require.ErrorIs(t, idx.Touch(ctx, "missing", later), harvest.ErrNotFound)
}

func TestContentIndexSameURLNewContent(t *testing.T) {
	t.Parallel()

	idx := NewContentIndex()
	ctx := context.Background()
	require.NoError(t, idx.Insert(ctx, harvest.ContentEntry{URLHash: "u1", ContentHash: "c1"}))
	require.NoError(t, idx.Insert(ctx, harvest.ContentEntry{URLHash: "u1", ContentHash: "c2"}))

	for _, hash := range []string{"c1", "c2"} {
		entry, err := idx.FindByContentHash(ctx, hash)
		require.NoError(t, err)
		require.Equal(t, "u1", entry.URLHash)
	}
	require.Len(t, idx.Entries(), 2)
}

func TestContentIndexKeepsFirstEntryForContent(t *testing.T) {
	t.Parallel()

	idx := NewContentIndex()
	ctx := context.Background()
	first := time.Unix(100, 0).UTC()
	later := first.Add(time.Hour)
	require.NoError(t, idx.Insert(ctx, harvest.ContentEntry{URLHash: "u1", ContentHash: "c1", FilePath: "a", CreatedAt: first, UpdatedAt: first}))
	require.NoError(t, idx.Insert(ctx, harvest.ContentEntry{URLHash: "u2", ContentHash: "c1", FilePath: "b", CreatedAt: later, UpdatedAt: later}))

	entry, err := idx.FindByContentHash(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "u1", entry.URLHash)
	require.Equal(t, "a", entry.FilePath)
	require.Equal(t, first, entry.CreatedAt)
	require.Equal(t, later, entry.UpdatedAt)
	require.Len(t, idx.Entries(), 1)
}
