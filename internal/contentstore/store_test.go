package contentstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
	"github.com/JakeFAU/harvest-engine/internal/hash/sha256"
	"github.com/JakeFAU/harvest-engine/internal/storage/memory"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func newTestStore(t *testing.T) (*Store, *memory.ContentIndex, *memory.BlobStore) {
	t.Helper()
	index := memory.NewContentIndex()
	blobs := memory.NewBlobStore()
	clock := &stepClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	store, err := New(index, blobs, sha256.New(), clock, Config{}, nil)
	require.NoError(t, err)
	return store, index, blobs
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	t.Parallel()

	store, index, blobs := newTestStore(t)
	ctx := context.Background()
	payload := []byte(`{"products":[{"id":1}]}`)

	first, err := store.Put(ctx, "https://shop.example/api/a", payload, "application/json", "")
	require.NoError(t, err)
	require.True(t, first.IsNew)
	require.Equal(t, ".json", filepath.Ext(first.Entry.FilePath))
	require.True(t, strings.HasPrefix(first.Entry.FilePath, "raw/2025-03-14/"))

	second, err := store.Put(ctx, "https://shop.example/api/b", payload, "application/json", "")
	require.NoError(t, err)
	require.False(t, second.IsNew)
	require.Equal(t, first.Entry.ContentHash, second.Entry.ContentHash)
	require.True(t, second.Entry.UpdatedAt.After(first.Entry.UpdatedAt))

	require.Equal(t, 1, blobs.Len())
	require.Len(t, index.Entries(), 1)

	stored, err := index.FindByContentHash(ctx, first.Entry.ContentHash)
	require.NoError(t, err)
	require.Equal(t, first.Entry.CreatedAt, stored.CreatedAt)
	require.Equal(t, second.Entry.UpdatedAt, stored.UpdatedAt)
}

func TestPutRecognizesContentAfterURLServedSomethingElse(t *testing.T) {
	t.Parallel()

	store, index, blobs := newTestStore(t)
	ctx := context.Background()
	endpoint := "https://shop.example/graphql"
	pageOne := []byte(`{"data":{"products":[{"id":1}]}}`)
	pageTwo := []byte(`{"data":{"products":[{"id":2}]}}`)

	first, err := store.Put(ctx, endpoint, pageOne, "application/json", "")
	require.NoError(t, err)
	require.True(t, first.IsNew)

	second, err := store.Put(ctx, endpoint, pageTwo, "application/json", "")
	require.NoError(t, err)
	require.True(t, second.IsNew)

	again, err := store.Put(ctx, "https://shop.example/graphql?retry=1", pageOne, "application/json", "")
	require.NoError(t, err)
	require.False(t, again.IsNew)
	require.Equal(t, first.Entry.FilePath, again.Entry.FilePath)

	require.Equal(t, 2, blobs.Len())
	require.Len(t, index.Entries(), 2)
}

func TestPutWritesLocalCopyForDuplicates(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()
	payload := []byte("<html><body>hi</body></html>")

	_, err := store.Put(ctx, "https://a.example", payload, "text/html", "")
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "task-1")
	res, err := store.Put(ctx, "https://a.example", payload, "text/html; charset=utf-8", dir)
	require.NoError(t, err)
	require.False(t, res.IsNew)

	data, err := os.ReadFile(filepath.Join(dir, res.Entry.ContentHash+".html"))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestPutWrapsBlobFailure(t *testing.T) {
	t.Parallel()

	store, err := New(memory.NewContentIndex(), failingBlobs{}, sha256.New(), &stepClock{}, Config{Prefix: "/pool/"}, nil)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "https://a.example", []byte("x"), "text/plain", "")
	require.ErrorIs(t, err, harvest.ErrStorage)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, memory.NewBlobStore(), sha256.New(), &stepClock{}, Config{}, nil)
	require.Error(t, err)
}

func TestExtension(t *testing.T) {
	t.Parallel()

	require.Equal(t, ".json", Extension("application/JSON; charset=utf-8"))
	require.Equal(t, ".json", Extension("application/vnd.api+json"))
	require.Equal(t, ".html", Extension("text/html"))
	require.Equal(t, ".html", Extension(""))
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	m := newKeyedMutex()
	unlock := m.Lock("a")
	acquired := make(chan struct{})
	go func() {
		release := m.Lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}
