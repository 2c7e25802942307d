// Package contentstore implements the hybrid content-addressable store: blobs
// keyed by content hash under date partitions plus an index of where each
// unique payload lives. Identical bytes are written at most once.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const defaultPrefix = "raw"

// Config controls blob layout.
type Config struct {
	// Prefix is the top-level directory for the global pool.
	Prefix string
}

// PutResult reports the outcome of one Put.
type PutResult struct {
	IsNew bool
	Entry harvest.ContentEntry
	URI   string
}

// Store deduplicates payloads across all tasks.
type Store struct {
	index  harvest.ContentIndex
	blobs  harvest.BlobStore
	hasher harvest.Hasher
	clock  harvest.Clock
	prefix string
	locks  *keyedMutex
	logger *zap.Logger
}

// New constructs a Store.
func New(
	index harvest.ContentIndex,
	blobs harvest.BlobStore,
	hasher harvest.Hasher,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Store, error) {
	if index == nil || blobs == nil || hasher == nil || clock == nil {
		return nil, errors.New("content store requires index, blob store, hasher and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		index:  index,
		blobs:  blobs,
		hasher: hasher,
		clock:  clock,
		prefix: prefix,
		locks:  newKeyedMutex(),
		logger: logger,
	}, nil
}

// Put stores data observed at url. When localDir is non-empty a task-scoped
// copy is written there whatever the dedup outcome.
func (s *Store) Put(ctx context.Context, url string, data []byte, contentType, localDir string) (PutResult, error) {
	contentHash, err := s.hasher.Hash(data)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: hash content: %v", harvest.ErrStorage, err)
	}
	urlHash, err := s.hasher.Hash([]byte(url))
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: hash url: %v", harvest.ErrStorage, err)
	}
	ext := Extension(contentType)

	if localDir != "" {
		if err := writeLocalCopy(localDir, contentHash+ext, data); err != nil {
			s.logger.Warn("local copy failed", zap.String("dir", localDir), zap.Error(err))
		}
	}

	unlock := s.locks.Lock(contentHash)
	defer unlock()

	now := s.clock.Now()
	existing, err := s.index.FindByContentHash(ctx, contentHash)
	switch {
	case err == nil:
		if err := s.index.Touch(ctx, contentHash, now); err != nil {
			return PutResult{}, fmt.Errorf("%w: touch %s: %v", harvest.ErrStorage, contentHash, err)
		}
		existing.UpdatedAt = now
		s.logger.Debug("duplicate content", zap.String("content_hash", contentHash), zap.String("url", url))
		return PutResult{IsNew: false, Entry: existing}, nil
	case !errors.Is(err, harvest.ErrNotFound):
		return PutResult{}, fmt.Errorf("%w: lookup %s: %v", harvest.ErrStorage, contentHash, err)
	}

	relPath := s.blobPath(contentHash, ext, now)
	uri, err := s.blobs.PutObject(ctx, relPath, contentType, data)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: write blob: %v", harvest.ErrStorage, err)
	}
	entry := harvest.ContentEntry{
		URLHash:     urlHash,
		OriginalURL: truncate(url, 2048),
		FilePath:    relPath,
		ContentHash: contentHash,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.index.Insert(ctx, entry); err != nil {
		return PutResult{}, fmt.Errorf("%w: index %s: %v", harvest.ErrStorage, contentHash, err)
	}
	s.logger.Debug("stored content", zap.String("content_hash", contentHash), zap.String("path", relPath))
	return PutResult{IsNew: true, Entry: entry, URI: uri}, nil
}

func (s *Store) blobPath(contentHash, ext string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s%s", s.prefix, now.Format("2006-01-02"), contentHash, ext)
}

// Extension picks the file extension for a content type.
func Extension(contentType string) string {
	if strings.Contains(strings.ToLower(contentType), "json") {
		return ".json"
	}
	return ".html"
}

func writeLocalCopy(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		return fmt.Errorf("write local copy: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
