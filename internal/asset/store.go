// Package asset implements the content-addressed media asset store: blob
// files keyed by sha256 on disk, metadata rows in SQLite. Concurrent puts of
// identical content deduplicate to a single blob and asset id.
package asset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Store struct {
	repo     Repository
	blobDir  string
	maxBytes int64
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func NewStore(repo Repository, blobDir string, maxBytes int64, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{blobDir, filepath.Join(blobDir, "tmp")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: create blob dir: %v", ErrIO, err)
		}
	}
	return &Store{
		repo:     repo,
		blobDir:  blobDir,
		maxBytes: maxBytes,
		logger:   logger,
		inflight: make(map[string]*sync.Mutex),
	}, nil
}

// Put stores content under its sha256 address. A second put of identical
// bytes within the same project returns the existing asset; a failed put
// leaves no partial asset visible.
func (s *Store) Put(ctx context.Context, projectID string, data []byte, kind Kind, durationMs int64) (*Asset, error) {
	return s.put(ctx, projectID, data, kind, durationMs, "", "")
}

// Derive stores content produced from an existing asset, recording lineage to
// the source asset and the job that produced it.
func (s *Store) Derive(ctx context.Context, sourceID string, kind Kind, data []byte, durationMs int64, jobID string) (*Asset, error) {
	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup source: %v", ErrIO, err)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: source asset %s", ErrNotFound, sourceID)
	}
	return s.put(ctx, source.ProjectID, data, kind, durationMs, sourceID, jobID)
}

func (s *Store) put(ctx context.Context, projectID string, data []byte, kind Kind, durationMs int64, derivedFrom, jobID string) (*Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	// Serialize writers per hash so concurrent identical puts agree on one
	// asset id instead of racing the unique index.
	unlock := s.lockHash(hash)
	defer unlock()

	existing, err := s.repo.GetByHash(ctx, projectID, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup by hash: %v", ErrIO, err)
	}
	if existing != nil {
		return existing, nil
	}

	blobPath := s.blobPath(hash)
	blobExists := false
	if _, err := os.Stat(blobPath); err == nil {
		blobExists = true
	}

	if !blobExists {
		used, err := s.repo.TotalBytes(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: usage query: %v", ErrIO, err)
		}
		if s.maxBytes > 0 && used+int64(len(data)) > s.maxBytes {
			return nil, fmt.Errorf("%w: %d bytes used of %d", ErrStorageFull, used, s.maxBytes)
		}
		if err := s.writeBlob(ctx, blobPath, data); err != nil {
			return nil, err
		}
	}

	a := &Asset{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Hash:        hash,
		Kind:        kind,
		Size:        int64(len(data)),
		DurationMs:  durationMs,
		Path:        blobPath,
		DerivedFrom: derivedFrom,
		JobID:       jobID,
		CreatedAt:   time.Now(),
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("%w: record asset: %v", ErrIO, err)
	}

	if s.logger != nil {
		s.logger.Info("asset stored", "asset_id", a.ID, "kind", string(kind), "size", a.Size, "hash", hash[:12])
	}
	return a, nil
}

// Get returns the bytes for an asset id.
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	a, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob %s: %v", ErrIO, a.Hash[:12], err)
	}
	return data, nil
}

// Stat returns asset metadata without reading the blob.
func (s *Store) Stat(ctx context.Context, id string) (*Asset, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup asset: %v", ErrIO, err)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// ListByProject returns a project's assets, newest first.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*Asset, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// writeBlob writes to a temp file and renames into place, so a crash or
// failure mid-write never leaves a partial blob at the content address.
func (s *Store) writeBlob(ctx context.Context, blobPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return fmt.Errorf("%w: create shard dir: %v", ErrIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Join(s.blobDir, "tmp"), "put-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrIO, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := ctx.Err(); err != nil {
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write blob: %v", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync blob: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close blob: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: commit blob: %v", ErrIO, err)
	}
	return nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.blobDir, hash[:2], hash)
}

func (s *Store) lockHash(hash string) func() {
	s.mu.Lock()
	lock, ok := s.inflight[hash]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[hash] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
