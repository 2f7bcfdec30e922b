package queue

import (
	"context"
	"sync"
	"time"

	apperrors "chatr/internal/errors"
	"chatr/internal/models"
)

// BlobStore is durable key-value storage with versioned writes.
// *database.Database is the production implementation.
type BlobStore interface {
	LoadBlob(ctx context.Context, key string) (models.QueueBlob, bool, error)
	CompareAndSwapBlob(ctx context.Context, key, payload string, expectedVersion int64) (int64, error)
	DeleteBlob(ctx context.Context, key string) error
}

// MemoryStore is an in-process BlobStore for tests and ephemeral sessions.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string]models.QueueBlob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]models.QueueBlob)}
}

func (s *MemoryStore) LoadBlob(_ context.Context, key string) (models.QueueBlob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[key]
	return blob, ok, nil
}

func (s *MemoryStore) CompareAndSwapBlob(_ context.Context, key, payload string, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.blobs[key]
	if current.Version != expectedVersion {
		return 0, apperrors.New(apperrors.ErrCodeQueueConflict, "queue blob was modified by another writer").
			WithContext("expected_version", expectedVersion)
	}

	next := expectedVersion + 1
	s.blobs[key] = models.QueueBlob{Key: key, Payload: payload, Version: next, UpdatedAt: time.Now()}
	return next, nil
}

func (s *MemoryStore) DeleteBlob(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Put overwrites a blob unconditionally. Tests use it to plant corrupt data
// or simulate a second writer.
func (s *MemoryStore) Put(key, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.blobs[key]
	s.blobs[key] = models.QueueBlob{Key: key, Payload: payload, Version: current.Version + 1, UpdatedAt: time.Now()}
}
