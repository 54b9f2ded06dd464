package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// ArtifactStore implements ports.ArtifactStore in memory, keyed by content hash.
type ArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewArtifactStore creates an empty artifact store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{blobs: make(map[string][]byte)}
}

// PutArtifact stores data under its content hash.
func (s *ArtifactStore) PutArtifact(ctx context.Context, data []byte) (string, error) {
	id := domain.ContentHash(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		s.blobs[id] = slices.Clone(data)
	}
	return id, nil
}

// GetArtifact returns a copy of the stored bytes.
func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[id]
	if !ok {
		return nil, domain.ErrArtifactNotFound
	}
	return slices.Clone(data), nil
}
