package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xenking/kart-fulfillment/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyStore)(nil)

// APIKeyStore is an in-memory auth.Repository keyed by hash.
type APIKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]auth.APIKeyInfo
}

// NewAPIKeyStore returns an empty APIKeyStore.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{byHash: make(map[string]auth.APIKeyInfo)}
}

// FindByHash looks up a key by its HMAC hash.
func (s *APIKeyStore) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.byHash[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	info.Scopes = slices.Clone(info.Scopes)
	return &info, nil
}

// Upsert stores info, replacing any key with the same id.
func (s *APIKeyStore) Upsert(_ context.Context, info auth.APIKeyInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, existing := range s.byHash {
		if existing.ID == info.ID {
			delete(s.byHash, hash)
		}
	}
	info.Scopes = slices.Clone(info.Scopes)
	s.byHash[info.KeyHash] = info
	return nil
}
