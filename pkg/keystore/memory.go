package keystore

import (
	"context"
	"sync"

	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/types"
)

// MemoryStore keeps handles for the lifetime of the process
type MemoryStore struct {
	mu      sync.RWMutex
	handles map[types.Identity]*encryption.PrivateHandle
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{handles: make(map[types.Identity]*encryption.PrivateHandle)}
}

func (s *MemoryStore) Put(ctx context.Context, identity types.Identity, handle *encryption.PrivateHandle) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[identity.Normalize()] = handle
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, identity types.Identity) (*encryption.PrivateHandle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[identity.Normalize()]
	return h, ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, identity types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, identity.Normalize())
	return nil
}

func (s *MemoryStore) Has(ctx context.Context, identity types.Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handles[identity.Normalize()]
	return ok, nil
}
