package server

import (
	"context"
	"sync"
)

// CredentialStore persists the current credential per provider key.
// Writes must be atomic per key and readable by subsequent calls.
type CredentialStore interface {
	Get(ctx context.Context, provider string) (Credential, bool, error)
	Put(ctx context.Context, cred Credential) error
}

// MemoryCredentialStore keeps credentials in process memory.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemoryCredentialStore constructs the store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]Credential)}
}

func (s *MemoryCredentialStore) Get(ctx context.Context, provider string) (Credential, bool, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[provider]
	return cred, ok, nil
}

func (s *MemoryCredentialStore) Put(ctx context.Context, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Provider] = cred
	return nil
}
