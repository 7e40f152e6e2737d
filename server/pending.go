package server

import (
	"context"
	"sync"
	"time"
)

// PendingFlowStore tracks in-flight authorizations between the redirect to
// the provider and the callback. Implementations must provide atomic
// put/take-once/expire semantics; handlers must not assume the callback
// lands on the process that started the flow.
type PendingFlowStore interface {
	// Put records a new flow. A state collision is reported as
	// ErrCollision, never resolved by overwriting.
	Put(ctx context.Context, state, codeVerifier string, now time.Time) error

	// Take atomically removes and returns the verifier for state. Returns
	// ErrNotFound if absent (including any second call for the same state)
	// and ErrExpired for entries past their TTL, deleting them.
	Take(ctx context.Context, state string, now time.Time) (string, error)

	// Sweep deletes expired flows and reports how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryPendingStore is the single-process pending-flow store used in dev
// mode and tests.
type MemoryPendingStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	flows map[string]PendingFlow
}

// NewMemoryPendingStore constructs the store with the given flow TTL.
func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	return &MemoryPendingStore{
		ttl:   ttl,
		flows: make(map[string]PendingFlow),
	}
}

func (s *MemoryPendingStore) Put(ctx context.Context, state, codeVerifier string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[state]; exists {
		return ErrCollision
	}
	s.flows[state] = PendingFlow{State: state, CodeVerifier: codeVerifier, CreatedAt: now}
	return nil
}

func (s *MemoryPendingStore) Take(ctx context.Context, state string, now time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[state]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.flows, state)
	if now.Sub(flow.CreatedAt) > s.ttl {
		return "", ErrExpired
	}
	return flow.CodeVerifier, nil
}

func (s *MemoryPendingStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for state, flow := range s.flows {
		if now.Sub(flow.CreatedAt) > s.ttl {
			delete(s.flows, state)
			removed++
		}
	}
	return removed, nil
}
