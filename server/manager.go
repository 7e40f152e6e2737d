package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectionManager owns the lifecycle of platform connections: starting
// authorization flows, validating callbacks, rotating refresh tokens, and
// disconnecting. It is safe for concurrent use.
type ConnectionManager struct {
	providers map[string]*Provider
	flows     PendingFlowStore
	creds     CredentialStore
	logger    *slog.Logger
	skew      time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewConnectionManager wires the manager from its collaborators.
func NewConnectionManager(providers map[string]*Provider, flows PendingFlowStore, creds CredentialStore, skew time.Duration, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		providers: providers,
		flows:     flows,
		creds:     creds,
		logger:    logger,
		skew:      skew,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Provider looks up a configured provider by name.
func (m *ConnectionManager) Provider(name string) (*Provider, bool) {
	p, ok := m.providers[name]
	return p, ok
}

// Providers lists the configured provider names.
func (m *ConnectionManager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Start begins an authorization flow: generates the PKCE pair and state,
// records the pending flow, and returns the provider authorization URL to
// redirect the user to.
func (m *ConnectionManager) Start(ctx context.Context, provider string, now time.Time) (string, error) {
	p, ok := m.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}

	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	if err := m.flows.Put(ctx, state, verifier, now); err != nil {
		if errors.Is(err, ErrCollision) {
			// A repeated state means the randomness source or the store is
			// broken; surface loudly instead of risking flow hijack.
			m.logger.Error("pending flow state collision", "provider", provider)
		}
		return "", err
	}

	return p.AuthCodeURL(state, ChallengeS256(verifier)), nil
}

// HandleCallback validates the returned state, exchanges the code, and
// persists the credential. The credential write is the last step so a
// failed exchange never leaves a partially connected state.
func (m *ConnectionManager) HandleCallback(ctx context.Context, provider, state, code string, now time.Time) ConnectResult {
	fail := func(kind string) ConnectResult {
		return ConnectResult{Provider: provider, ErrorKind: kind}
	}

	p, ok := m.providers[provider]
	if !ok {
		return fail(ErrorKindUnknownProvider)
	}
	if state == "" || code == "" {
		return fail(ErrorKindInvalidState)
	}

	verifier, err := m.flows.Take(ctx, state, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrExpired):
			m.logger.Warn("callback for expired flow", "provider", provider)
			return fail(ErrorKindExpired)
		case errors.Is(err, ErrNotFound):
			m.logger.Warn("callback with unknown state", "provider", provider)
			return fail(ErrorKindInvalidState)
		default:
			m.logger.Error("pending flow lookup failed", "provider", provider, "error", err)
			return fail(ErrorKindInternal)
		}
	}

	tok, err := p.Exchange(ctx, code, verifier)
	if err != nil {
		m.logger.Error("token exchange failed", "provider", provider, "error", err)
		return fail(ErrorKindExchangeFailed)
	}

	cred := Credential{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Connected:    true,
		ConnectedAt:  now,
		UpdatedAt:    now,
	}
	if err := m.creds.Put(ctx, cred); err != nil {
		m.logger.Error("credential write failed", "provider", provider, "error", err)
		return fail(ErrorKindInternal)
	}

	m.logger.Info("provider connected", "provider", provider, "expires_at", cred.ExpiresAt)
	return ConnectResult{OK: true, Provider: provider}
}

// Refresh rotates the stored credential for a provider. Calls for the
// same provider are serialized; a caller that blocked behind an in-flight
// refresh observes its result instead of spending the rotated token a
// second time.
func (m *ConnectionManager) Refresh(ctx context.Context, provider string, now time.Time) error {
	p, ok := m.providers[provider]
	if !ok {
		return ErrUnknownProvider
	}

	lock := m.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	cred, found, err := m.creds.Get(ctx, provider)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if !found || !cred.Refreshable() {
		return ErrNotConnected
	}

	// A refresh that completed while we waited for the lock already
	// produced a fresh access token; don't spend the new refresh token
	// again.
	if !cred.ExpiresAt.IsZero() && cred.ExpiresAt.After(now.Add(m.skew)) {
		return nil
	}

	tok, err := p.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		var re *RefreshError
		if errors.As(err, &re) && re.Revoked {
			cred.Connected = false
			cred.RefreshToken = ""
			cred.DisconnectedAt = now
			cred.UpdatedAt = now
			if putErr := m.creds.Put(ctx, cred); putErr != nil {
				m.logger.Error("credential write failed", "provider", provider, "error", putErr)
			}
			m.logger.Warn("refresh token revoked by provider", "provider", provider)
		}
		return err
	}

	cred.AccessToken = tok.AccessToken
	cred.ExpiresAt = tok.Expiry
	// Rotation policy: a response without a new refresh token means the
	// previous one is still valid and must be retained.
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.Connected = true
	cred.UpdatedAt = now

	if err := m.creds.Put(ctx, cred); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}

	m.logger.Info("credential refreshed", "provider", provider, "expires_at", cred.ExpiresAt)
	return nil
}

// Disconnect revokes the credential remotely on a best-effort basis, then
// unconditionally clears the stored secret material. A remote failure
// never leaves the local state connected.
func (m *ConnectionManager) Disconnect(ctx context.Context, provider string, now time.Time) error {
	p, ok := m.providers[provider]
	if !ok {
		return ErrUnknownProvider
	}

	lock := m.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	cred, found, err := m.creds.Get(ctx, provider)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}

	if found && cred.AccessToken != "" {
		if err := p.Revoke(ctx, cred.AccessToken); err != nil {
			m.logger.Warn("remote revoke failed", "provider", provider, "error", err)
		}
	}

	cleared := Credential{
		Provider:       provider,
		Connected:      false,
		DisconnectedAt: now,
		UpdatedAt:      now,
	}
	if err := m.creds.Put(ctx, cleared); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}

	m.logger.Info("provider disconnected", "provider", provider)
	return nil
}

// Status returns the stored credential for a provider, if any.
func (m *ConnectionManager) Status(ctx context.Context, provider string) (Credential, bool, error) {
	if _, ok := m.providers[provider]; !ok {
		return Credential{}, false, ErrUnknownProvider
	}
	return m.creds.Get(ctx, provider)
}

func (m *ConnectionManager) providerLock(provider string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[provider]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[provider] = lock
	}
	return lock
}
