package server

import (
	"errors"
	"fmt"
)

// Sentinel errors callers are expected to branch on.
var (
	// ErrConfig marks a provider whose configuration is unusable. Fatal for
	// that provider at startup.
	ErrConfig = errors.New("invalid provider configuration")

	// ErrUnknownProvider is returned for provider names that are not
	// configured.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNotFound is returned when no pending flow matches a state token.
	ErrNotFound = errors.New("pending flow not found")

	// ErrExpired is returned when a pending flow exists but its TTL has
	// passed. The entry is deleted as a side effect.
	ErrExpired = errors.New("pending flow expired")

	// ErrCollision indicates a state token was generated twice. This is a
	// randomness or store defect and must never be resolved by overwriting.
	ErrCollision = errors.New("pending flow state collision")

	// ErrNotConnected means no usable credential exists for the provider;
	// the connection must be re-established interactively.
	ErrNotConnected = errors.New("provider not connected")
)

// ExchangeError wraps a failed authorization-code exchange. The code is
// single-use, so exchange failures are not retryable.
type ExchangeError struct {
	Provider string
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: token exchange failed: %v", e.Provider, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// RefreshError wraps a failed refresh-token exchange. Revoked reports
// whether the provider rejected the refresh token itself, in which case
// retrying is pointless and the credential has been marked disconnected.
type RefreshError struct {
	Provider string
	Revoked  bool
	Err      error
}

func (e *RefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("%s: refresh token revoked: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: token refresh failed: %v", e.Provider, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
