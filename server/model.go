package server

import "time"

// PendingFlow holds the server-side half of an in-flight authorization:
// the state token the callback must echo and the PKCE verifier needed for
// the exchange. Owned exclusively by the pending-flow store and consumed
// at most once.
type PendingFlow struct {
	State        string
	CodeVerifier string
	CreatedAt    time.Time
}

// Credential is the stored token material for one platform connection.
// A zero ExpiresAt means the provider did not report an expiry.
type Credential struct {
	Provider       string
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Connected      bool
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	UpdatedAt      time.Time
}

// Usable reports whether the credential can back API calls right now.
func (c Credential) Usable(now time.Time) bool {
	if !c.Connected || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || c.ExpiresAt.After(now)
}

// Refreshable reports whether the credential can be renewed without user
// interaction.
func (c Credential) Refreshable() bool {
	return c.Connected && c.RefreshToken != ""
}

// ConnectResult is the structured outcome of a callback, handed to the
// HTTP layer for the landing redirect. ErrorKind is machine-readable and
// never carries token material.
type ConnectResult struct {
	OK        bool
	Provider  string
	ErrorKind string
}

// Error kinds surfaced to the landing page.
const (
	ErrorKindInvalidState    = "invalid_state"
	ErrorKindExpired         = "expired"
	ErrorKindAccessDenied    = "access_denied"
	ErrorKindExchangeFailed  = "exchange_failed"
	ErrorKindRefreshFailed   = "refresh_failed"
	ErrorKindNotConnected    = "not_connected"
	ErrorKindUnknownProvider = "unknown_provider"
	ErrorKindInternal        = "internal"
)
