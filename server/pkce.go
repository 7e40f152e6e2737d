package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// RFC 7636 requires the verifier to be 43-128 characters once encoded.
// 48 random bytes encode to 64 URL-safe characters.
const verifierEntropyBytes = 48

const stateEntropyBytes = 24

// GenerateVerifier returns a fresh PKCE code verifier from the system CSPRNG.
func GenerateVerifier() (string, error) {
	buf := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier:
// base64url(sha256(verifier)) without padding.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns an opaque anti-CSRF token, generated independently
// of the verifier.
func GenerateState() (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
