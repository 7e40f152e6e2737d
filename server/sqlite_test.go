package server

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connectd.db")
	store, err := OpenSQLiteStore(context.Background(), path, 15*time.Minute)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteTakeIsSingleUse(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Put(ctx, "state1", "verifier1", now); err != nil {
		t.Fatalf("Put: %v", err)
	}

	verifier, err := store.Take(ctx, "state1", now)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if verifier != "verifier1" {
		t.Fatalf("verifier = %q", verifier)
	}

	if _, err := store.Take(ctx, "state1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Take: got %v, want ErrNotFound", err)
	}
}

func TestSQLitePutRejectsCollision(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.Put(ctx, "state1", "verifier1", now); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "state1", "verifier2", now); !errors.Is(err, ErrCollision) {
		t.Fatalf("second Put: got %v, want ErrCollision", err)
	}
}

func TestSQLiteExpiredFlowDeletedOnTake(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Now()

	if err := store.Put(ctx, "state1", "verifier1", start); err != nil {
		t.Fatalf("Put: %v", err)
	}

	late := start.Add(16 * time.Minute)
	if _, err := store.Take(ctx, "state1", late); !errors.Is(err, ErrExpired) {
		t.Fatalf("Take: got %v, want ErrExpired", err)
	}
	if _, err := store.Take(ctx, "state1", late); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Take after deletion: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteSweep(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Now()

	if err := store.Put(ctx, "old", "v1", start.Add(-20*time.Minute)); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	if err := store.Put(ctx, "fresh", "v2", start); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}

	removed, err := store.Sweep(ctx, start)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := store.Take(ctx, "fresh", start); err != nil {
		t.Fatalf("fresh flow should survive: %v", err)
	}
}

func TestSQLiteCredentialRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	creds := store.Credentials()
	ctx := context.Background()
	now := time.Now()

	if _, found, err := creds.Get(ctx, "twitter"); err != nil || found {
		t.Fatalf("empty store: found=%v err=%v", found, err)
	}

	cred := Credential{
		Provider:     "twitter",
		AccessToken:  "tok1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(time.Hour),
		Connected:    true,
		ConnectedAt:  now,
		UpdatedAt:    now,
	}
	if err := creds.Put(ctx, cred); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := creds.Get(ctx, "twitter")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.AccessToken != "tok1" || got.RefreshToken != "r1" || !got.Connected {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ExpiresAt.UnixMilli() != cred.ExpiresAt.UnixMilli() {
		t.Fatalf("expiry mismatch: got %v want %v", got.ExpiresAt, cred.ExpiresAt)
	}
	if !got.DisconnectedAt.IsZero() {
		t.Fatalf("DisconnectedAt should be zero, got %v", got.DisconnectedAt)
	}

	// Disconnect-style overwrite clears the secrets.
	cleared := Credential{
		Provider:       "twitter",
		Connected:      false,
		DisconnectedAt: now,
		UpdatedAt:      now,
	}
	if err := creds.Put(ctx, cleared); err != nil {
		t.Fatalf("Put cleared: %v", err)
	}

	got, found, err = creds.Get(ctx, "twitter")
	if err != nil || !found {
		t.Fatalf("Get cleared: found=%v err=%v", found, err)
	}
	if got.Connected || got.AccessToken != "" || got.RefreshToken != "" {
		t.Fatalf("secrets not cleared: %+v", got)
	}
	if !got.ExpiresAt.IsZero() {
		t.Fatalf("expiry not cleared: %v", got.ExpiresAt)
	}
}
