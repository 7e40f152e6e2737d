package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(t *testing.T, tokenURL, revokeURL string) (*ConnectionManager, *MemoryCredentialStore, *MemoryPendingStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := NewProvider(context.Background(), "twitter", ProviderConfig{
		ClientID:     "cid",
		ClientSecret: "csecret",
		RedirectURI:  "http://127.0.0.1:8080/connect/twitter/callback",
		Scopes:       []string{"tweet.read", "offline.access"},
		AuthURL:      "https://provider.test/authorize",
		TokenURL:     tokenURL,
		RevokeURL:    revokeURL,
	}, 5*time.Second, logger)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	flows := NewMemoryPendingStore(15 * time.Minute)
	creds := NewMemoryCredentialStore()
	mgr := NewConnectionManager(map[string]*Provider{"twitter": p}, flows, creds, 10*time.Minute, logger)
	return mgr, creds, flows
}

func tokenResponse(accessToken, refreshToken string, expiresIn int) string {
	if refreshToken == "" {
		return fmt.Sprintf(`{"access_token":%q,"token_type":"bearer","expires_in":%d}`, accessToken, expiresIn)
	}
	return fmt.Sprintf(`{"access_token":%q,"token_type":"bearer","expires_in":%d,"refresh_token":%q}`, accessToken, expiresIn, refreshToken)
}

func TestCallbackExchangeStoresCredential(t *testing.T) {
	var mu sync.Mutex
	var gotGrant, gotCode, gotVerifier string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		gotGrant = r.FormValue("grant_type")
		gotCode = r.FormValue("code")
		gotVerifier = r.FormValue("code_verifier")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tokenResponse("tok1", "r1", 3600))
	}))
	defer ts.Close()

	mgr, creds, _ := newTestManager(t, ts.URL, "")
	ctx := context.Background()
	now := time.Now()

	authURL, err := mgr.Start(ctx, "twitter", now)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	q := parsed.Query()
	state := q.Get("state")
	if state == "" {
		t.Fatalf("auth URL missing state")
	}
	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("auth URL missing PKCE parameters: %q", authURL)
	}

	result := mgr.HandleCallback(ctx, "twitter", state, "authcode", now)
	if !result.OK {
		t.Fatalf("callback failed: %+v", result)
	}

	mu.Lock()
	if gotGrant != "authorization_code" {
		t.Fatalf("grant_type = %q", gotGrant)
	}
	if gotCode != "authcode" {
		t.Fatalf("code = %q", gotCode)
	}
	if ChallengeS256(gotVerifier) != challenge {
		t.Fatalf("exchanged verifier does not match advertised challenge")
	}
	mu.Unlock()

	cred, found, err := creds.Get(ctx, "twitter")
	if err != nil || !found {
		t.Fatalf("credential not stored: found=%v err=%v", found, err)
	}
	if !cred.Connected {
		t.Fatalf("credential not marked connected")
	}
	if cred.AccessToken != "tok1" || cred.RefreshToken != "r1" {
		t.Fatalf("token mismatch: access=%q refresh=%q", cred.AccessToken, cred.RefreshToken)
	}
	wantExpiry := now.Add(time.Hour)
	if d := cred.ExpiresAt.Sub(wantExpiry); d < -5*time.Second || d > 5*time.Second {
		t.Fatalf("expiry off: got %v want about %v", cred.ExpiresAt, wantExpiry)
	}

	// Replaying the callback with the consumed state must fail.
	replay := mgr.HandleCallback(ctx, "twitter", state, "authcode", now)
	if replay.OK || replay.ErrorKind != ErrorKindInvalidState {
		t.Fatalf("replay result: %+v", replay)
	}
}

func TestCallbackWithForgedStateRejected(t *testing.T) {
	mgr, creds, _ := newTestManager(t, "https://provider.test/token", "")
	now := time.Now()

	result := mgr.HandleCallback(context.Background(), "twitter", "forged", "code", now)
	if result.OK || result.ErrorKind != ErrorKindInvalidState {
		t.Fatalf("forged state result: %+v", result)
	}

	if _, found, _ := creds.Get(context.Background(), "twitter"); found {
		t.Fatalf("credential must not exist after rejected callback")
	}
}

func TestCallbackWithExpiredFlow(t *testing.T) {
	mgr, _, flows := newTestManager(t, "https://provider.test/token", "")
	ctx := context.Background()
	start := time.Now()

	authURL, err := mgr.Start(ctx, "twitter", start)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	parsed, _ := url.Parse(authURL)
	state := parsed.Query().Get("state")

	late := start.Add(16 * time.Minute)
	result := mgr.HandleCallback(ctx, "twitter", state, "code", late)
	if result.OK || result.ErrorKind != ErrorKindExpired {
		t.Fatalf("expired flow result: %+v", result)
	}

	// The expired entry is removed, so the same state now reads as unknown.
	if _, err := flows.Take(ctx, state, late); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired flow not deleted: %v", err)
	}
}

func TestExchangeFailureLeavesNoCredential(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	mgr, creds, _ := newTestManager(t, ts.URL, "")
	ctx := context.Background()
	now := time.Now()

	authURL, err := mgr.Start(ctx, "twitter", now)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	parsed, _ := url.Parse(authURL)

	result := mgr.HandleCallback(ctx, "twitter", parsed.Query().Get("state"), "code", now)
	if result.OK || result.ErrorKind != ErrorKindExchangeFailed {
		t.Fatalf("exchange failure result: %+v", result)
	}

	if _, found, _ := creds.Get(ctx, "twitter"); found {
		t.Fatalf("failed exchange must not write a credential")
	}
}

func TestRefreshRetainsRefreshTokenWhenResponseOmitsIt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "r1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tokenResponse("tok2", "", 3600))
	}))
	defer ts.Close()

	mgr, creds, _ := newTestManager(t, ts.URL, "")
	ctx := context.Background()
	now := time.Now()

	seed := Credential{
		Provider:     "twitter",
		AccessToken:  "tok1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(-time.Minute),
		Connected:    true,
		UpdatedAt:    now.Add(-time.Hour),
	}
	if err := creds.Put(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if err := mgr.Refresh(ctx, "twitter", now); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	cred, _, _ := creds.Get(ctx, "twitter")
	if cred.AccessToken != "tok2" {
		t.Fatalf("access token not rotated: %q", cred.AccessToken)
	}
	if cred.RefreshToken != "r1" {
		t.Fatalf("refresh token must be retained, got %q", cred.RefreshToken)
	}
	if !cred.Connected {
		t.Fatalf("credential must stay connected")
	}
}

func TestRefreshAdoptsRotatedRefreshToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tokenResponse("tok2", "r2", 3600))
	}))
	defer ts.Close()

	mgr, creds, _ := newTestManager(t, ts.URL, "")
	ctx := context.Background()
	now := time.Now()

	seed := Credential{
		Provider:     "twitter",
		AccessToken:  "tok1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(-time.Minute),
		Connected:    true,
	}
	if err := creds.Put(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if err := mgr.Refresh(ctx, "twitter", now); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	cred, _, _ := creds.Get(ctx, "twitter")
	if cred.RefreshToken != "r2" {
		t.Fatalf("rotated refresh token not adopted: %q", cred.RefreshToken)
	}
}

func TestRefreshWithoutRefreshTokenIsTerminal(t *testing.T) {
	mgr, creds, _ := newTestManager(t, "https://provider.test/token", "")
	ctx := context.Background()
	now := time.Now()

	if err := mgr.Refresh(ctx, "twitter", now); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("refresh with no credential: got %v, want ErrNotConnected", err)
	}

	seed := Credential{
		Provider:    "twitter",
		AccessToken: "tok1",
		ExpiresAt:   now.Add(-time.Minute),
		Connected:   true,
	}
	if err := creds.Put(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	if err := mgr.Refresh(ctx, "twitter", now); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("refresh without refresh token: got %v, want ErrNotConnected", err)
	}
}

func TestRefreshRevokedGrantMarksDisconnected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant","error_description":"token revoked"}`)
	}))
	defer ts.Close()

	mgr, creds, _ := newTestManager(t, ts.URL, "")
	ctx := context.Background()
	now := time.Now()

	seed := Credential{
		Provider:     "twitter",
		AccessToken:  "tok1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(-time.Minute),
		Connected:    true,
	}
	if err := creds.Put(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	err := mgr.Refresh(ctx, "twitter", now)
	var re *RefreshError
	if !errors.As(err, &re) || !re.Revoked {
		t.Fatalf("want revoked RefreshError, got %v", err)
	}

	cred, _, _ := creds.Get(ctx, "twitter")
	if cred.Connected {
		t.Fatalf("revoked credential must be marked disconnected")
	}
	if cred.RefreshToken != "" {
		t.Fatalf("dead refresh token must be cleared")
	}
}

func TestConcurrentRefreshSpendsTokenOnce(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, tokenResponse("tok2", "r2", 3600))
	}))
	defer ts.Close()

	mgr, creds, _ := newTestManager(t, ts.URL, "")
	ctx := context.Background()
	now := time.Now()

	seed := Credential{
		Provider:     "twitter",
		AccessToken:  "tok1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(-time.Minute),
		Connected:    true,
	}
	if err := creds.Put(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.Refresh(ctx, "twitter", now)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("token endpoint called %d times, want 1", got)
	}

	cred, _, _ := creds.Get(ctx, "twitter")
	if cred.AccessToken != "tok2" || cred.RefreshToken != "r2" {
		t.Fatalf("unexpected credential after concurrent refresh: %+v", cred)
	}
}

func TestDisconnectClearsCredentialEvenWhenRevokeFails(t *testing.T) {
	var revokeCalled atomic.Bool
	revoke := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		revokeCalled.Store(true)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer revoke.Close()

	mgr, creds, _ := newTestManager(t, "https://provider.test/token", revoke.URL)
	ctx := context.Background()
	now := time.Now()

	seed := Credential{
		Provider:     "twitter",
		AccessToken:  "tok1",
		RefreshToken: "r1",
		ExpiresAt:    now.Add(time.Hour),
		Connected:    true,
	}
	if err := creds.Put(ctx, seed); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	if err := mgr.Disconnect(ctx, "twitter", now); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !revokeCalled.Load() {
		t.Fatalf("revoke endpoint was not called")
	}

	cred, found, _ := creds.Get(ctx, "twitter")
	if !found {
		t.Fatalf("cleared credential record should remain")
	}
	if cred.Connected {
		t.Fatalf("credential still connected after disconnect")
	}
	if cred.AccessToken != "" || cred.RefreshToken != "" {
		t.Fatalf("disconnect left secret material in store: %+v", cred)
	}
	if cred.DisconnectedAt.IsZero() {
		t.Fatalf("DisconnectedAt not recorded")
	}
}

func TestUnknownProviderOperations(t *testing.T) {
	mgr, _, _ := newTestManager(t, "https://provider.test/token", "")
	ctx := context.Background()
	now := time.Now()

	if _, err := mgr.Start(ctx, "myspace", now); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Start: got %v", err)
	}
	if err := mgr.Refresh(ctx, "myspace", now); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Refresh: got %v", err)
	}
	if err := mgr.Disconnect(ctx, "myspace", now); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Disconnect: got %v", err)
	}
	if result := mgr.HandleCallback(ctx, "myspace", "s", "c", now); result.OK || result.ErrorKind != ErrorKindUnknownProvider {
		t.Fatalf("HandleCallback: %+v", result)
	}
}
