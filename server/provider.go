package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider wraps the OAuth2 registration for one external platform.
type Provider struct {
	name        string
	oauthConfig *oauth2.Config
	revokeURL   string
	timeout     time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// NewProvider builds a provider from its configuration. Endpoints are
// taken from the config directly, or resolved through OIDC discovery when
// only an issuer is given.
func NewProvider(ctx context.Context, name string, pc ProviderConfig, timeout time.Duration, logger *slog.Logger) (*Provider, error) {
	if pc.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id required for provider %s", ErrConfig, name)
	}
	if pc.RedirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri required for provider %s", ErrConfig, name)
	}

	endpoint := oauth2.Endpoint{
		AuthURL:  pc.AuthURL,
		TokenURL: pc.TokenURL,
	}
	if pc.AuthURL == "" || pc.TokenURL == "" {
		if pc.Issuer == "" {
			return nil, fmt.Errorf("%w: endpoints required for provider %s", ErrConfig, name)
		}
		op, err := oidc.NewProvider(ctx, pc.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", name, err)
		}
		endpoint = op.Endpoint()
	}

	// Pinning the auth style avoids the oauth2 package probing the token
	// endpoint twice on first use.
	if pc.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}

	oauthCfg := &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		RedirectURL:  pc.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       pc.Scopes,
	}

	return &Provider{
		name:        name,
		oauthConfig: oauthCfg,
		revokeURL:   pc.RevokeURL,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}, nil
}

// Name returns the provider key.
func (p *Provider) Name() string { return p.name }

// AuthCodeURL constructs the authorization request URL with the PKCE
// challenge and state bound in.
func (p *Provider) AuthCodeURL(state, codeChallenge string) string {
	return p.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange swaps an authorization code plus its verifier for a token pair.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	tok, err := p.oauthConfig.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, &ExchangeError{Provider: p.name, Err: err}
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new token pair. A provider
// response rejecting the grant is reported as RefreshError with
// Revoked=true; transport and server errors are retryable.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := p.callContext(ctx)
	defer cancel()

	src := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, &RefreshError{Provider: p.name, Revoked: isGrantRevoked(err), Err: err}
	}
	return tok, nil
}

// Revoke posts the token to the provider's revocation endpoint. Providers
// without one configured are a no-op.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	if p.revokeURL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%s: build revoke request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauthConfig.ClientID), url.QueryEscape(p.oauthConfig.ClientSecret))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: revoke: %w", p.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: revoke returned %s", p.name, resp.Status)
	}
	return nil
}

// callContext bounds an outbound provider call and routes it through the
// provider's HTTP client.
func (p *Provider) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	return context.WithTimeout(ctx, p.timeout)
}

// isGrantRevoked reports whether the provider rejected the refresh token
// itself rather than failing transiently.
func isGrantRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.ErrorCode == "" && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 &&
		strings.Contains(string(re.Body), "invalid_grant")
}

// BuildProviders prepares all configured providers.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[string]*Provider, error) {
	providers := make(map[string]*Provider)
	for name, pc := range cfg.Providers {
		prov, err := NewProvider(ctx, name, pc, cfg.ProviderTimeout(), logger)
		if err != nil {
			if cfg.Server.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				continue
			}
			return nil, err
		}
		providers[name] = prov
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no usable providers", ErrConfig)
	}
	return providers, nil
}
