package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded flow and refresh defaults
const (
	DefaultFlowTTL         = 15 * time.Minute
	DefaultSweepInterval   = 5 * time.Minute
	DefaultRefreshInterval = 5 * time.Minute
	DefaultRefreshSkew     = 10 * time.Minute
	DefaultProviderTimeout = 10 * time.Second
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Store     StoreConfig               `yaml:"store"`
	Flows     FlowConfig                `yaml:"flows"`
	Refresh   RefreshConfig             `yaml:"refresh"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	LandingURL      string     `yaml:"landing_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains   []string `yaml:"domains"`
	Email     string   `yaml:"email"`
	CachePath string   `yaml:"cache_path"`
}

// CORSConfig lists origins allowed to call the JSON endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StoreConfig selects the persistence backend for credentials and
// pending flows.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "memory" or "sqlite"
	Path    string `yaml:"path"`
}

// FlowConfig bounds in-flight authorizations.
type FlowConfig struct {
	TTL           string `yaml:"ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

// RefreshConfig drives the proactive refresh loop and provider call
// timeouts.
type RefreshConfig struct {
	Interval string `yaml:"interval"`
	Skew     string `yaml:"skew"`
	Timeout  string `yaml:"timeout"`
}

// ProviderConfig holds the registration for one external platform.
// AuthURL/TokenURL may be left empty when Issuer supports OIDC discovery,
// or when the provider name is one of the built-in platforms.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RevokeURL    string   `yaml:"revoke_url"`
	Issuer       string   `yaml:"issuer"`
}

// builtinEndpoints carries well-known endpoints for the first-class
// platforms so deployments only supply credentials.
var builtinEndpoints = map[string]ProviderConfig{
	"twitter": {
		AuthURL:   "https://twitter.com/i/oauth2/authorize",
		TokenURL:  "https://api.twitter.com/2/oauth2/token",
		RevokeURL: "https://api.twitter.com/2/oauth2/revoke",
		Scopes:    []string{"tweet.read", "users.read", "offline.access"},
	},
	"facebook": {
		AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL: "https://graph.facebook.com/v19.0/oauth/access_token",
		Scopes:   []string{"public_profile", "pages_show_list"},
	},
	"instagram": {
		AuthURL:  "https://api.instagram.com/oauth/authorize",
		TokenURL: "https://api.instagram.com/oauth/access_token",
		Scopes:   []string{"user_profile", "user_media"},
	},
	"mercadopago": {
		AuthURL:  "https://auth.mercadopago.com/authorization",
		TokenURL: "https://api.mercadopago.com/oauth/token",
		Scopes:   []string{"offline_access", "read", "write"},
	},
	"paypal": {
		AuthURL:  "https://www.paypal.com/signin/authorize",
		TokenURL: "https://api-m.paypal.com/v1/oauth2/token",
		Scopes:   []string{"openid"},
	},
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	applyBuiltinEndpoints(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:   []string{"localhost"},
				CachePath: ".secrets/tls",
			},
			CORS: CORSConfig{},
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    "connectd.db",
		},
		Providers: map[string]ProviderConfig{},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"CONNECTD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"CONNECTD_SERVER_LANDING_URL":       func(v string) { cfg.Server.LandingURL = v },
		"CONNECTD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"CONNECTD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"CONNECTD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"CONNECTD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"CONNECTD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"CONNECTD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"CONNECTD_STORE_BACKEND":            func(v string) { cfg.Store.Backend = v },
		"CONNECTD_STORE_PATH":               func(v string) { cfg.Store.Path = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Per-provider registration comes from the environment in most
	// deployments: CONNECTD_PROVIDER_<NAME>_CLIENT_ID and friends.
	for name := range builtinEndpoints {
		applyProviderEnv(cfg, name)
	}
	for name := range cfg.Providers {
		applyProviderEnv(cfg, name)
	}
}

func applyProviderEnv(cfg *Config, name string) {
	prefix := "CONNECTD_PROVIDER_" + strings.ToUpper(name) + "_"
	id, hasID := os.LookupEnv(prefix + "CLIENT_ID")
	secret, hasSecret := os.LookupEnv(prefix + "CLIENT_SECRET")
	redirect, hasRedirect := os.LookupEnv(prefix + "REDIRECT_URI")
	if !hasID && !hasSecret && !hasRedirect {
		return
	}

	pc := cfg.Providers[name]
	if hasID {
		pc.ClientID = id
	}
	if hasSecret {
		pc.ClientSecret = secret
	}
	if hasRedirect {
		pc.RedirectURI = redirect
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	cfg.Providers[name] = pc
}

func applyBuiltinEndpoints(cfg *Config) {
	for name, pc := range cfg.Providers {
		builtin, ok := builtinEndpoints[name]
		if !ok {
			continue
		}
		if pc.AuthURL == "" {
			pc.AuthURL = builtin.AuthURL
		}
		if pc.TokenURL == "" {
			pc.TokenURL = builtin.TokenURL
		}
		if pc.RevokeURL == "" {
			pc.RevokeURL = builtin.RevokeURL
		}
		if len(pc.Scopes) == 0 {
			pc.Scopes = builtin.Scopes
		}
		if pc.RedirectURI == "" {
			pc.RedirectURI = strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/connect/" + name + "/callback"
		}
		cfg.Providers[name] = pc
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FlowTTL returns the configured pending-flow TTL.
func (c Config) FlowTTL() time.Duration {
	return parseDuration(c.Flows.TTL, DefaultFlowTTL)
}

// SweepInterval returns the janitor cadence.
func (c Config) SweepInterval() time.Duration {
	return parseDuration(c.Flows.SweepInterval, DefaultSweepInterval)
}

// RefreshInterval returns the proactive refresh cadence.
func (c Config) RefreshInterval() time.Duration {
	return parseDuration(c.Refresh.Interval, DefaultRefreshInterval)
}

// RefreshSkew returns how far before expiry a credential is refreshed.
func (c Config) RefreshSkew() time.Duration {
	return parseDuration(c.Refresh.Skew, DefaultRefreshSkew)
}

// ProviderTimeout bounds every outbound call to a provider.
func (c Config) ProviderTimeout() time.Duration {
	return parseDuration(c.Refresh.Timeout, DefaultProviderTimeout)
}

// Landing returns the post-callback redirect target.
func (c Config) Landing() string {
	if c.Server.LandingURL != "" {
		return c.Server.LandingURL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/connections"
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Store.Backend {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be 'memory' or 'sqlite', got: %s", c.Store.Backend)
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	for name, pc := range c.Providers {
		if pc.ClientID == "" {
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
		if pc.ClientSecret == "" {
			return fmt.Errorf("providers.%s.client_secret is required", name)
		}
		if pc.RedirectURI == "" {
			return fmt.Errorf("providers.%s.redirect_uri is required", name)
		}
		if !strings.HasPrefix(pc.RedirectURI, "http://") && !strings.HasPrefix(pc.RedirectURI, "https://") {
			return fmt.Errorf("providers.%s.redirect_uri must start with http:// or https://, got: %s", name, pc.RedirectURI)
		}
		if pc.Issuer == "" && (pc.AuthURL == "" || pc.TokenURL == "") {
			return fmt.Errorf("providers.%s: auth_url and token_url are required unless issuer is set", name)
		}
	}

	return nil
}
