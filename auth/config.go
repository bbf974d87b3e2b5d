package auth

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded lifecycle defaults.
const (
	DefaultAccessTTL      = 15 * time.Minute
	DefaultRefreshTTL     = 24 * time.Hour
	DefaultRememberTTL    = 30 * 24 * time.Hour
	DefaultStateTTL       = 5 * time.Minute
	DefaultClockSkew      = 30 * time.Second
	DefaultNetworkTimeout = 10 * time.Second
)

// Config captures the full subsystem configuration loaded from YAML and
// environment variables. Immutable after LoadConfig returns.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Tokens   TokenConfig    `yaml:"tokens"`
	State    StateConfig    `yaml:"state"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

// ProviderConfig identifies the upstream OIDC tenant and client.
type ProviderConfig struct {
	TenantID            string   `yaml:"tenant_id"`
	ClientID            string   `yaml:"client_id"`
	ClientSecret        string   `yaml:"client_secret"`
	RedirectURI         string   `yaml:"redirect_uri"`
	Scopes              []string `yaml:"scopes"`
	AllowedEmailDomains []string `yaml:"allowed_email_domains"`
	SuccessRedirect     string   `yaml:"success_redirect"`

	// Issuer overrides the tenant-derived issuer URL. Tests point this at a
	// local stub provider.
	Issuer string `yaml:"issuer"`

	Timeout time.Duration `yaml:"timeout"`
}

// TokenConfig controls bearer token lifetimes and signing key storage.
type TokenConfig struct {
	AccessTTL   time.Duration `yaml:"access_ttl"`
	RefreshTTL  time.Duration `yaml:"refresh_ttl"`
	RememberTTL time.Duration `yaml:"remember_ttl"`
	Issuer      string        `yaml:"issuer"`
	JWKSPath    string        `yaml:"jwks_path"`
}

// StateConfig controls the state/nonce window.
type StateConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	ClockSkew time.Duration `yaml:"clock_skew"`
}

// DatabaseConfig points at the shared Postgres instance. Empty URL selects
// the in-process stores, which are only safe for a single instance.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig controls the HTTP facade.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DevMode    bool   `yaml:"dev_mode"`
}

// LogValue renders the provider config without its secret.
func (p ProviderConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenant_id", p.TenantID),
		slog.String("client_id", p.ClientID),
		slog.String("redirect_uri", p.RedirectURI),
		slog.Bool("client_secret_set", p.ClientSecret != ""),
	)
}

// ExpectedIssuer returns the configured issuer or the tenant-derived one.
func (p ProviderConfig) ExpectedIssuer() string {
	if p.Issuer != "" {
		return strings.TrimSuffix(p.Issuer, "/")
	}
	return "https://login.microsoftonline.com/" + p.TenantID + "/v2.0"
}

// LoadConfig reads the YAML config file (optional) and merges environment
// overrides. Missing optional fields fall back to defaults; an absent
// provider section leaves the subsystem disabled rather than erroring.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Scopes:  []string{"openid", "profile", "email"},
			Timeout: DefaultNetworkTimeout,
		},
		Tokens: TokenConfig{
			AccessTTL:   DefaultAccessTTL,
			RefreshTTL:  DefaultRefreshTTL,
			RememberTTL: DefaultRememberTTL,
			Issuer:      "authd",
		},
		State: StateConfig{
			TTL:       DefaultStateTTL,
			ClockSkew: DefaultClockSkew,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8085",
		},
	}
}

// Enabled reports whether the OIDC provider is configured. Callers must
// treat a disabled subsystem as "login unavailable", not as an error.
func (c Config) Enabled() bool {
	return c.Provider.TenantID != "" && c.Provider.ClientID != "" && c.Provider.RedirectURI != ""
}

// Validate performs sanity checks on present fields. A disabled config is
// valid; a half-configured provider is not.
func (c Config) Validate() error {
	p := c.Provider
	configured := p.TenantID != "" || p.ClientID != "" || p.ClientSecret != "" || p.RedirectURI != ""
	if !configured {
		return nil
	}
	if p.TenantID == "" {
		return NewConfigurationError("provider.tenant_id is required")
	}
	if p.ClientID == "" {
		return NewConfigurationError("provider.client_id is required")
	}
	if p.RedirectURI == "" {
		return NewConfigurationError("provider.redirect_uri is required")
	}
	if u, err := url.Parse(p.RedirectURI); err != nil || u.Scheme == "" || u.Host == "" {
		return NewConfigurationError("provider.redirect_uri must be an absolute URL")
	}
	if p.Issuer != "" {
		if !strings.HasPrefix(p.Issuer, "http://") && !strings.HasPrefix(p.Issuer, "https://") {
			return NewConfigurationError("provider.issuer must start with http:// or https://")
		}
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		return NewConfigurationError("token TTLs must be positive")
	}
	if c.State.TTL <= 0 {
		return NewConfigurationError("state.ttl must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_TENANT_ID":             func(v string) { cfg.Provider.TenantID = v },
		"AUTHD_CLIENT_ID":             func(v string) { cfg.Provider.ClientID = v },
		"AUTHD_CLIENT_SECRET":         func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHD_REDIRECT_URI":          func(v string) { cfg.Provider.RedirectURI = v },
		"AUTHD_SCOPES":                func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
		"AUTHD_ALLOWED_EMAIL_DOMAINS": func(v string) { cfg.Provider.AllowedEmailDomains = splitAndTrim(v) },
		"AUTHD_SUCCESS_REDIRECT":      func(v string) { cfg.Provider.SuccessRedirect = v },
		"AUTHD_ISSUER":                func(v string) { cfg.Provider.Issuer = v },
		"AUTHD_DATABASE_URL":          func(v string) { cfg.Database.URL = v },
		"AUTHD_LISTEN_ADDR":           func(v string) { cfg.Server.ListenAddr = v },
		"AUTHD_DEV_MODE":              func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_JWKS_PATH":             func(v string) { cfg.Tokens.JWKSPath = v },
		"AUTHD_ACCESS_TTL":            func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"AUTHD_REFRESH_TTL":           func(v string) { cfg.Tokens.RefreshTTL = parseDuration(v, cfg.Tokens.RefreshTTL) },
		"AUTHD_REMEMBER_TTL":          func(v string) { cfg.Tokens.RememberTTL = parseDuration(v, cfg.Tokens.RememberTTL) },
		"AUTHD_STATE_TTL":             func(v string) { cfg.State.TTL = parseDuration(v, cfg.State.TTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
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
