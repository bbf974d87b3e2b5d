package auth

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Enabled() {
		t.Fatal("empty config must be disabled, not an error")
	}
	if cfg.Tokens.AccessTTL != DefaultAccessTTL {
		t.Fatalf("access ttl = %v", cfg.Tokens.AccessTTL)
	}
	if cfg.State.TTL != DefaultStateTTL || cfg.State.ClockSkew != DefaultClockSkew {
		t.Fatalf("state window = %v + %v", cfg.State.TTL, cfg.State.ClockSkew)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("AUTHD_TENANT_ID", "tenant-1")
	t.Setenv("AUTHD_CLIENT_ID", "client-1")
	t.Setenv("AUTHD_CLIENT_SECRET", "hunter2")
	t.Setenv("AUTHD_REDIRECT_URI", "https://app.example.com/auth/callback")
	t.Setenv("AUTHD_ALLOWED_EMAIL_DOMAINS", "example.com, example.org")
	t.Setenv("AUTHD_ACCESS_TTL", "20m")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Enabled() {
		t.Fatal("expected enabled config")
	}
	if cfg.Provider.TenantID != "tenant-1" || cfg.Provider.ClientID != "client-1" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if len(cfg.Provider.AllowedEmailDomains) != 2 || cfg.Provider.AllowedEmailDomains[1] != "example.org" {
		t.Fatalf("domains = %v", cfg.Provider.AllowedEmailDomains)
	}
	if cfg.Tokens.AccessTTL != 20*time.Minute {
		t.Fatalf("access ttl = %v", cfg.Tokens.AccessTTL)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authd.yaml")
	content := `
provider:
  tenant_id: tenant-9
  client_id: client-9
  client_secret: secret-9
  redirect_uri: https://example.com/cb
tokens:
  access_ttl: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.TenantID != "tenant-9" {
		t.Fatalf("tenant = %q", cfg.Provider.TenantID)
	}
	if cfg.Tokens.AccessTTL != 5*time.Minute {
		t.Fatalf("access ttl = %v", cfg.Tokens.AccessTTL)
	}
	// Fields absent from the file keep defaults.
	if cfg.Tokens.RefreshTTL != DefaultRefreshTTL {
		t.Fatalf("refresh ttl = %v", cfg.Tokens.RefreshTTL)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authd.yaml")
	if err := os.WriteFile(path, []byte("providr:\n  tenant_id: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateHalfConfiguredProvider(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing tenant", func(c *Config) { c.Provider.TenantID = "" }},
		{"missing client id", func(c *Config) { c.Provider.ClientID = "" }},
		{"missing redirect", func(c *Config) { c.Provider.RedirectURI = "" }},
		{"relative redirect", func(c *Config) { c.Provider.RedirectURI = "/callback" }},
		{"bad issuer", func(c *Config) { c.Provider.Issuer = "ldap://idp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Provider.TenantID = "t"
			cfg.Provider.ClientID = "c"
			cfg.Provider.RedirectURI = "https://example.com/cb"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if CodeOf(err) != CodeConfiguration {
				t.Fatalf("code = %q", CodeOf(err))
			}
		})
	}
}

func TestExpectedIssuer(t *testing.T) {
	p := ProviderConfig{TenantID: "tenant-1"}
	want := "https://login.microsoftonline.com/tenant-1/v2.0"
	if got := p.ExpectedIssuer(); got != want {
		t.Fatalf("issuer = %q, want %q", got, want)
	}

	p.Issuer = "https://idp.test/"
	if got := p.ExpectedIssuer(); got != "https://idp.test" {
		t.Fatalf("override issuer = %q", got)
	}
}

func TestProviderConfigNeverLogsSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p := ProviderConfig{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "super-secret-value",
		RedirectURI:  "https://example.com/cb",
	}
	logger.Info("configuration loaded", "provider", p)

	if strings.Contains(buf.String(), "super-secret-value") {
		t.Fatalf("client secret leaked into logs: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "client_secret_set=true") {
		t.Fatalf("expected redacted marker in logs: %s", buf.String())
	}
}
