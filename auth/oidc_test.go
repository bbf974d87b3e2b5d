package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// fakeIDP is a minimal OIDC provider: discovery, JWKS, and a token
// endpoint that signs whatever claims the test staged.
type fakeIDP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu            sync.Mutex
	claims        jwt.MapClaims
	lastVerifier  string
	tokenStatus   int
	discoveryHits int
	tokenHits     int
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &fakeIDP{t: t, key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.discoveryHits++
		f.mu.Unlock()
		writeJSON(w, map[string]any{
			"issuer":                                f.srv.URL,
			"authorization_endpoint":                f.srv.URL + "/authorize",
			"token_endpoint":                        f.srv.URL + "/token",
			"jwks_uri":                              f.srv.URL + "/keys",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &f.key.PublicKey, KeyID: "test-key", Algorithm: "RS256", Use: "sig",
		}}}
		writeJSON(w, set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.tokenHits++
		if f.tokenStatus != 0 {
			http.Error(w, `{"error":"invalid_grant"}`, f.tokenStatus)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		f.lastVerifier = r.PostForm.Get("code_verifier")

		token := jwt.NewWithClaims(jwt.SigningMethodRS256, f.claims)
		token.Header["kid"] = "test-key"
		signed, err := token.SignedString(f.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"access_token": "provider-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeIDP) setClaims(claims jwt.MapClaims) {
	f.mu.Lock()
	f.claims = claims
	f.mu.Unlock()
}

func (f *fakeIDP) validClaims(clientID, nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            f.srv.URL,
		"aud":            clientID,
		"sub":            "user-123",
		"email":          "jo@example.com",
		"email_verified": true,
		"nonce":          nonce,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"name":           "Jo Doe",
		"given_name":     "Jo",
		"family_name":    "Doe",
	}
}

func testProviderConfig(idp *fakeIDP) ProviderConfig {
	return ProviderConfig{
		TenantID:     "tenant-test",
		ClientID:     "client-123",
		ClientSecret: "s3cret",
		RedirectURI:  "https://app.test/callback",
		Issuer:       idp.srv.URL,
		Timeout:      5 * time.Second,
	}
}

func newTestClient(t *testing.T, idp *fakeIDP) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(testProviderConfig(idp), logger)
}

func TestCreateAuthURL(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)

	req, err := c.CreateAuthURL(context.Background())
	if err != nil {
		t.Fatalf("CreateAuthURL: %v", err)
	}
	if len(req.CodeVerifier) < 43 {
		t.Fatalf("code verifier too short: %d chars", len(req.CodeVerifier))
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	sum := sha256.Sum256([]byte(req.CodeVerifier))
	wantChallenge := base64.RawURLEncoding.EncodeToString(sum[:])

	checks := map[string]string{
		"response_type":         "code",
		"client_id":             "client-123",
		"redirect_uri":          "https://app.test/callback",
		"state":                 req.State,
		"nonce":                 req.Nonce,
		"code_challenge":        wantChallenge,
		"code_challenge_method": "S256",
	}
	for param, want := range checks {
		if got := q.Get(param); got != want {
			t.Errorf("%s = %q, want %q", param, got, want)
		}
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("scope = %q, want openid", q.Get("scope"))
	}
	if req.State == req.Nonce {
		t.Error("state and nonce must be independently random")
	}
}

func TestDiscoveryMemoized(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Initialize(ctx); err != nil {
			t.Fatalf("Initialize #%d: %v", i, err)
		}
	}
	if _, err := c.CreateAuthURL(ctx); err != nil {
		t.Fatalf("CreateAuthURL: %v", err)
	}
	if idp.discoveryHits != 1 {
		t.Fatalf("discovery hits = %d, want 1", idp.discoveryHits)
	}

	c.Reset()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize after reset: %v", err)
	}
	if idp.discoveryHits != 2 {
		t.Fatalf("discovery hits after reset = %d, want 2", idp.discoveryHits)
	}
}

func TestDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(ProviderConfig{
		TenantID:    "tenant-test",
		ClientID:    "client-123",
		RedirectURI: "https://app.test/callback",
		Issuer:      srv.URL,
		Timeout:     2 * time.Second,
	}, logger)

	err := c.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected discovery error")
	}
	if CodeOf(err) != CodeDiscovery {
		t.Fatalf("code = %q", CodeOf(err))
	}
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Details["tenant_id"] != "tenant-test" {
		t.Fatalf("tenant_id detail missing: %v", err)
	}
}

func TestHandleCallbackSuccess(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)
	nonce := "nonce-abc"
	idp.setClaims(idp.validClaims("client-123", nonce))

	info, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?code=code-1&state=state-1",
		"state-1", nonce, "verifier-string-that-is-long-enough-for-pkce")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if info.Email != "jo@example.com" || !info.EmailVerified {
		t.Fatalf("info = %+v", info)
	}
	if info.Name != "Jo Doe" || info.GivenName != "Jo" || info.FamilyName != "Doe" {
		t.Fatalf("names = %+v", info)
	}
	if info.RawClaims["sub"] != "user-123" {
		t.Fatalf("raw claims missing sub: %v", info.RawClaims)
	}
	if idp.lastVerifier != "verifier-string-that-is-long-enough-for-pkce" {
		t.Fatalf("code_verifier not forwarded: %q", idp.lastVerifier)
	}
}

func TestHandleCallbackProviderError(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)

	_, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?error=access_denied&error_description=user+cancelled&state=s",
		"s", "n", "v")
	if CodeOf(err) != CodeTokenExchange {
		t.Fatalf("code = %q, err = %v", CodeOf(err), err)
	}
	if idp.tokenHits != 0 {
		t.Fatal("no exchange may be attempted when the provider reports an error")
	}
}

func TestHandleCallbackStateMismatch(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)

	_, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?code=code-1&state=attacker-state",
		"expected-state", "n", "v")
	if CodeOf(err) != CodeStateValidation {
		t.Fatalf("code = %q, err = %v", CodeOf(err), err)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	idp := newFakeIDP(t)
	idp.tokenStatus = http.StatusBadRequest
	c := newTestClient(t, idp)

	_, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?code=bad-code&state=s", "s", "n", "v")
	if CodeOf(err) != CodeTokenExchange {
		t.Fatalf("code = %q, err = %v", CodeOf(err), err)
	}
}

func TestHandleCallbackNonceMismatch(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)
	claims := idp.validClaims("client-123", "stale-nonce")
	idp.setClaims(claims)

	_, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?code=code-1&state=s", "s", "fresh-nonce", "v")
	if CodeOf(err) != CodeTokenValidation || !strings.Contains(err.Error(), "nonce validation failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleCallbackUnverifiedEmail(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)
	claims := idp.validClaims("client-123", "n")
	claims["email_verified"] = false
	idp.setClaims(claims)

	_, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?code=code-1&state=s", "s", "n", "v")
	if CodeOf(err) != CodeTokenValidation || !strings.Contains(err.Error(), "not verified") {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleCallbackEntraVerifiedDomainFlag(t *testing.T) {
	idp := newFakeIDP(t)
	c := newTestClient(t, idp)
	claims := idp.validClaims("client-123", "n")
	delete(claims, "email_verified")
	claims["xms_edov"] = true
	idp.setClaims(claims)

	info, err := c.HandleCallback(context.Background(),
		"https://app.test/callback?code=code-1&state=s", "s", "n", "v")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if !info.EmailVerified {
		t.Fatal("xms_edov must count as verified")
	}
}

func TestValidateIDClaims(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	newClient := func(domains ...string) *Client {
		c := NewClient(ProviderConfig{
			TenantID:            "tenant-test",
			ClientID:            "client-123",
			RedirectURI:         "https://app.test/callback",
			Issuer:              "https://idp.test",
			AllowedEmailDomains: domains,
		}, logger)
		c.now = func() time.Time { return now }
		return c
	}

	valid := func() map[string]any {
		return map[string]any{
			"iss":            "https://idp.test",
			"aud":            "client-123",
			"sub":            "user-123",
			"email":          "jo@example.com",
			"email_verified": true,
			"nonce":          "nonce-1",
			"iat":            float64(now.Add(-time.Minute).Unix()),
			"exp":            float64(now.Add(time.Hour).Unix()),
		}
	}

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		domains []string
		wantErr string
	}{
		{
			name:   "missing email",
			mutate: func(c map[string]any) { delete(c, "email") },
			wantErr: "missing email claim",
		},
		{
			name: "both verification flags false",
			mutate: func(c map[string]any) {
				c["email_verified"] = false
				c["xms_edov"] = false
			},
			wantErr: "not verified",
		},
		{
			name:   "nonce mismatch",
			mutate: func(c map[string]any) { c["nonce"] = "other" },
			wantErr: "nonce validation failed",
		},
		{
			name:   "issuer mismatch",
			mutate: func(c map[string]any) { c["iss"] = "https://evil.test" },
			wantErr: "issuer validation failed",
		},
		{
			name:   "audience string mismatch",
			mutate: func(c map[string]any) { c["aud"] = "other-client" },
			wantErr: "audience validation failed",
		},
		{
			name:   "audience array without client id",
			mutate: func(c map[string]any) { c["aud"] = []any{"a", "b"} },
			wantErr: "audience validation failed",
		},
		{
			name:   "audience array containing client id",
			mutate: func(c map[string]any) { c["aud"] = []any{"other", "client-123"} },
		},
		{
			name:   "iat in the future",
			mutate: func(c map[string]any) { c["iat"] = float64(now.Add(time.Second).Unix()) },
			wantErr: "timestamp invalid",
		},
		{
			name:   "iat missing",
			mutate: func(c map[string]any) { delete(c, "iat") },
			wantErr: "timestamp invalid",
		},
		{
			name:   "iat old but within policy",
			mutate: func(c map[string]any) { c["iat"] = float64(now.Add(-10 * time.Minute).Unix()) },
		},
		{
			name:   "expired",
			mutate: func(c map[string]any) { c["exp"] = float64(now.Add(-time.Second).Unix()) },
			wantErr: "has expired",
		},
		{
			name:    "email domain not allowed",
			mutate:  func(c map[string]any) {},
			domains: []string{"corp.example"},
			wantErr: "email domain not allowed",
		},
		{
			name:    "email domain allowed",
			mutate:  func(c map[string]any) {},
			domains: []string{"example.com"},
		},
		{
			name:   "all checks pass",
			mutate: func(c map[string]any) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(tt.domains...)
			claims := valid()
			tt.mutate(claims)

			err := c.validateIDClaims(claims, "nonce-1")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if CodeOf(err) != CodeTokenValidation {
				t.Fatalf("code = %q", CodeOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultClientLifecycle(t *testing.T) {
	t.Cleanup(ResetDefault)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := ProviderConfig{TenantID: "t", ClientID: "c", RedirectURI: "https://app.test/cb"}

	first := Default(cfg, logger)
	second := Default(cfg, logger)
	if first != second {
		t.Fatal("Default must return the same client")
	}

	ResetDefault()
	third := Default(cfg, logger)
	if third == first {
		t.Fatal("ResetDefault must discard the previous client")
	}
}
