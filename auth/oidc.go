package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// iat older than this triggers a warning but not a rejection.
const maxTokenAge = 5 * time.Minute

// AuthRequest carries everything the HTTP layer needs to start a login.
// The caller persists State/Nonce via the state store and keeps the
// CodeVerifier client-side before redirecting.
type AuthRequest struct {
	URL          string
	State        string
	Nonce        string
	CodeVerifier string
}

// UserInfo is the normalized identity returned after a successful callback.
type UserInfo struct {
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	RawClaims     map[string]any
}

// Client drives the authorization-code + PKCE flow against the upstream
// identity provider. Discovery runs at most once per Client unless Reset.
type Client struct {
	cfg    ProviderConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	provider *oidc.Provider
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewClient constructs an uninitialized client. Discovery is deferred until
// Initialize or the first CreateAuthURL/HandleCallback call.
func NewClient(cfg ProviderConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNetworkTimeout
	}
	return &Client{cfg: cfg, logger: logger, now: time.Now}
}

// Initialize discovers provider metadata from the well-known issuer URL and
// memoizes it for the client's lifetime. Safe to call repeatedly.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureInitializedLocked(ctx)
}

func (c *Client) ensureInitializedLocked(ctx context.Context) error {
	if c.provider != nil {
		return nil
	}
	if c.cfg.ClientID == "" || c.cfg.RedirectURI == "" {
		return NewConfigurationError("oidc provider not configured")
	}

	issuer := c.cfg.ExpectedIssuer()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return NewDiscoveryError("provider metadata fetch failed").
			WithCause(err).
			WithDetail("tenant_id", c.cfg.TenantID)
	}

	endpoint := provider.Endpoint()
	if c.cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := c.cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	c.provider = provider
	c.oauth = &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	c.verifier = provider.Verifier(&oidc.Config{ClientID: c.cfg.ClientID})

	c.logger.Info("oidc provider discovered", "issuer", issuer)
	return nil
}

// Reset drops memoized discovery state so the next call re-discovers.
func (c *Client) Reset() {
	c.mu.Lock()
	c.provider = nil
	c.oauth = nil
	c.verifier = nil
	c.mu.Unlock()
}

// CreateAuthURL builds the authorization redirect with a fresh PKCE
// verifier, CSRF state, and replay-protection nonce.
func (c *Client) CreateAuthURL(ctx context.Context) (*AuthRequest, error) {
	c.mu.Lock()
	if err := c.ensureInitializedLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	oauthCfg := c.oauth
	c.mu.Unlock()

	codeVerifier, err := randomToken(32) // 43 chars base64url
	if err != nil {
		return nil, NewConfigurationError("entropy source unavailable").WithCause(err)
	}
	state, err := randomToken(24)
	if err != nil {
		return nil, NewConfigurationError("entropy source unavailable").WithCause(err)
	}
	nonce, err := randomToken(24)
	if err != nil {
		return nil, NewConfigurationError("entropy source unavailable").WithCause(err)
	}

	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge(codeVerifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	return &AuthRequest{
		URL:          authURL,
		State:        state,
		Nonce:        nonce,
		CodeVerifier: codeVerifier,
	}, nil
}

// HandleCallback completes the flow: code exchange with the PKCE verifier,
// then independent defense-in-depth validation of the ID token. Each check
// runs even when the exchange library already covers it.
func (c *Client) HandleCallback(ctx context.Context, callbackURL, expectedState, expectedNonce, codeVerifier string) (*UserInfo, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, NewTokenExchangeError("malformed callback URL").WithCause(err)
	}
	q := u.Query()

	if provErr := q.Get("error"); provErr != "" {
		return nil, NewTokenExchangeError("provider returned error").
			WithDetail("error", provErr).
			WithDetail("error_description", q.Get("error_description"))
	}

	if expectedState == "" || q.Get("state") != expectedState {
		return nil, NewStateValidationError("state parameter mismatch")
	}

	code := q.Get("code")
	if code == "" {
		return nil, NewTokenExchangeError("missing authorization code")
	}

	c.mu.Lock()
	if err := c.ensureInitializedLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	oauthCfg := c.oauth
	verifier := c.verifier
	c.mu.Unlock()

	exchangeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := oauthCfg.Exchange(exchangeCtx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return nil, NewTokenExchangeError("code exchange failed").WithCause(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, NewTokenExchangeError("id_token missing in token response")
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, NewTokenValidationError("id token signature verification failed").WithCause(err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, NewTokenValidationError("id token claims unreadable").WithCause(err)
	}

	if err := c.validateIDClaims(claims, expectedNonce); err != nil {
		return nil, err
	}

	return userInfoFromClaims(claims), nil
}

// validateIDClaims runs the mandatory claim checks. The duplication with
// the verifier library is intentional: no single layer is trusted alone.
func (c *Client) validateIDClaims(claims map[string]any, expectedNonce string) error {
	email, _ := claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return NewTokenValidationError("missing email claim")
	}

	if !emailVerified(claims) {
		return NewTokenValidationError("email not verified").WithDetail("email", email)
	}

	if nonce, _ := claims["nonce"].(string); nonce != expectedNonce || expectedNonce == "" {
		return NewTokenValidationError("nonce validation failed")
	}

	if iss, _ := claims["iss"].(string); iss != c.cfg.ExpectedIssuer() {
		return NewTokenValidationError("issuer validation failed").WithDetail("issuer", iss)
	}

	if !audienceContains(claims["aud"], c.cfg.ClientID) {
		return NewTokenValidationError("audience validation failed")
	}

	now := c.now()
	iat, ok := numericClaim(claims["iat"])
	if !ok || iat.After(now) {
		return NewTokenValidationError("timestamp invalid")
	}
	if age := now.Sub(iat); age > maxTokenAge {
		c.logger.Warn("id token older than expected", "age", age.String())
	}

	exp, ok := numericClaim(claims["exp"])
	if !ok || !exp.After(now) {
		return NewTokenValidationError("token has expired")
	}

	if len(c.cfg.AllowedEmailDomains) > 0 && !domainAllowed(email, c.cfg.AllowedEmailDomains) {
		return NewTokenValidationError("email domain not allowed")
	}

	return nil
}

// emailVerified accepts either the standard email_verified claim or the
// Entra domain-owner-verified flag.
func emailVerified(claims map[string]any) bool {
	if v, ok := claims["email_verified"].(bool); ok && v {
		return true
	}
	if v, ok := claims["email_verified"].(string); ok && strings.EqualFold(v, "true") {
		return true
	}
	if v, ok := claims["xms_edov"].(bool); ok && v {
		return true
	}
	if v, ok := claims["xms_edov"].(string); ok && strings.EqualFold(v, "true") {
		return true
	}
	return false
}

func audienceContains(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == clientID {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == clientID {
				return true
			}
		}
	}
	return false
}

func numericClaim(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case int:
		return time.Unix(int64(n), 0), true
	}
	return time.Time{}, false
}

func domainAllowed(email string, allowed []string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range allowed {
		if strings.ToLower(strings.TrimSpace(d)) == domain {
			return true
		}
	}
	return false
}

func userInfoFromClaims(claims map[string]any) *UserInfo {
	info := &UserInfo{EmailVerified: emailVerified(claims), RawClaims: claims}
	info.Email, _ = claims["email"].(string)
	info.Name, _ = claims["name"].(string)
	info.GivenName, _ = claims["given_name"].(string)
	info.FamilyName, _ = claims["family_name"].(string)
	return info
}

// randomToken returns n bytes of entropy as unpadded base64url.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process-wide client, constructing it on first use.
// Discovery still happens lazily, at most once unless ResetDefault is
// called.
func Default(cfg ProviderConfig, logger *slog.Logger) *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = NewClient(cfg, logger)
	}
	return defaultClient
}

// ResetDefault discards the process-wide client. Test isolation hook.
func ResetDefault() {
	defaultMu.Lock()
	defaultClient = nil
	defaultMu.Unlock()
}
