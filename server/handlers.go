// Package server is the reference HTTP facade over the auth subsystem. It
// returns tokens as JSON and never sets cookies; cookie and CSRF handling
// belong to the consuming layer.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"authd/auth"
	"authd/session"
	"authd/state"
)

// signInFailed is the only message a browser ever sees for provider or
// validation failures. Detail goes to the logs.
const signInFailed = "sign-in failed"

// App bundles the facade's dependencies.
type App struct {
	Config auth.Config
	Logger *slog.Logger
	OIDC   *auth.Client
	States state.Store
	Tokens *session.Manager
	Keys   *session.SigningKeys
}

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/.well-known/jwks.json", a.handleJWKS)

	r.Get("/auth/login", a.handleLoginStart)
	r.Get("/auth/callback", a.handleCallback)
	r.Post("/auth/refresh", a.handleRefresh)
	r.Post("/auth/logout", a.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAccessToken)
		r.Post("/auth/revoke-all", a.handleRevokeAll)
	})

	return r
}

type loginStartResponse struct {
	URL          string `json:"url"`
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier"`
}

func (a *App) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Enabled() {
		a.writeError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}

	req, err := a.OIDC.CreateAuthURL(r.Context())
	if err != nil {
		a.Logger.Error("create auth url", "error", err)
		a.writeError(w, http.StatusBadGateway, signInFailed)
		return
	}

	fingerprint := session.GenerateDeviceFingerprint(clientIP(r), r.UserAgent())
	if err := a.States.Register(r.Context(), req.State, req.Nonce, fingerprint); err != nil {
		a.Logger.Error("register state", "error", err)
		a.writeError(w, http.StatusInternalServerError, signInFailed)
		return
	}

	a.writeJSON(w, http.StatusOK, loginStartResponse{
		URL:          req.URL,
		State:        req.State,
		Nonce:        req.Nonce,
		CodeVerifier: req.CodeVerifier,
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	SessionID    string `json:"session_id"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
}

// handleCallback completes a login. The state must survive
// ValidateAndMarkUsed before anything else happens; the response is not
// written until every store operation has resolved.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	stateToken := q.Get("state")
	codeVerifier := q.Get("code_verifier")

	nonce, err := a.States.Nonce(ctx, stateToken)
	if err != nil {
		a.Logger.Error("nonce lookup", "error", err)
		a.writeError(w, http.StatusUnauthorized, signInFailed)
		return
	}
	if nonce == "" {
		a.writeError(w, http.StatusUnauthorized, signInFailed)
		return
	}

	if !a.States.ValidateAndMarkUsed(ctx, stateToken) {
		a.writeError(w, http.StatusUnauthorized, signInFailed)
		return
	}

	info, err := a.OIDC.HandleCallback(ctx, r.URL.String(), stateToken, nonce, codeVerifier)
	if err != nil {
		a.Logger.Error("oidc callback rejected", "code", auth.CodeOf(err), "error", err)
		a.writeError(w, http.StatusUnauthorized, signInFailed)
		return
	}

	userID := subjectFromClaims(info.RawClaims)
	device := session.DeviceInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
	rememberMe := q.Get("remember_me") == "true"

	pair, err := a.Tokens.CreateTokenPair(ctx, userID, device, rememberMe, info.Email)
	if err != nil {
		a.Logger.Error("issue token pair", "code", auth.CodeOf(err), "error", err)
		a.writeError(w, http.StatusUnauthorized, signInFailed)
		return
	}

	a.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    pair.ExpiresAt.Unix(),
		SessionID:    pair.SessionID,
		Email:        info.Email,
		Name:         info.Name,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		a.writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	device := session.DeviceInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
	pair := a.Tokens.RefreshTokenPair(r.Context(), req.RefreshToken, device)
	if pair == nil {
		a.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	a.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    pair.ExpiresAt.Unix(),
		SessionID:    pair.SessionID,
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		a.writeError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	a.Tokens.RevokeRefreshToken(r.Context(), req.RefreshToken, "logout")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		a.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	n := a.Tokens.RevokeAllUserTokens(r.Context(), claims.Subject, "user requested revocation")
	a.writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Keys.PublicJWKS())
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimsKey struct{}

func (a *App) requireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			a.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims := a.Tokens.ValidateAccessToken(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if claims == nil {
			a.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.Logger.Error("encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func subjectFromClaims(claims map[string]any) string {
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if oid, ok := claims["oid"].(string); ok {
		return oid
	}
	return ""
}

func contextWithClaims(ctx context.Context, claims *session.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFromContext(ctx context.Context) *session.Claims {
	if v, ok := ctx.Value(claimsKey{}).(*session.Claims); ok {
		return v
	}
	return nil
}
